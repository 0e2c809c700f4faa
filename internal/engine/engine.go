// Package engine implements the trading, lifecycle, and settlement core of
// the LMSR prediction market: quoting and executing buys and sells, the
// market state machine, and claim settlement.
//
// The engine is transactional from the perspective of one market: every
// operation validates and computes first, then mutates, so a failure leaves
// all state unchanged. It holds no cross-market state; callers load a
// market (plus the claimant's ledger projections where needed), invoke one
// operation, and persist the result. Operations on the same market must be
// serialized by the caller.
//
// Fund custody is external. Operations return model.Transfer instructions
// after internal bookkeeping has completed, never before.
package engine

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/openpredict/lmsr-engine/internal/fixedpoint"
	"github.com/openpredict/lmsr-engine/internal/lmsr"
	"github.com/openpredict/lmsr-engine/internal/model"
)

// feeDenominator converts basis points to a fraction.
const feeDenominator = 10_000

// Engine executes trades and lifecycle transitions against market state.
type Engine struct {
	feeBps int64    // platform fee in basis points
	payout *big.Int // payout per winning share, wad
}

// New creates an engine with the given platform fee (basis points) and
// payout per winning share.
func New(feeBps int64, payoutPerShare *big.Int) (*Engine, error) {
	if feeBps < 0 || feeBps >= feeDenominator {
		return nil, fmt.Errorf("%w: fee %d bps", ErrInvalidMarket, feeBps)
	}
	if payoutPerShare == nil || payoutPerShare.Sign() <= 0 {
		return nil, lmsr.ErrInvalidPayout
	}
	return &Engine{feeBps: feeBps, payout: new(big.Int).Set(payoutPerShare)}, nil
}

// PayoutPerShare returns the payout unit for one winning share.
func (e *Engine) PayoutPerShare() *big.Int {
	return new(big.Int).Set(e.payout)
}

// costEngine builds the per-market cost engine, mirroring how the market
// was priced at creation.
func (e *Engine) costEngine(m *model.Market) (*lmsr.CostEngine, error) {
	return lmsr.NewCostEngine(m.B, e.payout)
}

// CreateMarketParams are the inputs to CreateMarket.
type CreateMarketParams struct {
	QuestionRef            string
	CreatorID              string
	OptionLabels           []string
	B                      *big.Int // LMSR liquidity parameter, wad
	Duration               time.Duration
	Kind                   model.MarketKind
	InitialLiquidity       *big.Int // creator-seeded, refundable on invalidation
	PrizePool              *big.Int // free-entry markets only
	EarlyResolutionAllowed bool
}

// CreateMarket builds a new market in the Created state. Option prices are
// initialized from the shared zero-share default rule. The returned
// transfers collect the creator's seed liquidity (and prize pool for
// free-entry markets) into custody.
func (e *Engine) CreateMarket(p CreateMarketParams, now time.Time) (*model.Market, []model.Transfer, error) {
	if len(p.OptionLabels) < 2 {
		return nil, nil, fmt.Errorf("%w: need at least 2 options", ErrInvalidMarket)
	}
	if p.Duration <= 0 {
		return nil, nil, fmt.Errorf("%w: duration must be positive", ErrInvalidMarket)
	}
	if p.Kind != model.KindPaid && p.Kind != model.KindFreeEntry {
		return nil, nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMarket, p.Kind)
	}
	if p.InitialLiquidity == nil || p.InitialLiquidity.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: initial liquidity must be non-negative", ErrInvalidMarket)
	}

	ce, err := lmsr.NewCostEngine(p.B, e.payout)
	if err != nil {
		return nil, nil, err
	}

	defaultPrice := ce.DefaultPrice(len(p.OptionLabels))
	options := make([]model.Option, len(p.OptionLabels))
	for i, label := range p.OptionLabels {
		options[i] = model.Option{
			Label:  label,
			Shares: new(big.Int),
			Volume: new(big.Int),
			Price:  new(big.Int).Set(defaultPrice),
		}
	}

	m := &model.Market{
		ID:                     uuid.New().String(),
		QuestionRef:            p.QuestionRef,
		CreatorID:              p.CreatorID,
		Kind:                   p.Kind,
		State:                  model.StateCreated,
		Options:                options,
		B:                      ce.B(),
		UserLiquidity:          new(big.Int),
		AdminInitialLiquidity:  new(big.Int).Set(p.InitialLiquidity),
		EarlyResolutionAllowed: p.EarlyResolutionAllowed,
		EndTime:                now.Add(p.Duration),
		WinningOption:          -1,
		CreatedAt:              now,
	}

	var transfers []model.Transfer
	if p.InitialLiquidity.Sign() > 0 {
		transfers = append(transfers, model.Transfer{
			UserID:   p.CreatorID,
			MarketID: m.ID,
			Amount:   new(big.Int).Set(p.InitialLiquidity),
			Inbound:  true,
			Reason:   "initial liquidity",
		})
	}

	if p.Kind == model.KindFreeEntry {
		if p.PrizePool == nil || p.PrizePool.Sign() <= 0 {
			return nil, nil, fmt.Errorf("%w: free-entry markets need a prize pool", ErrInvalidMarket)
		}
		m.FreeEntry = &model.FreeEntryConfig{
			TotalPrizePool:     new(big.Int).Set(p.PrizePool),
			RemainingPrizePool: new(big.Int).Set(p.PrizePool),
			Active:             true,
		}
		transfers = append(transfers, model.Transfer{
			UserID:   p.CreatorID,
			MarketID: m.ID,
			Amount:   new(big.Int).Set(p.PrizePool),
			Inbound:  true,
			Reason:   "prize pool deposit",
		})
	}

	return m, transfers, nil
}

// Validate moves a market from Created to Validated, opening trading.
func (e *Engine) Validate(m *model.Market) error {
	switch m.State {
	case model.StateCreated:
	case model.StateValidated:
		return ErrAlreadyValidated
	case model.StateResolved:
		return ErrAlreadyResolved
	default:
		return ErrAlreadyInvalidated
	}
	m.State = model.StateValidated
	m.Validated = true
	return nil
}

// Resolve fixes the winning option and freezes trading.
//
// An unvalidated market can never be resolved — trades on it were never
// authorized — and resolution before the end time requires the market to
// allow early resolution and the caller to assert the trigger fired (the
// trigger itself is decided by an external collaborator).
func (e *Engine) Resolve(m *model.Market, winningOption int, now time.Time, earlyTrigger bool) error {
	if !m.Validated {
		return ErrMarketNotValidated
	}
	switch m.State {
	case model.StateResolved:
		return ErrAlreadyResolved
	case model.StateInvalidated:
		return ErrAlreadyInvalidated
	}
	if winningOption < 0 || winningOption >= len(m.Options) {
		return ErrOptionIndex
	}
	if now.Before(m.EndTime) && !(m.EarlyResolutionAllowed && earlyTrigger) {
		return ErrMarketStillOpen
	}

	m.State = model.StateResolved
	m.WinningOption = winningOption
	return nil
}

// Invalidate cancels a market from Created or Validated. The creator's seed
// liquidity is returned immediately, and for free-entry markets the full
// remaining prize pool is released and the config deactivated — a prize
// pool must never stay locked after invalidation. Trader funds in
// userLiquidity become claimable pro-rata through Claim.
func (e *Engine) Invalidate(m *model.Market, reason string) ([]model.Transfer, error) {
	switch m.State {
	case model.StateResolved:
		return nil, ErrAlreadyResolved
	case model.StateInvalidated:
		return nil, ErrAlreadyInvalidated
	}

	m.State = model.StateInvalidated
	m.InvalidationReason = reason
	m.RefundPool = new(big.Int).Set(m.UserLiquidity)

	var transfers []model.Transfer
	if m.AdminInitialLiquidity.Sign() > 0 {
		transfers = append(transfers, model.Transfer{
			UserID:   m.CreatorID,
			MarketID: m.ID,
			Amount:   new(big.Int).Set(m.AdminInitialLiquidity),
			Inbound:  false,
			Reason:   "initial liquidity refund",
		})
		m.AdminInitialLiquidity = new(big.Int)
	}

	if m.FreeEntry != nil && m.FreeEntry.Active {
		if m.FreeEntry.RemainingPrizePool.Sign() > 0 {
			transfers = append(transfers, model.Transfer{
				UserID:   m.CreatorID,
				MarketID: m.ID,
				Amount:   new(big.Int).Set(m.FreeEntry.RemainingPrizePool),
				Inbound:  false,
				Reason:   "prize pool refund",
			})
		}
		m.FreeEntry.RemainingPrizePool = new(big.Int)
		m.FreeEntry.Active = false
	}

	return transfers, nil
}

// priceVector computes cached marginal prices for a hypothetical option
// state without touching the market, so pricing errors surface before any
// commit.
func (e *Engine) priceVector(m *model.Market, options []model.Option) ([]*big.Int, error) {
	ce, err := e.costEngine(m)
	if err != nil {
		return nil, err
	}
	q := make([]*big.Int, len(options))
	for i := range options {
		q[i] = options[i].Shares
	}
	return ce.Prices(q)
}

// maxShares returns the largest single option's outstanding share quantity.
func maxShares(options []model.Option) *big.Int {
	max := new(big.Int)
	for i := range options {
		if options[i].Shares.Cmp(max) > 0 {
			max = options[i].Shares
		}
	}
	return new(big.Int).Set(max)
}

// checkSolvency verifies the solvency invariant for a prospective state:
// userLiquidity + adminInitialLiquidity must cover the worst-case aggregate
// payout, which is payoutPerShare times the largest single option's shares
// (at most one option can win).
func (e *Engine) checkSolvency(userLiquidity, adminLiquidity *big.Int, options []model.Option) error {
	worstCase, err := fixedpoint.Mul(maxShares(options), e.payout)
	if err != nil {
		return err
	}
	available := new(big.Int).Add(userLiquidity, adminLiquidity)
	if available.Cmp(worstCase) < 0 {
		return ErrInsufficientLiquidity
	}
	return nil
}
