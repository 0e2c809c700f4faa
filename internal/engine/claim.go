package engine

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/openpredict/lmsr-engine/internal/fixedpoint"
	"github.com/openpredict/lmsr-engine/internal/model"
)

// ClaimInput carries the ledger projections the claim needs: the claimant's
// positions in the market, the market-wide cost basis total (the pro-rata
// denominator for invalidation refunds), and whether this trader has
// already claimed.
type ClaimInput struct {
	Positions      []model.Position
	TotalCostBasis *big.Int
	AlreadyClaimed bool
}

// ClaimResult is the outcome of a settled claim.
type ClaimResult struct {
	Claim     *model.ClaimRecord
	Transfers []model.Transfer
	Payout    *big.Int
	// Realized is the realized P&L delta of this claim: payout minus the
	// cost basis of the positions the claim consumes. It travels on the
	// same update path as the payout — there is no separately maintained
	// winnings counter anywhere.
	Realized *big.Int
}

// Claim settles one trader's entitlement in a Resolved or Invalidated
// market. Resolved markets pay winning-option shares times the payout
// unit; invalidated markets refund the trader's pro-rata slice of collected
// user liquidity. Either way the claim consumes every position the trader
// holds in the market: losing shares settle to zero realized loss on the
// same claim instead of lingering as unrealized against a dead market.
// A second claim for the same (market, trader) fails with
// ErrAlreadyClaimed and pays nothing.
func (e *Engine) Claim(m *model.Market, userID string, in ClaimInput, now time.Time) (*ClaimResult, error) {
	switch m.State {
	case model.StateResolved, model.StateInvalidated:
	default:
		return nil, ErrMarketStillOpen
	}
	if in.AlreadyClaimed {
		return nil, ErrAlreadyClaimed
	}

	var payout, consumedBasis *big.Int
	var err error
	if m.State == model.StateResolved {
		payout, consumedBasis, err = e.winningsFor(m, in.Positions)
	} else {
		payout, consumedBasis, err = e.refundFor(m, in.Positions, in.TotalCostBasis)
	}
	if err != nil {
		return nil, err
	}

	e.drawFunds(m, payout, userID)

	claim := &model.ClaimRecord{
		ID:        uuid.New().String(),
		MarketID:  m.ID,
		UserID:    userID,
		Payout:    new(big.Int).Set(payout),
		Timestamp: now,
	}

	var transfers []model.Transfer
	if payout.Sign() > 0 {
		transfers = append(transfers, model.Transfer{
			UserID:   userID,
			MarketID: m.ID,
			Amount:   new(big.Int).Set(payout),
			Inbound:  false,
			Reason:   claimReason(m.State),
		})
	}

	return &ClaimResult{
		Claim:     claim,
		Transfers: transfers,
		Payout:    payout,
		Realized:  new(big.Int).Sub(payout, consumedBasis),
	}, nil
}

func claimReason(state model.MarketState) string {
	if state == model.StateResolved {
		return "winnings"
	}
	return "invalidation refund"
}

// winningsFor computes winning-option shares times payoutPerShare. The
// consumed basis sums across all of the trader's positions, winning or not,
// since the claim settles the whole stake in the market.
func (e *Engine) winningsFor(m *model.Market, positions []model.Position) (payout, basis *big.Int, err error) {
	payout = new(big.Int)
	basis = new(big.Int)
	for _, p := range positions {
		basis.Add(basis, p.CostBasis)
		if p.Option != m.WinningOption || p.Shares.Sign() == 0 {
			continue
		}
		w, err := fixedpoint.Mul(p.Shares, e.payout)
		if err != nil {
			return nil, nil, err
		}
		payout.Add(payout, w)
	}
	return payout, basis, nil
}

// refundFor computes the trader's pro-rata invalidation refund: the pool
// frozen at invalidation scaled by the trader's share of total cost basis.
// Since there is no winning option to pay against, contributed liquidity is
// returned in proportion to what each trader paid in.
func (e *Engine) refundFor(m *model.Market, positions []model.Position, totalBasis *big.Int) (payout, basis *big.Int, err error) {
	basis = new(big.Int)
	for _, p := range positions {
		basis.Add(basis, p.CostBasis)
	}
	if basis.Sign() <= 0 || totalBasis == nil || totalBasis.Sign() <= 0 {
		return new(big.Int), basis, nil
	}

	pool := m.RefundPool
	if pool == nil {
		pool = m.UserLiquidity
	}
	payout = new(big.Int).Mul(pool, basis)
	payout.Quo(payout, totalBasis)
	return payout, basis, nil
}

// drawFunds deducts a payout from the market's held funds: the prize pool
// first for resolved free-entry markets, then user liquidity, then the
// creator seed. Exhausting all of them would mean the solvency invariant
// was broken earlier; the shortfall is logged as a reconciling adjustment.
func (e *Engine) drawFunds(m *model.Market, amount *big.Int, userID string) {
	if amount.Sign() <= 0 {
		return
	}

	remaining := new(big.Int).Set(amount)

	// Free-entry winnings come out of the prize pool, but a short pool
	// never short-pays a winner: the remainder falls through to the
	// liquidity the solvency check was enforced against.
	if m.State == model.StateResolved && m.FreeEntry != nil && m.FreeEntry.Active {
		fromPool := new(big.Int).Set(m.FreeEntry.RemainingPrizePool)
		if fromPool.Cmp(remaining) > 0 {
			fromPool.Set(remaining)
		}
		m.FreeEntry.RemainingPrizePool = new(big.Int).Sub(m.FreeEntry.RemainingPrizePool, fromPool)
		remaining.Sub(remaining, fromPool)
		if remaining.Sign() == 0 {
			return
		}
		slog.Warn("prize pool short of winnings; drawing remainder from held liquidity",
			"market", m.ID,
			"trader", userID,
			"remainder", remaining.String(),
		)
	}

	fromUsers := new(big.Int).Set(m.UserLiquidity)
	if fromUsers.Cmp(remaining) > 0 {
		fromUsers.Set(remaining)
	}
	m.UserLiquidity = new(big.Int).Sub(m.UserLiquidity, fromUsers)
	remaining.Sub(remaining, fromUsers)

	if remaining.Sign() > 0 {
		fromAdmin := new(big.Int).Set(m.AdminInitialLiquidity)
		if fromAdmin.Cmp(remaining) > 0 {
			fromAdmin.Set(remaining)
		}
		m.AdminInitialLiquidity = new(big.Int).Sub(m.AdminInitialLiquidity, fromAdmin)
		remaining.Sub(remaining, fromAdmin)
	}

	if remaining.Sign() > 0 {
		slog.Warn("claim payout exceeded held funds",
			"market", m.ID,
			"trader", userID,
			"shortfall", remaining.String(),
		)
	}
}
