// Package model defines the core domain types shared across the market engine.
// All monetary values are 18-decimal fixed-point wads (internal/fixedpoint) —
// never float64 for money.
package model

import (
	"math/big"
	"time"
)

// MarketKind distinguishes how a market is funded.
type MarketKind string

const (
	// KindPaid markets collect trader funds into userLiquidity.
	KindPaid MarketKind = "paid"
	// KindFreeEntry markets carry a creator-funded prize pool paid out to
	// correct predictors.
	KindFreeEntry MarketKind = "free_entry"
)

// MarketState is the lifecycle state of a market.
//
//	created → validated → {resolved | invalidated}
//
// There is no disputed state: nothing ever transitioned into one, so it is
// not modeled.
type MarketState string

const (
	StateCreated     MarketState = "created"
	StateValidated   MarketState = "validated"
	StateResolved    MarketState = "resolved"
	StateInvalidated MarketState = "invalidated"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Option is one outcome of a market: outstanding shares, cumulative traded
// volume, and the cached marginal price. The cached price is refreshed after
// every trade and always equals the value recomputable from the current
// share quantities.
type Option struct {
	Label  string   `json:"label"`
	Shares *big.Int `json:"shares"` // outstanding, non-negative, wad
	Volume *big.Int `json:"volume"` // cumulative traded quantity, wad
	Price  *big.Int `json:"price"`  // cached marginal price, payout units
}

// FreeEntryConfig holds the prize pool of a free-entry market.
type FreeEntryConfig struct {
	TotalPrizePool     *big.Int `json:"total_prize_pool"`
	RemainingPrizePool *big.Int `json:"remaining_prize_pool"`
	Active             bool     `json:"active"`
}

// Market is the full state of one multi-option prediction market.
//
// Solvency invariant: while trading is open,
// userLiquidity + adminInitialLiquidity >= payoutPerShare * max_i(shares_i).
type Market struct {
	ID                     string           `json:"id"`
	QuestionRef            string           `json:"question_ref"` // opaque reference; metadata lives with a collaborator
	CreatorID              string           `json:"creator_id"`
	Kind                   MarketKind       `json:"kind"`
	State                  MarketState      `json:"state"`
	Options                []Option         `json:"options"`
	B                      *big.Int         `json:"b"` // LMSR liquidity parameter, wad
	UserLiquidity          *big.Int         `json:"user_liquidity"`
	AdminInitialLiquidity  *big.Int         `json:"admin_initial_liquidity"`
	Validated              bool             `json:"validated"`
	EarlyResolutionAllowed bool             `json:"early_resolution_allowed"`
	EndTime                time.Time        `json:"end_time"`
	WinningOption          int              `json:"winning_option"` // -1 until resolved
	InvalidationReason     string           `json:"invalidation_reason,omitempty"`
	// RefundPool is the user liquidity frozen at invalidation. Pro-rata
	// refunds are computed against this snapshot so every claimant sees the
	// same ratio no matter how late they claim.
	RefundPool *big.Int `json:"refund_pool,omitempty"`
	FreeEntry              *FreeEntryConfig `json:"free_entry,omitempty"`
	CreatedAt              time.Time        `json:"created_at"`
}

// Clone returns a deep copy, so stores can hand out markets without
// exposing their internal state to mutation.
func (m *Market) Clone() *Market {
	c := *m
	c.Options = make([]Option, len(m.Options))
	for i, o := range m.Options {
		c.Options[i] = Option{
			Label:  o.Label,
			Shares: new(big.Int).Set(o.Shares),
			Volume: new(big.Int).Set(o.Volume),
			Price:  new(big.Int).Set(o.Price),
		}
	}
	c.B = new(big.Int).Set(m.B)
	c.UserLiquidity = new(big.Int).Set(m.UserLiquidity)
	c.AdminInitialLiquidity = new(big.Int).Set(m.AdminInitialLiquidity)
	if m.RefundPool != nil {
		c.RefundPool = new(big.Int).Set(m.RefundPool)
	}
	if m.FreeEntry != nil {
		c.FreeEntry = &FreeEntryConfig{
			TotalPrizePool:     new(big.Int).Set(m.FreeEntry.TotalPrizePool),
			RemainingPrizePool: new(big.Int).Set(m.FreeEntry.RemainingPrizePool),
			Active:             m.FreeEntry.Active,
		}
	}
	return &c
}

// ShareVector returns the outstanding share quantities in option order.
func (m *Market) ShareVector() []*big.Int {
	q := make([]*big.Int, len(m.Options))
	for i := range m.Options {
		q[i] = m.Options[i].Shares
	}
	return q
}

// Open reports whether the market accepts trades at the given time.
func (m *Market) Open(now time.Time) bool {
	return m.State == StateValidated && now.Before(m.EndTime)
}

// TradeRecord is an immutable record of one executed trade. Once created,
// these are never modified or deleted; positions and portfolios are
// projections over them.
type TradeRecord struct {
	ID       string `json:"id"`
	MarketID string `json:"market_id"`
	UserID   string `json:"user_id"`
	Option   int    `json:"option"`
	Side     string `json:"side"` // SideBuy or SideSell

	Quantity *big.Int `json:"quantity"` // shares, wad, always positive
	// Price is the canonical trade price: the average fill actually paid or
	// received per share (total / quantity). The same definition is used for
	// buys and sells.
	Price *big.Int `json:"price"`
	// MarginalPrice is the post-trade instantaneous price, reported
	// separately from the fill price.
	MarginalPrice *big.Int  `json:"marginal_price"`
	RawAmount     *big.Int  `json:"raw_amount"` // cost/refund before fee
	Fee           *big.Int  `json:"fee"`
	Total         *big.Int  `json:"total"` // buys: raw+fee; sells: raw-fee
	Timestamp     time.Time `json:"timestamp"`
}

// ClaimRecord is an immutable record of a settled claim (winnings after
// resolution or a refund after invalidation).
type ClaimRecord struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"market_id"`
	UserID    string    `json:"user_id"`
	Payout    *big.Int  `json:"payout"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is a trader's projected holding in one (market, option): shares,
// remaining cost basis, and the realized P&L attributable to exits from this
// position. Computed by replaying the trade ledger, never stored directly.
type Position struct {
	UserID        string   `json:"user_id"`
	MarketID      string   `json:"market_id"`
	Option        int      `json:"option"`
	Shares        *big.Int `json:"shares"`
	CostBasis     *big.Int `json:"cost_basis"`
	RealizedPnL   *big.Int `json:"realized_pnl"`
	CurrentValue  *big.Int `json:"current_value"`  // mark-to-market at cached price
	UnrealizedPnL *big.Int `json:"unrealized_pnl"` // currentValue - costBasis
}

// Portfolio aggregates a trader's positions and claim history. Every field
// is a pure summation over the underlying ledger — there are no
// independently maintained counters to drift out of sync.
type Portfolio struct {
	UserID        string     `json:"user_id"`
	Positions     []Position `json:"positions"`
	TotalInvested *big.Int   `json:"total_invested"`
	RealizedPnL   *big.Int   `json:"realized_pnl"`
	UnrealizedPnL *big.Int   `json:"unrealized_pnl"`
	TotalWinnings *big.Int   `json:"total_winnings"`
}

// Transfer is an instruction to the external custody layer. The engine
// finishes all internal bookkeeping before any transfer is surfaced
// (effects before external calls).
type Transfer struct {
	UserID   string   `json:"user_id"`
	MarketID string   `json:"market_id"`
	Amount   *big.Int `json:"amount"`
	Inbound  bool     `json:"inbound"` // true: collect from user; false: pay out
	Reason   string   `json:"reason"`
}
