// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Trades and claims are immutable append-only ledgers; positions and
// portfolios are projections replayed from them (engine.ProjectPositions),
// never stored state.
package store

import (
	"context"
	"math/big"

	"github.com/openpredict/lmsr-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market state ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarket persists the full market state after a trade or
	// lifecycle transition.
	UpdateMarket(ctx context.Context, m *model.Market) error

	// --- Immutable ledgers ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.TradeRecord) error

	// TradesByMarket returns a market's trades in execution order.
	TradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error)

	// TradesByUser returns a trader's trades in execution order.
	TradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error)

	// InsertClaim appends an immutable claim record.
	InsertClaim(ctx context.Context, c *model.ClaimRecord) error

	// HasClaimed reports whether the trader already claimed on the market.
	HasClaimed(ctx context.Context, marketID, userID string) (bool, error)

	// ClaimsByUser returns a trader's claims in order.
	ClaimsByUser(ctx context.Context, userID string) ([]model.ClaimRecord, error)

	// --- Ledger projections ---

	// MarketPositions projects one trader's positions in one market from
	// the trade ledger alone (the pre-claim view used by sells and claims).
	MarketPositions(ctx context.Context, marketID, userID string) ([]model.Position, error)

	// TotalCostBasis projects the market-wide outstanding cost basis, the
	// denominator for pro-rata invalidation refunds.
	TotalCostBasis(ctx context.Context, marketID string) (*big.Int, error)

	// UserPositions projects all of a trader's positions, claims included.
	UserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// UserPortfolio projects a trader's full portfolio aggregate.
	UserPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)
}
