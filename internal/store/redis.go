package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openpredict/lmsr-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.UpdateMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.TradeRecord) error {
	if err := s.primary.InsertTrade(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(t.UserID))
	return nil
}

func (s *CachedStore) InsertClaim(ctx context.Context, c *model.ClaimRecord) error {
	if err := s.primary.InsertClaim(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(c.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.UserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) TradesByMarket(ctx context.Context, marketID string) ([]model.TradeRecord, error) {
	return s.primary.TradesByMarket(ctx, marketID)
}

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.TradeRecord, error) {
	return s.primary.TradesByUser(ctx, userID)
}

func (s *CachedStore) HasClaimed(ctx context.Context, marketID, userID string) (bool, error) {
	return s.primary.HasClaimed(ctx, marketID, userID)
}

func (s *CachedStore) ClaimsByUser(ctx context.Context, userID string) ([]model.ClaimRecord, error) {
	return s.primary.ClaimsByUser(ctx, userID)
}

func (s *CachedStore) MarketPositions(ctx context.Context, marketID, userID string) ([]model.Position, error) {
	return s.primary.MarketPositions(ctx, marketID, userID)
}

func (s *CachedStore) TotalCostBasis(ctx context.Context, marketID string) (*big.Int, error) {
	return s.primary.TotalCostBasis(ctx, marketID)
}

func (s *CachedStore) UserPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	return s.primary.UserPortfolio(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
