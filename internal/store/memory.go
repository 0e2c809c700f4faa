package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/openpredict/lmsr-engine/internal/engine"
	"github.com/openpredict/lmsr-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	payout  *big.Int
	markets map[string]*model.Market
	trades  []model.TradeRecord
	claims  []model.ClaimRecord
}

// NewMemoryStore creates a new in-memory store. payoutPerShare is needed to
// mark projected positions to market.
func NewMemoryStore(payoutPerShare *big.Int) *MemoryStore {
	return &MemoryStore{
		payout:  new(big.Int).Set(payoutPerShare),
		markets: make(map[string]*model.Market),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s not found", id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("market %s not found", m.ID)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertClaim(_ context.Context, c *model.ClaimRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.claims {
		if existing.MarketID == c.MarketID && existing.UserID == c.UserID {
			return fmt.Errorf("claim for market %s by %s already recorded", c.MarketID, c.UserID)
		}
	}
	s.claims = append(s.claims, *c)
	return nil
}

func (s *MemoryStore) HasClaimed(_ context.Context, marketID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.claims {
		if c.MarketID == marketID && c.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ClaimsByUser(_ context.Context, userID string) ([]model.ClaimRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ClaimRecord
	for _, c := range s.claims {
		if c.UserID == userID {
			result = append(result, c)
		}
	}
	return result, nil
}

// marketsByID snapshots the market map for projections. Callers hold the
// read lock.
func (s *MemoryStore) marketsByID() map[string]*model.Market {
	out := make(map[string]*model.Market, len(s.markets))
	for id, m := range s.markets {
		out[id] = m.Clone()
	}
	return out
}

func (s *MemoryStore) MarketPositions(_ context.Context, marketID, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.TradeRecord
	for _, t := range s.trades {
		if t.MarketID == marketID && t.UserID == userID {
			trades = append(trades, t)
		}
	}
	return engine.ProjectPositions(userID, trades, nil, s.marketsByID(), s.payout), nil
}

func (s *MemoryStore) TotalCostBasis(_ context.Context, marketID string) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := make(map[string][]model.TradeRecord)
	for _, t := range s.trades {
		if t.MarketID == marketID {
			byUser[t.UserID] = append(byUser[t.UserID], t)
		}
	}

	markets := s.marketsByID()
	total := new(big.Int)
	for userID, trades := range byUser {
		for _, p := range engine.ProjectPositions(userID, trades, nil, markets, s.payout) {
			total.Add(total, p.CostBasis)
		}
	}
	return total, nil
}

func (s *MemoryStore) UserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades, claims := s.userLedgers(userID)
	return engine.ProjectPositions(userID, trades, claims, s.marketsByID(), s.payout), nil
}

func (s *MemoryStore) UserPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades, claims := s.userLedgers(userID)
	markets := s.marketsByID()
	positions := engine.ProjectPositions(userID, trades, claims, markets, s.payout)
	return engine.ProjectPortfolio(userID, positions, trades, claims, markets), nil
}

func (s *MemoryStore) userLedgers(userID string) ([]model.TradeRecord, []model.ClaimRecord) {
	var trades []model.TradeRecord
	for _, t := range s.trades {
		if t.UserID == userID {
			trades = append(trades, t)
		}
	}
	var claims []model.ClaimRecord
	for _, c := range s.claims {
		if c.UserID == userID {
			claims = append(claims, c)
		}
	}
	return trades, claims
}
