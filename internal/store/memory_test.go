package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/lmsr-engine/internal/engine"
	"github.com/openpredict/lmsr-engine/internal/fixedpoint"
	"github.com/openpredict/lmsr-engine/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func w(f float64) *big.Int {
	return fixedpoint.FromDecimal(decimal.NewFromFloat(f))
}

func newFixture(t *testing.T) (*engine.Engine, *MemoryStore, *model.Market) {
	t.Helper()
	eng, err := engine.New(0, fixedpoint.One)
	require.NoError(t, err)
	st := NewMemoryStore(fixedpoint.One)

	m, _, err := eng.CreateMarket(engine.CreateMarketParams{
		QuestionRef:      "q-1",
		CreatorID:        "creator-1",
		OptionLabels:     []string{"yes", "no"},
		B:                w(100),
		Duration:         24 * time.Hour,
		Kind:             model.KindPaid,
		InitialLiquidity: w(200),
	}, t0)
	require.NoError(t, err)
	require.NoError(t, eng.Validate(m))
	require.NoError(t, st.CreateMarket(context.Background(), m))
	return eng, st, m
}

// executeBuy runs a buy through engine and store the way the service does.
func executeBuy(t *testing.T, eng *engine.Engine, st *MemoryStore, m *model.Market, userID string, opt int, qty *big.Int) *engine.TradeResult {
	t.Helper()
	ctx := context.Background()
	res, err := eng.ExecuteBuy(m, userID, opt, qty, nil, t0)
	require.NoError(t, err)
	require.NoError(t, st.UpdateMarket(ctx, m))
	require.NoError(t, st.InsertTrade(ctx, res.Trade))
	return res
}

func TestMemoryStore_MarketCRUD(t *testing.T) {
	_, st, m := newFixture(t)
	ctx := context.Background()

	got, err := st.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, model.StateValidated, got.State)

	// Reads are isolated copies: mutating one must not leak into the store.
	got.UserLiquidity.SetInt64(999)
	again, err := st.GetMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.UserLiquidity.Sign())

	_, err = st.GetMarket(ctx, "nope")
	assert.Error(t, err)

	err = st.CreateMarket(ctx, m)
	assert.Error(t, err, "duplicate create must fail")

	markets, err := st.ListMarkets(ctx)
	require.NoError(t, err)
	assert.Len(t, markets, 1)
}

func TestMemoryStore_UpdateUnknownMarket(t *testing.T) {
	st := NewMemoryStore(fixedpoint.One)
	err := st.UpdateMarket(context.Background(), &model.Market{ID: "ghost"})
	assert.Error(t, err)
}

func TestMemoryStore_TradeLedger(t *testing.T) {
	eng, st, m := newFixture(t)
	ctx := context.Background()

	executeBuy(t, eng, st, m, "alice", 0, w(10))
	executeBuy(t, eng, st, m, "bob", 1, w(5))
	executeBuy(t, eng, st, m, "alice", 1, w(2))

	byMarket, err := st.TradesByMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, byMarket, 3)

	byUser, err := st.TradesByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, 0, byUser[0].Option)
	assert.Equal(t, 1, byUser[1].Option)
}

func TestMemoryStore_ClaimUniqueness(t *testing.T) {
	_, st, m := newFixture(t)
	ctx := context.Background()

	c := &model.ClaimRecord{ID: "c1", MarketID: m.ID, UserID: "alice", Payout: w(10), Timestamp: t0}
	require.NoError(t, st.InsertClaim(ctx, c))

	claimed, err := st.HasClaimed(ctx, m.ID, "alice")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = st.HasClaimed(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.False(t, claimed)

	dup := &model.ClaimRecord{ID: "c2", MarketID: m.ID, UserID: "alice", Payout: w(10), Timestamp: t0}
	assert.Error(t, st.InsertClaim(ctx, dup))

	claims, err := st.ClaimsByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestMemoryStore_MarketPositionsProjection(t *testing.T) {
	eng, st, m := newFixture(t)
	ctx := context.Background()

	buy := executeBuy(t, eng, st, m, "alice", 0, w(10))
	executeBuy(t, eng, st, m, "bob", 0, w(3))

	positions, err := st.MarketPositions(ctx, m.ID, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0, positions[0].Shares.Cmp(w(10)))
	assert.Equal(t, 0, positions[0].CostBasis.Cmp(buy.Trade.Total))
}

func TestMemoryStore_TotalCostBasis(t *testing.T) {
	eng, st, m := newFixture(t)
	ctx := context.Background()

	a := executeBuy(t, eng, st, m, "alice", 0, w(10))
	b := executeBuy(t, eng, st, m, "bob", 1, w(5))

	total, err := st.TotalCostBasis(ctx, m.ID)
	require.NoError(t, err)
	want := new(big.Int).Add(a.Trade.Total, b.Trade.Total)
	assert.Equal(t, 0, total.Cmp(want))
}

func TestMemoryStore_PortfolioAcrossMarkets(t *testing.T) {
	eng, st, m := newFixture(t)
	ctx := context.Background()

	m2, _, err := eng.CreateMarket(engine.CreateMarketParams{
		QuestionRef:      "q-2",
		CreatorID:        "creator-1",
		OptionLabels:     []string{"a", "b", "c"},
		B:                w(100),
		Duration:         24 * time.Hour,
		Kind:             model.KindPaid,
		InitialLiquidity: w(200),
	}, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, eng.Validate(m2))
	require.NoError(t, st.CreateMarket(ctx, m2))

	b1 := executeBuy(t, eng, st, m, "alice", 0, w(10))
	b2 := executeBuy(t, eng, st, m2, "alice", 2, w(4))

	positions, err := st.UserPositions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, positions, 2)

	pf, err := st.UserPortfolio(ctx, "alice")
	require.NoError(t, err)
	wantInvested := new(big.Int).Add(b1.Trade.Total, b2.Trade.Total)
	assert.Equal(t, 0, pf.TotalInvested.Cmp(wantInvested))
	assert.Equal(t, 0, pf.RealizedPnL.Sign())

	// Newest-first listing.
	markets, err := st.ListMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Equal(t, m2.ID, markets[0].ID)
}
