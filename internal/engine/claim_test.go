package engine

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/lmsr-engine/internal/model"
)

func position(userID string, m *model.Market, option int, shares, basis *big.Int) model.Position {
	return model.Position{
		UserID:    userID,
		MarketID:  m.ID,
		Option:    option,
		Shares:    new(big.Int).Set(shares),
		CostBasis: new(big.Int).Set(basis),
	}
}

// --- Resolved markets ---

func TestClaim_WinnerPaidPerShare(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	buy, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)
	require.NoError(t, e.Resolve(m, 0, m.EndTime, false))

	heldBefore := new(big.Int).Add(m.UserLiquidity, m.AdminInitialLiquidity)

	in := ClaimInput{Positions: []model.Position{
		position("alice", m, 0, buy.Trade.Quantity, buy.Trade.Total),
	}}
	res, err := e.Claim(m, "alice", in, m.EndTime)
	require.NoError(t, err)

	// 10 winning shares at payout 1 each.
	assert.Equal(t, 0, res.Payout.Cmp(w(10)))
	assert.Equal(t, "winnings", res.Transfers[0].Reason)

	// Realized travels with the payout: winnings minus consumed basis.
	wantRealized := new(big.Int).Sub(w(10), buy.Trade.Total)
	assert.Equal(t, 0, res.Realized.Cmp(wantRealized))

	// Funds drawn from held liquidity, user side first.
	heldAfter := new(big.Int).Add(m.UserLiquidity, m.AdminInitialLiquidity)
	assert.Equal(t, 0, new(big.Int).Sub(heldBefore, heldAfter).Cmp(w(10)))
	assert.Equal(t, 0, m.UserLiquidity.Sign(), "user liquidity is drawn before the seed")
}

func TestClaim_LoserPaysNothing(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	buy, err := e.ExecuteBuy(m, "bob", 1, w(10), nil, t0)
	require.NoError(t, err)
	require.NoError(t, e.Resolve(m, 0, m.EndTime, false))

	in := ClaimInput{Positions: []model.Position{
		position("bob", m, 1, buy.Trade.Quantity, buy.Trade.Total),
	}}
	res, err := e.Claim(m, "bob", in, m.EndTime)
	require.NoError(t, err)

	// The claim settles as a record of the total loss, paying nothing.
	assert.Equal(t, 0, res.Payout.Sign())
	assert.Empty(t, res.Transfers)
	assert.Equal(t, -1, res.Realized.Sign())
	wantRealized := new(big.Int).Neg(buy.Trade.Total)
	assert.Equal(t, 0, res.Realized.Cmp(wantRealized))
	require.NotNil(t, res.Claim)
}

func TestClaim_ConsumesLosingPositionsToo(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	win, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)
	lose, err := e.ExecuteBuy(m, "alice", 1, w(5), nil, t0)
	require.NoError(t, err)
	require.NoError(t, e.Resolve(m, 0, m.EndTime, false))

	in := ClaimInput{Positions: []model.Position{
		position("alice", m, 0, win.Trade.Quantity, win.Trade.Total),
		position("alice", m, 1, lose.Trade.Quantity, lose.Trade.Total),
	}}
	res, err := e.Claim(m, "alice", in, m.EndTime)
	require.NoError(t, err)

	// One claim settles the whole stake: winnings pay per share, and the
	// losing basis is realized on the same claim.
	assert.Equal(t, 0, res.Payout.Cmp(w(10)))
	wantRealized := new(big.Int).Sub(w(10), new(big.Int).Add(win.Trade.Total, lose.Trade.Total))
	assert.Equal(t, 0, res.Realized.Cmp(wantRealized))
}

func TestClaim_BeforeSettlementRejected(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	_, err := e.Claim(m, "alice", ClaimInput{}, t0)
	assert.ErrorIs(t, err, ErrMarketStillOpen)
}

func TestClaim_Idempotent(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)
	require.NoError(t, e.Resolve(m, 0, m.EndTime, false))

	in := ClaimInput{AlreadyClaimed: true}
	_, err := e.Claim(m, "alice", in, m.EndTime)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

// --- Invalidated markets ---

func TestClaim_InvalidationRefundsProRata(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	aliceBuy, err := e.ExecuteBuy(m, "alice", 0, w(30), nil, t0)
	require.NoError(t, err)
	bobBuy, err := e.ExecuteBuy(m, "bob", 1, w(10), nil, t0)
	require.NoError(t, err)

	_, err = e.Invalidate(m, "void")
	require.NoError(t, err)
	pool := new(big.Int).Set(m.RefundPool)
	totalBasis := new(big.Int).Add(aliceBuy.Trade.Total, bobBuy.Trade.Total)

	claim := func(userID string, buy *TradeResult, opt int) *ClaimResult {
		in := ClaimInput{
			Positions: []model.Position{
				position(userID, m, opt, buy.Trade.Quantity, buy.Trade.Total),
			},
			TotalCostBasis: totalBasis,
		}
		res, err := e.Claim(m, userID, in, m.EndTime)
		require.NoError(t, err)
		return res
	}

	aliceRes := claim("alice", aliceBuy, 0)
	bobRes := claim("bob", bobBuy, 1)

	// Each refund is the frozen pool scaled by the trader's basis share;
	// claim order must not change the ratio.
	wantAlice := new(big.Int).Mul(pool, aliceBuy.Trade.Total)
	wantAlice.Quo(wantAlice, totalBasis)
	assert.Equal(t, 0, aliceRes.Payout.Cmp(wantAlice))

	wantBob := new(big.Int).Mul(pool, bobBuy.Trade.Total)
	wantBob.Quo(wantBob, totalBasis)
	assert.Equal(t, 0, bobRes.Payout.Cmp(wantBob))

	// Truncation only ever leaves dust behind, never overdraws.
	total := new(big.Int).Add(aliceRes.Payout, bobRes.Payout)
	assert.True(t, total.Cmp(pool) <= 0)
}

func TestClaim_InvalidationWithNoStake(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)
	_, err := e.Invalidate(m, "void")
	require.NoError(t, err)

	res, err := e.Claim(m, "carol", ClaimInput{TotalCostBasis: new(big.Int)}, m.EndTime)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Payout.Sign())
}

// --- Free-entry markets ---

func TestClaim_FreeEntryWinningsFromPrizePool(t *testing.T) {
	e := newTestEngine(t, 0)
	m, _, err := e.CreateMarket(freeEntryParams(), t0)
	require.NoError(t, err)
	require.NoError(t, e.Validate(m))

	buy, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)
	require.NoError(t, e.Resolve(m, 0, m.EndTime, false))

	liquidityBefore := new(big.Int).Set(m.UserLiquidity)

	in := ClaimInput{Positions: []model.Position{
		position("alice", m, 0, buy.Trade.Quantity, buy.Trade.Total),
	}}
	res, err := e.Claim(m, "alice", in, m.EndTime)
	require.NoError(t, err)

	// Winnings come out of the prize pool, not trading liquidity.
	assert.Equal(t, 0, res.Payout.Cmp(w(10)))
	wantRemaining := new(big.Int).Sub(w(500), w(10))
	assert.Equal(t, 0, m.FreeEntry.RemainingPrizePool.Cmp(wantRemaining))
	assert.Equal(t, 0, m.UserLiquidity.Cmp(liquidityBefore))
}

func TestClaim_FreeEntryShortfallDrawnFromLiquidity(t *testing.T) {
	e := newTestEngine(t, 0)
	p := freeEntryParams()
	p.PrizePool = w(5) // deliberately short of the winnings
	m, _, err := e.CreateMarket(p, t0)
	require.NoError(t, err)
	require.NoError(t, e.Validate(m))

	buy, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)
	require.NoError(t, e.Resolve(m, 0, m.EndTime, false))

	heldBefore := new(big.Int).Add(m.UserLiquidity, m.AdminInitialLiquidity)

	in := ClaimInput{Positions: []model.Position{
		position("alice", m, 0, buy.Trade.Quantity, buy.Trade.Total),
	}}
	res, err := e.Claim(m, "alice", in, m.EndTime)
	require.NoError(t, err)

	// The winner is paid in full: the pool covers 5 and held liquidity
	// covers the remaining 5. Solvency was checked against those funds.
	assert.Equal(t, 0, res.Payout.Cmp(w(10)))
	assert.Equal(t, 0, m.FreeEntry.RemainingPrizePool.Sign())
	heldAfter := new(big.Int).Add(m.UserLiquidity, m.AdminInitialLiquidity)
	assert.Equal(t, 0, new(big.Int).Sub(heldBefore, heldAfter).Cmp(w(5)))
}
