package engine

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/lmsr-engine/internal/fixedpoint"
	"github.com/openpredict/lmsr-engine/internal/model"
)

// assertSolvent checks the invariant that held funds cover the worst-case
// payout of the largest single option.
func assertSolvent(t *testing.T, e *Engine, m *model.Market) {
	t.Helper()
	worstCase, err := fixedpoint.Mul(maxShares(m.Options), e.PayoutPerShare())
	require.NoError(t, err)
	available := new(big.Int).Add(m.UserLiquidity, m.AdminInitialLiquidity)
	assert.True(t, available.Cmp(worstCase) >= 0,
		"solvency violated: available=%s worst=%s", available, worstCase)
}

// positionFromResult folds an executed buy into a position for later sells.
func positionFromResult(res *TradeResult) *model.Position {
	return &model.Position{
		UserID:    res.Trade.UserID,
		MarketID:  res.Trade.MarketID,
		Option:    res.Trade.Option,
		Shares:    new(big.Int).Set(res.Trade.Quantity),
		CostBasis: new(big.Int).Set(res.Trade.Total),
	}
}

// --- Quotes ---

func TestQuoteBuy_FeeOnTop(t *testing.T) {
	e := newTestEngine(t, 200) // 2%
	m := newOpenMarket(t, e)

	q, err := e.QuoteBuy(m, 0, w(10))
	require.NoError(t, err)

	assert.Equal(t, 1, q.RawAmount.Sign())
	wantFee := new(big.Int).Mul(q.RawAmount, big.NewInt(200))
	wantFee.Quo(wantFee, big.NewInt(10_000))
	assert.Equal(t, 0, q.Fee.Cmp(wantFee))
	assert.Equal(t, 0, q.Total.Cmp(new(big.Int).Add(q.RawAmount, q.Fee)))

	// Average fill is total over quantity, identically to sells.
	avg, err := fixedpoint.Div(q.Total, w(10))
	require.NoError(t, err)
	assert.Equal(t, 0, q.AvgFillPrice.Cmp(avg))
	assert.Equal(t, 1, q.NewMarginalPrice.Cmp(w(0.5)))
}

func TestQuoteSell_FeeDeducted(t *testing.T) {
	e := newTestEngine(t, 200)
	m := newOpenMarket(t, e)
	_, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)

	q, err := e.QuoteSell(m, 0, w(10))
	require.NoError(t, err)
	assert.Equal(t, 0, q.Total.Cmp(new(big.Int).Sub(q.RawAmount, q.Fee)))
}

func TestQuoteSell_MoreThanOutstanding(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)
	_, err := e.QuoteSell(m, 0, w(1))
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestQuote_InputValidation(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	_, err := e.QuoteBuy(m, 5, w(1))
	assert.ErrorIs(t, err, ErrOptionIndex)
	_, err = e.QuoteBuy(m, 0, w(0))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = e.QuoteBuy(m, 0, w(-3))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

// --- ExecuteBuy ---

func TestExecuteBuy_UpdatesMarket(t *testing.T) {
	e := newTestEngine(t, 200)
	m := newOpenMarket(t, e)

	res, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)

	assert.Equal(t, 0, m.Options[0].Shares.Cmp(w(10)))
	assert.Equal(t, 0, m.Options[0].Volume.Cmp(w(10)))
	// Raw cost enters user liquidity; the fee does not.
	assert.Equal(t, 0, m.UserLiquidity.Cmp(res.Trade.RawAmount))

	// Cached prices refresh: bought option above default, sum still one.
	assert.Equal(t, 1, m.Options[0].Price.Cmp(w(0.5)))
	assert.Equal(t, -1, m.Options[1].Price.Cmp(w(0.5)))

	assert.Equal(t, model.SideBuy, res.Trade.Side)
	assert.Equal(t, 0, res.Realized.Sign())

	// Buy cost inbound, fee outbound to the sink.
	require.Len(t, res.Transfers, 2)
	assert.True(t, res.Transfers[0].Inbound)
	assert.Equal(t, feeSinkAccount, res.Transfers[1].UserID)

	assertSolvent(t, e, m)
}

func TestExecuteBuy_PricesComputedBeforeCommit(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	// Pricing the hypothetical post-trade state must leave the market
	// untouched, so a pricing failure cannot strand a half-mutated state.
	post := make([]model.Option, len(m.Options))
	copy(post, m.Options)
	post[0].Shares = new(big.Int).Add(m.Options[0].Shares, w(10))

	prices, err := e.priceVector(m, post)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Options[0].Shares.Sign())
	assert.Equal(t, 0, m.Options[0].Price.Cmp(w(0.5)))

	// The committed cache equals the precomputed vector.
	res, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)
	for i := range m.Options {
		assert.Equal(t, 0, m.Options[i].Price.Cmp(prices[i]))
	}
	assert.Equal(t, 0, res.Trade.MarginalPrice.Cmp(prices[0]))
}

func TestExecuteBuy_SlippageBound(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	q, err := e.QuoteBuy(m, 0, w(10))
	require.NoError(t, err)
	tooLow := new(big.Int).Sub(q.Total, w(0.01))

	_, err = e.ExecuteBuy(m, "alice", 0, w(10), tooLow, t0)
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	// Atomic failure: nothing moved.
	assert.Equal(t, 0, m.Options[0].Shares.Sign())
	assert.Equal(t, 0, m.UserLiquidity.Sign())
	assert.Equal(t, 0, m.Options[0].Price.Cmp(w(0.5)))
}

func TestExecuteBuy_InsolventRejected(t *testing.T) {
	e := newTestEngine(t, 0)
	p := paidParams()
	p.InitialLiquidity = new(big.Int) // no seed backing
	m, _, err := e.CreateMarket(p, t0)
	require.NoError(t, err)
	require.NoError(t, e.Validate(m))

	// A sizable one-sided buy collects less than its worst-case payout, so
	// with no seed the invariant rejects it and the market is untouched.
	_, err = e.ExecuteBuy(m, "alice", 0, w(50), nil, t0)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, 0, m.Options[0].Shares.Sign())
	assert.Equal(t, 0, m.UserLiquidity.Sign())
}

func TestExecuteBuy_LifecycleGates(t *testing.T) {
	e := newTestEngine(t, 0)

	m, _, err := e.CreateMarket(paidParams(), t0)
	require.NoError(t, err)
	_, err = e.ExecuteBuy(m, "alice", 0, w(1), nil, t0)
	assert.ErrorIs(t, err, ErrMarketNotValidated)

	m2 := newOpenMarket(t, e)
	_, err = e.ExecuteBuy(m2, "alice", 0, w(1), nil, m2.EndTime)
	assert.ErrorIs(t, err, ErrMarketClosed)

	m3 := newOpenMarket(t, e)
	require.NoError(t, e.Resolve(m3, 0, m3.EndTime, false))
	_, err = e.ExecuteBuy(m3, "alice", 0, w(1), nil, m3.EndTime.Add(time.Hour))
	assert.ErrorIs(t, err, ErrMarketNotOpen)
}

// --- ExecuteSell ---

func TestBuyThenSell_RefundNeverExceedsCost(t *testing.T) {
	for _, feeBps := range []int64{0, 200} {
		e := newTestEngine(t, feeBps)
		m := newOpenMarket(t, e)

		buy, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
		require.NoError(t, err)

		pos := positionFromResult(buy)
		sell, err := e.ExecuteSell(m, pos, 0, w(10), nil, t0)
		require.NoError(t, err, "immediate unwind must never hit the solvency gate")

		// Round trip can never profit: refund <= cost paid.
		assert.True(t, sell.Trade.Total.Cmp(buy.Trade.Total) <= 0,
			"fee=%d: refund %s exceeds cost %s", feeBps, sell.Trade.Total, buy.Trade.Total)
		assert.True(t, sell.Realized.Sign() <= 0)

		assert.Equal(t, 0, m.Options[0].Shares.Sign())
		// Volume accumulates on both sides.
		assert.Equal(t, 0, m.Options[0].Volume.Cmp(w(20)))
		assertSolvent(t, e, m)
	}
}

func TestExecuteSell_RealizedLoss(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	buy, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)
	pos := positionFromResult(buy)

	// Selling half attributes half the basis.
	sell, err := e.ExecuteSell(m, pos, 0, w(5), nil, t0)
	require.NoError(t, err)

	attributable := new(big.Int).Quo(buy.Trade.Total, big.NewInt(2))
	wantRealized := new(big.Int).Sub(sell.Trade.Total, attributable)
	assert.Equal(t, 0, sell.Realized.Cmp(wantRealized))
}

func TestExecuteSell_GainAfterOtherSideBuys(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	buy, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)
	// Bob piles onto the same option, pushing its price up.
	_, err = e.ExecuteBuy(m, "bob", 0, w(40), nil, t0)
	require.NoError(t, err)

	pos := positionFromResult(buy)
	sell, err := e.ExecuteSell(m, pos, 0, w(10), nil, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, sell.Realized.Sign(), "selling into a risen price should realize a gain")
	assertSolvent(t, e, m)
}

func TestExecuteSell_HoldingsChecked(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	buy, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)

	// No position at all.
	_, err = e.ExecuteSell(m, nil, 0, w(1), nil, t0)
	assert.ErrorIs(t, err, ErrInsufficientShares)

	// Position smaller than the sell.
	pos := positionFromResult(buy)
	_, err = e.ExecuteSell(m, pos, 0, w(11), nil, t0)
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestExecuteSell_MinRefundBound(t *testing.T) {
	e := newTestEngine(t, 0)
	m := newOpenMarket(t, e)

	buy, err := e.ExecuteBuy(m, "alice", 0, w(10), nil, t0)
	require.NoError(t, err)
	pos := positionFromResult(buy)

	demand := new(big.Int).Add(buy.Trade.Total, w(1))
	_, err = e.ExecuteSell(m, pos, 0, w(10), demand, t0)
	assert.ErrorIs(t, err, ErrSlippageExceeded)
	assert.Equal(t, 0, m.Options[0].Shares.Cmp(w(10)))
}

// --- Solvency across a trade sequence ---

func TestSolvency_HeldAcrossSequence(t *testing.T) {
	e := newTestEngine(t, 100)
	m := newOpenMarket(t, e)

	buys := []struct {
		user string
		opt  int
		qty  float64
	}{
		{"alice", 0, 10}, {"bob", 1, 25}, {"carol", 0, 40},
		{"dave", 1, 5}, {"alice", 0, 15},
	}
	positions := map[string]*model.Position{}
	for _, b := range buys {
		res, err := e.ExecuteBuy(m, b.user, b.opt, w(b.qty), nil, t0)
		require.NoError(t, err)
		assertSolvent(t, e, m)
		key := b.user + string(rune('0'+b.opt))
		if p, ok := positions[key]; ok {
			p.Shares.Add(p.Shares, res.Trade.Quantity)
			p.CostBasis.Add(p.CostBasis, res.Trade.Total)
		} else {
			positions[key] = positionFromResult(res)
		}
	}

	_, err := e.ExecuteSell(m, positions["alice0"], 0, w(25), nil, t0)
	require.NoError(t, err)
	assertSolvent(t, e, m)
}
