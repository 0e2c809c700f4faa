package engine

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/openpredict/lmsr-engine/internal/fixedpoint"
	"github.com/openpredict/lmsr-engine/internal/model"
)

// feeSinkAccount receives platform fees; routing beyond this account is the
// custody layer's concern.
const feeSinkAccount = "platform:fees"

// Quote is the price breakdown for a prospective trade.
type Quote struct {
	RawAmount *big.Int `json:"raw_amount"` // C(q') - C(q) for buys, reverse for sells
	Fee       *big.Int `json:"fee"`
	Total     *big.Int `json:"total"` // buys: raw+fee owed; sells: raw-fee returned
	// AvgFillPrice is the canonical trade price: Total / quantity, defined
	// identically for buys and sells.
	AvgFillPrice *big.Int `json:"avg_fill_price"`
	// NewMarginalPrice is the option's instantaneous price after the trade.
	NewMarginalPrice *big.Int `json:"new_marginal_price"`
}

// TradeResult is the outcome of an executed trade.
type TradeResult struct {
	Trade     *model.TradeRecord
	Transfers []model.Transfer
	// Realized is the realized gain or loss of a sell (net refund minus the
	// cost basis attributable to the sold quantity). Zero for buys.
	Realized *big.Int
}

func (e *Engine) validateTradeInput(m *model.Market, option int, quantity *big.Int) error {
	if option < 0 || option >= len(m.Options) {
		return ErrOptionIndex
	}
	if quantity == nil || quantity.Sign() <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// shareVectorWith returns a copy of the market's share vector with the given
// option's quantity shifted by delta.
func shareVectorWith(m *model.Market, option int, delta *big.Int) []*big.Int {
	q := make([]*big.Int, len(m.Options))
	for i := range m.Options {
		if i == option {
			q[i] = new(big.Int).Add(m.Options[i].Shares, delta)
		} else {
			q[i] = m.Options[i].Shares
		}
	}
	return q
}

// fee returns amount * feeBps / 10000, truncated.
func (e *Engine) fee(amount *big.Int) *big.Int {
	f := new(big.Int).Mul(amount, big.NewInt(e.feeBps))
	return f.Quo(f, big.NewInt(feeDenominator))
}

// QuoteBuy prices a buy of quantity shares of one option:
// rawCost = C(q + Δ) - C(q), plus the platform fee on top.
func (e *Engine) QuoteBuy(m *model.Market, option int, quantity *big.Int) (*Quote, error) {
	if err := e.validateTradeInput(m, option, quantity); err != nil {
		return nil, err
	}
	ce, err := e.costEngine(m)
	if err != nil {
		return nil, err
	}

	before, err := ce.Cost(m.ShareVector())
	if err != nil {
		return nil, err
	}
	after := shareVectorWith(m, option, quantity)
	costAfter, err := ce.Cost(after)
	if err != nil {
		return nil, err
	}

	raw := new(big.Int).Sub(costAfter, before)
	if raw.Sign() < 0 {
		// The cost function is increasing; truncation can only leave a
		// sub-ulp negative residue.
		raw.SetInt64(0)
	}
	fee := e.fee(raw)
	total := new(big.Int).Add(raw, fee)

	avg, err := fixedpoint.Div(total, quantity)
	if err != nil {
		return nil, err
	}
	marginal, err := ce.Price(after, option)
	if err != nil {
		return nil, err
	}

	return &Quote{
		RawAmount:        raw,
		Fee:              fee,
		Total:            total,
		AvgFillPrice:     avg,
		NewMarginalPrice: marginal,
	}, nil
}

// QuoteSell prices a sell of quantity shares of one option:
// rawRefund = C(q) - C(q - Δ), with the platform fee deducted from the
// refund rather than added.
func (e *Engine) QuoteSell(m *model.Market, option int, quantity *big.Int) (*Quote, error) {
	if err := e.validateTradeInput(m, option, quantity); err != nil {
		return nil, err
	}
	if m.Options[option].Shares.Cmp(quantity) < 0 {
		return nil, ErrInsufficientShares
	}
	ce, err := e.costEngine(m)
	if err != nil {
		return nil, err
	}

	before, err := ce.Cost(m.ShareVector())
	if err != nil {
		return nil, err
	}
	after := shareVectorWith(m, option, new(big.Int).Neg(quantity))
	costAfter, err := ce.Cost(after)
	if err != nil {
		return nil, err
	}

	raw := new(big.Int).Sub(before, costAfter)
	if raw.Sign() < 0 {
		raw.SetInt64(0)
	}
	fee := e.fee(raw)
	net := new(big.Int).Sub(raw, fee)

	avg, err := fixedpoint.Div(net, quantity)
	if err != nil {
		return nil, err
	}
	marginal, err := ce.Price(after, option)
	if err != nil {
		return nil, err
	}

	return &Quote{
		RawAmount:        raw,
		Fee:              fee,
		Total:            net,
		AvgFillPrice:     avg,
		NewMarginalPrice: marginal,
	}, nil
}

// checkTradable gates trade execution on lifecycle state and end time.
func checkTradable(m *model.Market, now time.Time) error {
	if !m.Validated {
		return ErrMarketNotValidated
	}
	if m.State != model.StateValidated {
		return ErrMarketNotOpen
	}
	if !now.Before(m.EndTime) {
		return ErrMarketClosed
	}
	return nil
}

// ExecuteBuy executes a buy against the market: it prices the trade,
// enforces the trader's slippage bound and the post-trade solvency
// invariant, and only then mutates share, volume, price, and liquidity
// state. rawCost enters userLiquidity; the fee is routed to the fee sink.
// maxCost may be nil for no slippage bound.
func (e *Engine) ExecuteBuy(m *model.Market, userID string, option int, quantity, maxCost *big.Int, now time.Time) (*TradeResult, error) {
	if err := checkTradable(m, now); err != nil {
		return nil, err
	}
	quote, err := e.QuoteBuy(m, option, quantity)
	if err != nil {
		return nil, err
	}
	if maxCost != nil && quote.Total.Cmp(maxCost) > 0 {
		return nil, ErrSlippageExceeded
	}

	// Solvency must hold for the post-trade state before anything mutates.
	newUserLiquidity := new(big.Int).Add(m.UserLiquidity, quote.RawAmount)
	postOptions := make([]model.Option, len(m.Options))
	copy(postOptions, m.Options)
	postOptions[option].Shares = new(big.Int).Add(m.Options[option].Shares, quantity)
	if err := e.checkSolvency(newUserLiquidity, m.AdminInitialLiquidity, postOptions); err != nil {
		return nil, err
	}
	prices, err := e.priceVector(m, postOptions)
	if err != nil {
		return nil, err
	}

	m.Options[option].Shares = postOptions[option].Shares
	m.Options[option].Volume = new(big.Int).Add(m.Options[option].Volume, quantity)
	m.UserLiquidity = newUserLiquidity
	for i := range m.Options {
		m.Options[i].Price = prices[i]
	}

	trade := &model.TradeRecord{
		ID:            uuid.New().String(),
		MarketID:      m.ID,
		UserID:        userID,
		Option:        option,
		Side:          model.SideBuy,
		Quantity:      new(big.Int).Set(quantity),
		Price:         quote.AvgFillPrice,
		MarginalPrice: quote.NewMarginalPrice,
		RawAmount:     quote.RawAmount,
		Fee:           quote.Fee,
		Total:         quote.Total,
		Timestamp:     now,
	}

	transfers := []model.Transfer{{
		UserID:   userID,
		MarketID: m.ID,
		Amount:   new(big.Int).Set(quote.Total),
		Inbound:  true,
		Reason:   "buy cost",
	}}
	if quote.Fee.Sign() > 0 {
		transfers = append(transfers, model.Transfer{
			UserID:   feeSinkAccount,
			MarketID: m.ID,
			Amount:   new(big.Int).Set(quote.Fee),
			Inbound:  false,
			Reason:   "platform fee",
		})
	}

	return &TradeResult{Trade: trade, Transfers: transfers, Realized: new(big.Int)}, nil
}

// ExecuteSell executes a sell of quantity shares held by the position.
// userLiquidity decreases by the raw refund, floored at zero: if rounding
// ever makes the refund nominally exceed tracked liquidity, the floor
// absorbs the excess and the discrepancy is logged as a reconciling
// adjustment so it cannot silently desynchronize solvency accounting from
// custodied funds. The realized gain or loss is the net refund minus the
// cost basis attributable to the sold quantity. minRefund may be nil.
func (e *Engine) ExecuteSell(m *model.Market, pos *model.Position, option int, quantity, minRefund *big.Int, now time.Time) (*TradeResult, error) {
	if err := checkTradable(m, now); err != nil {
		return nil, err
	}
	if err := e.validateTradeInput(m, option, quantity); err != nil {
		return nil, err
	}
	if pos == nil || pos.Shares.Cmp(quantity) < 0 {
		return nil, ErrInsufficientShares
	}

	quote, err := e.QuoteSell(m, option, quantity)
	if err != nil {
		return nil, err
	}
	if minRefund != nil && quote.Total.Cmp(minRefund) < 0 {
		return nil, ErrSlippageExceeded
	}

	newUserLiquidity := new(big.Int).Sub(m.UserLiquidity, quote.RawAmount)
	var discrepancy *big.Int
	if newUserLiquidity.Sign() < 0 {
		discrepancy = new(big.Int).Neg(newUserLiquidity)
		newUserLiquidity.SetInt64(0)
	}

	postOptions := make([]model.Option, len(m.Options))
	copy(postOptions, m.Options)
	postOptions[option].Shares = new(big.Int).Sub(m.Options[option].Shares, quantity)
	if err := e.checkSolvency(newUserLiquidity, m.AdminInitialLiquidity, postOptions); err != nil {
		return nil, err
	}
	prices, err := e.priceVector(m, postOptions)
	if err != nil {
		return nil, err
	}

	// Cost basis attributable to the sold quantity, proportional to the
	// holding before the reduction.
	attributable := new(big.Int).Mul(pos.CostBasis, quantity)
	attributable.Quo(attributable, pos.Shares)
	realized := new(big.Int).Sub(quote.Total, attributable)

	m.Options[option].Shares = postOptions[option].Shares
	m.Options[option].Volume = new(big.Int).Add(m.Options[option].Volume, quantity)
	m.UserLiquidity = newUserLiquidity
	for i := range m.Options {
		m.Options[i].Price = prices[i]
	}

	if discrepancy != nil {
		slog.Warn("sell refund exceeded tracked user liquidity; floored at zero",
			"market", m.ID,
			"trader", pos.UserID,
			"raw_refund", quote.RawAmount.String(),
			"adjustment", discrepancy.String(),
		)
	}

	trade := &model.TradeRecord{
		ID:            uuid.New().String(),
		MarketID:      m.ID,
		UserID:        pos.UserID,
		Option:        option,
		Side:          model.SideSell,
		Quantity:      new(big.Int).Set(quantity),
		Price:         quote.AvgFillPrice,
		MarginalPrice: quote.NewMarginalPrice,
		RawAmount:     quote.RawAmount,
		Fee:           quote.Fee,
		Total:         quote.Total,
		Timestamp:     now,
	}

	transfers := []model.Transfer{{
		UserID:   pos.UserID,
		MarketID: m.ID,
		Amount:   new(big.Int).Set(quote.Total),
		Inbound:  false,
		Reason:   "sell refund",
	}}
	if quote.Fee.Sign() > 0 {
		transfers = append(transfers, model.Transfer{
			UserID:   feeSinkAccount,
			MarketID: m.ID,
			Amount:   new(big.Int).Set(quote.Fee),
			Inbound:  false,
			Reason:   "platform fee",
		})
	}

	return &TradeResult{Trade: trade, Transfers: transfers, Realized: realized}, nil
}
