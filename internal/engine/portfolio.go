package engine

import (
	"math/big"
	"sort"

	"github.com/openpredict/lmsr-engine/internal/fixedpoint"
	"github.com/openpredict/lmsr-engine/internal/model"
)

// The portfolio ledger is a pure projection: positions, cost bases,
// realized P&L, and portfolio aggregates are replayed from the immutable
// trade and claim ledgers on demand. Nothing here is an independently
// mutated counter, so there is no second copy of the truth to drift out of
// sync with the ledger.

type positionKey struct {
	marketID string
	option   int
}

// ProjectPositions replays one trader's chronologically ordered trades and
// claims into per-(market, option) positions. markets supplies lifecycle
// state, winning options, and cached prices for mark-to-market.
//
// Replay rules, matching execution exactly:
//   - buy: shares += qty, basis += total paid
//   - sell: the basis attributable to the sold quantity leaves the
//     position, and only net refund minus that basis is realized
//   - claim on a resolved or invalidated market: consumes every position
//     the trader holds in it, realizing payout minus their combined basis
//
// Positions are zeroed on full exit, never deleted.
func ProjectPositions(
	userID string,
	trades []model.TradeRecord,
	claims []model.ClaimRecord,
	markets map[string]*model.Market,
	payoutPerShare *big.Int,
) []model.Position {
	agg := make(map[positionKey]*model.Position)

	get := func(marketID string, option int) *model.Position {
		k := positionKey{marketID, option}
		p, ok := agg[k]
		if !ok {
			p = &model.Position{
				UserID:      userID,
				MarketID:    marketID,
				Option:      option,
				Shares:      new(big.Int),
				CostBasis:   new(big.Int),
				RealizedPnL: new(big.Int),
			}
			agg[k] = p
		}
		return p
	}

	for _, t := range trades {
		p := get(t.MarketID, t.Option)
		if t.Side == model.SideBuy {
			p.Shares = new(big.Int).Add(p.Shares, t.Quantity)
			p.CostBasis = new(big.Int).Add(p.CostBasis, t.Total)
			continue
		}
		if p.Shares.Sign() == 0 {
			continue // ledger corruption; replay defensively
		}
		attributable := new(big.Int).Mul(p.CostBasis, t.Quantity)
		attributable.Quo(attributable, p.Shares)
		p.CostBasis = new(big.Int).Sub(p.CostBasis, attributable)
		p.Shares = new(big.Int).Sub(p.Shares, t.Quantity)
		delta := new(big.Int).Sub(t.Total, attributable)
		p.RealizedPnL = new(big.Int).Add(p.RealizedPnL, delta)
	}

	for _, c := range claims {
		m := markets[c.MarketID]
		if m == nil {
			continue
		}
		switch m.State {
		case model.StateResolved, model.StateInvalidated:
			// The claim consumes the trader's whole stake in the market,
			// winning and losing options alike; the realized delta books
			// once, on the lowest option index held.
			consumed := new(big.Int)
			var first *model.Position
			for k, p := range agg {
				if k.marketID != c.MarketID {
					continue
				}
				consumed.Add(consumed, p.CostBasis)
				p.Shares = new(big.Int)
				p.CostBasis = new(big.Int)
				if first == nil || k.option < first.Option {
					first = p
				}
			}
			if first != nil {
				delta := new(big.Int).Sub(c.Payout, consumed)
				first.RealizedPnL = new(big.Int).Add(first.RealizedPnL, delta)
			}
		}
	}

	positions := make([]model.Position, 0, len(agg))
	for _, p := range agg {
		p.CurrentValue = markValue(markets[p.MarketID], p, payoutPerShare)
		p.UnrealizedPnL = new(big.Int).Sub(p.CurrentValue, p.CostBasis)
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].MarketID != positions[j].MarketID {
			return positions[i].MarketID < positions[j].MarketID
		}
		return positions[i].Option < positions[j].Option
	})
	return positions
}

// markValue is the mark-to-market value of a position: shares at the cached
// marginal price while trading, payout value for the winner once resolved,
// zero for losers and invalidated markets.
func markValue(m *model.Market, p *model.Position, payoutPerShare *big.Int) *big.Int {
	if m == nil || p.Shares.Sign() == 0 {
		return new(big.Int)
	}
	switch m.State {
	case model.StateCreated, model.StateValidated:
		v, err := fixedpoint.Mul(p.Shares, m.Options[p.Option].Price)
		if err != nil {
			return new(big.Int)
		}
		return v
	case model.StateResolved:
		if p.Option == m.WinningOption {
			v, err := fixedpoint.Mul(p.Shares, payoutPerShare)
			if err != nil {
				return new(big.Int)
			}
			return v
		}
	}
	return new(big.Int)
}

// ProjectPortfolio sums a trader's positions and claim history into the
// portfolio aggregate. Total invested is the sum of buy totals; winnings
// are the payouts of claims on resolved markets; realized and unrealized
// P&L are pure sums over the projected positions.
func ProjectPortfolio(
	userID string,
	positions []model.Position,
	trades []model.TradeRecord,
	claims []model.ClaimRecord,
	markets map[string]*model.Market,
) *model.Portfolio {
	pf := &model.Portfolio{
		UserID:        userID,
		Positions:     positions,
		TotalInvested: new(big.Int),
		RealizedPnL:   new(big.Int),
		UnrealizedPnL: new(big.Int),
		TotalWinnings: new(big.Int),
	}

	for _, t := range trades {
		if t.Side == model.SideBuy {
			pf.TotalInvested = new(big.Int).Add(pf.TotalInvested, t.Total)
		}
	}
	for _, p := range positions {
		pf.RealizedPnL = new(big.Int).Add(pf.RealizedPnL, p.RealizedPnL)
		pf.UnrealizedPnL = new(big.Int).Add(pf.UnrealizedPnL, p.UnrealizedPnL)
	}
	for _, c := range claims {
		if m := markets[c.MarketID]; m != nil && m.State == model.StateResolved {
			pf.TotalWinnings = new(big.Int).Add(pf.TotalWinnings, c.Payout)
		}
	}
	return pf
}
