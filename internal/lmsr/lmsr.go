// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for multi-option prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All quantities are 18-decimal fixed-point wads (internal/fixedpoint) —
// never float64 for money. The cost function is evaluated with the
// log-sum-exp trick: the maximum of q_i/b is subtracted before
// exponentiating, so every exponent argument is non-positive, the sum of
// exponentials is at least one wad, and Ln is always called inside its
// domain.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math/big"

	"github.com/openpredict/lmsr-engine/internal/fixedpoint"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrInvalidPayout is returned when the payout-per-share unit is not positive.
	ErrInvalidPayout = errors.New("lmsr: payout per share must be positive")

	// ErrNoOptions is returned for an empty share vector.
	ErrNoOptions = errors.New("lmsr: share vector must not be empty")

	// ErrPriceInvariant is returned when marginal prices fail to sum to one
	// payout unit within tolerance. It indicates a defect in the math layer,
	// not a bad request, and callers treat it as fatal.
	ErrPriceInvariant = errors.New("lmsr: marginal prices do not sum to one payout unit")
)

// priceEpsilonDivisor sets the price-sum tolerance at 1e-9 of the payout unit.
const priceEpsilonDivisor = 1_000_000_000

// CostEngine evaluates the LMSR cost function and marginal prices for one
// market. It is stateless — share quantities are passed as arguments, not
// stored.
type CostEngine struct {
	b      *big.Int // liquidity parameter, wad
	payout *big.Int // payout per winning share, wad
}

// NewCostEngine creates a cost engine with liquidity parameter b and the
// fixed payout per winning share. Higher b → more liquidity, lower price
// impact per trade. Maximum market-maker loss is bounded by b * ln(n).
func NewCostEngine(b, payoutPerShare *big.Int) (*CostEngine, error) {
	if b == nil || b.Sign() <= 0 {
		return nil, ErrInvalidLiquidity
	}
	if payoutPerShare == nil || payoutPerShare.Sign() <= 0 {
		return nil, ErrInvalidPayout
	}
	return &CostEngine{
		b:      new(big.Int).Set(b),
		payout: new(big.Int).Set(payoutPerShare),
	}, nil
}

// B returns the liquidity parameter.
func (e *CostEngine) B() *big.Int {
	return new(big.Int).Set(e.b)
}

// PayoutPerShare returns the payout unit for one winning share.
func (e *CostEngine) PayoutPerShare() *big.Int {
	return new(big.Int).Set(e.payout)
}

// DefaultPrice is the marginal price of every option while no shares are
// outstanding: 1/n of the payout unit. This is an explicit initialization
// rule shared by the trade path and every read path — it is never
// hardcoded anywhere else.
func (e *CostEngine) DefaultPrice(numOptions int) *big.Int {
	p := new(big.Int).Set(e.payout)
	return p.Quo(p, big.NewInt(int64(numOptions)))
}

// scaledExponents computes x_i = q_i/b, their maximum, and the shifted
// exponentials e_i = exp(x_i - max) along with their sum. Every ExpNeg
// argument is >= 0, and the sum is >= one wad because the maximal term
// contributes exactly exp(0).
func (e *CostEngine) scaledExponents(q []*big.Int) (maxX *big.Int, exps []*big.Int, sum *big.Int, err error) {
	xs := make([]*big.Int, len(q))
	for i, qi := range q {
		xs[i], err = fixedpoint.Div(qi, e.b)
		if err != nil {
			return nil, nil, nil, err
		}
		if maxX == nil || xs[i].Cmp(maxX) > 0 {
			maxX = xs[i]
		}
	}

	exps = make([]*big.Int, len(q))
	sum = new(big.Int)
	for i, x := range xs {
		arg := new(big.Int).Sub(maxX, x)
		exps[i], err = fixedpoint.ExpNeg(arg)
		if err != nil {
			return nil, nil, nil, err
		}
		sum.Add(sum, exps[i])
	}
	return maxX, exps, sum, nil
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// evaluated as b * (max + ln(Σ exp(q_i/b - max))) for numerical stability.
func (e *CostEngine) Cost(q []*big.Int) (*big.Int, error) {
	if len(q) == 0 {
		return nil, ErrNoOptions
	}

	maxX, _, sum, err := e.scaledExponents(q)
	if err != nil {
		return nil, err
	}

	lnSum, err := fixedpoint.Ln(sum)
	if err != nil {
		return nil, err
	}

	return fixedpoint.Mul(e.b, lnSum.Add(lnSum, maxX))
}

// Prices computes the marginal price of every option in payout units:
//
//	p_i(q) = payout * exp(q_i/b) / Σ_j exp(q_j/b)
//
// When no shares are outstanding every price is DefaultPrice. The result is
// checked against the sum-to-one-payout-unit invariant before it is
// returned; a violation means the math layer is wrong and surfaces as
// ErrPriceInvariant.
func (e *CostEngine) Prices(q []*big.Int) ([]*big.Int, error) {
	if len(q) == 0 {
		return nil, ErrNoOptions
	}

	allZero := true
	for _, qi := range q {
		if qi.Sign() != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		prices := make([]*big.Int, len(q))
		for i := range prices {
			prices[i] = e.DefaultPrice(len(q))
		}
		return prices, nil
	}

	_, exps, sum, err := e.scaledExponents(q)
	if err != nil {
		return nil, err
	}

	prices := make([]*big.Int, len(q))
	for i, ei := range exps {
		frac, err := fixedpoint.Div(ei, sum)
		if err != nil {
			return nil, err
		}
		prices[i], err = fixedpoint.Mul(frac, e.payout)
		if err != nil {
			return nil, err
		}
	}

	if err := e.validatePrices(prices); err != nil {
		return nil, err
	}
	return prices, nil
}

// Price returns the marginal price of a single option in payout units.
func (e *CostEngine) Price(q []*big.Int, i int) (*big.Int, error) {
	prices, err := e.Prices(q)
	if err != nil {
		return nil, err
	}
	return prices[i], nil
}

// validatePrices checks |Σ p_i - payout| <= payout/1e9.
func (e *CostEngine) validatePrices(prices []*big.Int) error {
	sum := new(big.Int)
	for _, p := range prices {
		sum.Add(sum, p)
	}
	eps := new(big.Int).Quo(e.payout, big.NewInt(priceEpsilonDivisor))
	diff := new(big.Int).Sub(sum, e.payout)
	if diff.CmpAbs(eps) > 0 {
		return ErrPriceInvariant
	}
	return nil
}

// MaxLoss returns the maximum possible market-maker loss for an n-option
// market: b * ln(n).
func (e *CostEngine) MaxLoss(numOptions int) (*big.Int, error) {
	lnN, err := fixedpoint.Ln(fixedpoint.FromInt64(int64(numOptions)))
	if err != nil {
		return nil, err
	}
	return fixedpoint.Mul(e.b, lnN)
}
