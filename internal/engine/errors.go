package engine

import "errors"

// Sentinel errors for the trading and lifecycle core. The service layer maps
// these to HTTP status codes. All of them are synchronous rejections: a
// failed operation leaves market and ledger state untouched.
var (
	// ErrInvalidMarket is returned for unusable creation parameters.
	ErrInvalidMarket = errors.New("engine: invalid market parameters")

	// ErrOptionIndex is returned when an option index is outside the market.
	ErrOptionIndex = errors.New("engine: option index out of range")

	// ErrInvalidQuantity is returned for a zero or negative trade quantity.
	ErrInvalidQuantity = errors.New("engine: quantity must be positive")

	// ErrMarketNotValidated is returned when an operation requires a
	// validated market. In particular an unvalidated market can never be
	// resolved: trades on it were never authorized.
	ErrMarketNotValidated = errors.New("engine: market is not validated")

	// ErrMarketNotOpen is returned when a trade is attempted in a lifecycle
	// state that does not permit trading.
	ErrMarketNotOpen = errors.New("engine: market is not open for trading")

	// ErrMarketClosed is returned when a trade arrives after the market's
	// end time.
	ErrMarketClosed = errors.New("engine: market trading window has ended")

	// ErrMarketStillOpen is returned when resolution or claiming is
	// attempted before the market has ended or settled.
	ErrMarketStillOpen = errors.New("engine: market is still open")

	// ErrAlreadyValidated is returned when validating a market twice.
	ErrAlreadyValidated = errors.New("engine: market already validated")

	// ErrAlreadyResolved is returned for transitions out of Resolved.
	ErrAlreadyResolved = errors.New("engine: market already resolved")

	// ErrAlreadyInvalidated is returned for transitions out of Invalidated.
	ErrAlreadyInvalidated = errors.New("engine: market already invalidated")

	// ErrAlreadyClaimed is returned for a second claim by the same trader
	// on the same market.
	ErrAlreadyClaimed = errors.New("engine: winnings already claimed")

	// ErrInsufficientShares is returned when a sell exceeds the trader's
	// holding of that option.
	ErrInsufficientShares = errors.New("engine: insufficient shares to sell")

	// ErrInsufficientLiquidity is returned when executing a trade would
	// break the solvency invariant: collected liquidity must always cover
	// the worst-case aggregate payout.
	ErrInsufficientLiquidity = errors.New("engine: trade would break the solvency invariant")

	// ErrSlippageExceeded is returned when the executed cost breaches the
	// trader's bound.
	ErrSlippageExceeded = errors.New("engine: price moved beyond the slippage bound")
)
