package domain

import "errors"

var (
	// ErrNoLiquidity means the book had no usable levels on the needed side.
	ErrNoLiquidity = errors.New("no liquidity")
	// ErrInsufficientFill means the walk matched zero shares.
	ErrInsufficientFill = errors.New("insufficient fill")
	// ErrExcessiveSlippage means the computed slippage exceeded the ceiling.
	ErrExcessiveSlippage = errors.New("excessive slippage")
	// ErrReserveViolation means the capital guard denied the trade before
	// simulation ran.
	ErrReserveViolation = errors.New("reserve violation")

	// ErrInsufficientFunds means a cash debit would overdraw the pool.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrMarketClosed means a mutating ledger operation hit a resolved or
	// closed market.
	ErrMarketClosed = errors.New("market closed")

	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrInvalidSide  = errors.New("invalid side")
	ErrWSDisconnect = errors.New("websocket disconnected")
	ErrContextDone  = errors.New("context cancelled")
)
