package engine

import "errors"

// Error taxonomy for the vault engine. Every operation validates before it
// mutates, so any of these means the pre-request state is unchanged. None
// are retried internally; retry policy belongs to the caller.
var (
	// ErrUnauthorized is returned when an admin-gated operation is called
	// without the configured admin identity.
	ErrUnauthorized = errors.New("engine: unauthorized")

	// ErrInvalidAmount is returned for non-positive amounts or quantities.
	ErrInvalidAmount = errors.New("engine: invalid amount")

	// ErrInvalidState is returned when a market's accounting state cannot
	// support the operation (e.g. zero TVL on withdrawal).
	ErrInvalidState = errors.New("engine: invalid market state")

	// ErrInsufficientShares is returned when burning more LP shares than
	// the market has minted.
	ErrInsufficientShares = errors.New("engine: insufficient shares")

	// ErrCannotWithdraw is returned when the capped payout is below one
	// base unit.
	ErrCannotWithdraw = errors.New("engine: nothing withdrawable")

	// ErrSlippageExceeded is returned when the computed result falls below
	// the caller's stated minimum.
	ErrSlippageExceeded = errors.New("engine: slippage tolerance exceeded")

	// ErrInsufficientCollateral is returned when a buy's reservation would
	// push the committed reserve above the pool's supply.
	ErrInsufficientCollateral = errors.New("engine: insufficient pool collateral")

	// ErrOptionSlotsFull is returned when the user's option table has no
	// empty slot. Full tables reject rather than evict.
	ErrOptionSlotsFull = errors.New("engine: option slots full")

	// ErrNotFound is returned when a market, account, or option slot does
	// not exist.
	ErrNotFound = errors.New("engine: not found")

	// ErrAlreadyCleared is returned when exercising a slot that is empty.
	ErrAlreadyCleared = errors.New("engine: option already cleared")

	// ErrStaleOracle is returned when the oracle price is older than the
	// configured staleness bound.
	ErrStaleOracle = errors.New("engine: oracle price is stale")

	// ErrExerciseOverdue is returned when exercising after the expiry
	// grace window. The expiry sweep releases such slots.
	ErrExerciseOverdue = errors.New("engine: exercise window has passed")

	// ErrMarketNotQuiescent is returned when closing a market that still
	// has open option exposure.
	ErrMarketNotQuiescent = errors.New("engine: market has open exposure")
)
