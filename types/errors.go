package types

import "errors"

var (
	// ErrTransientUnavailable is returned once retries on a network or
	// rate-limit failure are exhausted.
	ErrTransientUnavailable = errors.New("transient unavailable")
	// ErrRequestRejected is a non-retryable 4xx (other than 429).
	ErrRequestRejected = errors.New("request rejected")
	// ErrAmbiguousOutcome means a transaction was submitted but its
	// confirmation timed out; funds may or may not have moved.
	ErrAmbiguousOutcome = errors.New("ambiguous outcome")
	ErrStorageFailure   = errors.New("storage failure")

	ErrStoreCorrupt    = errors.New("position store corrupt")
	ErrPositionCorrupt = errors.New("position record corrupt")
	ErrPositionExists  = errors.New("position already exists")
	ErrEntryPriceFixed = errors.New("entry price cannot change")
	ErrNoRoute         = errors.New("no route")
	ErrLowLiquidity    = errors.New("low liquidity")
	ErrTxFailed        = errors.New("transaction failed on chain")
)
