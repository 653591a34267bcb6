package engine

import "errors"

// Sentinel errors returned by the engine. Callers classify with errors.Is;
// the API layer maps them onto HTTP status codes.
var (
	// ErrInvalidOrder rejects malformed submissions (non-positive price or
	// amount, unsupported side) before any state change.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrUnknownPair rejects operations on a pair that is not registered or
	// not active.
	ErrUnknownPair = errors.New("unknown trading pair")

	// ErrInsufficientBalance rejects a submission whose funds reservation
	// cannot be covered by the user's available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrNotFound is returned when the target order does not exist, is not
	// owned by the requester, or is no longer open or partial.
	ErrNotFound = errors.New("order not found")

	// ErrSettlementInvariant reports a matched trade whose balance transfer
	// could not complete. The failing transaction rolls back whole; the
	// error is surfaced for manual reconciliation and never retried.
	ErrSettlementInvariant = errors.New("settlement invariant violation")

	// ErrStoreUnavailable wraps transient store I/O failures. The engine
	// retries these a bounded number of times before surfacing them.
	ErrStoreUnavailable = errors.New("store unavailable")
)
