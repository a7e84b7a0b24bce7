package models

import "errors"

var (
	// ErrQueueUnavailable marks infrastructure failures of the queue store.
	// A pass that sees it stops and leaves unclaimed messages for the next pass.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrInvariantViolation signals a bug: an illegal transition or a
	// conflicting artifact. It is logged and never applied to the ledger.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrJobNotFound        = errors.New("job not found")
	// ErrStaleClaim is returned when a compare-and-set on a job lost the race.
	ErrStaleClaim     = errors.New("stale claim")
	ErrInvalidPayload = errors.New("invalid payload")
)
