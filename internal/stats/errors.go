package stats

import "errors"

var (
	// ErrParse is returned when an action payload cannot be decoded into
	// an ActionRecord. Retrying the same payload fails the same way.
	ErrParse = errors.New("parse error")

	// ErrRetryable is returned when exclusive access to the stats table
	// could not be obtained within the lock timeout. Nothing was mutated
	// and the caller should retry with backoff.
	ErrRetryable = errors.New("retryable error")
)
