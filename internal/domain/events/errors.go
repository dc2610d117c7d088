package events

import (
	"errors"
	"fmt"
)

// ConcurrencyConflictError indicates an append lost a version race: another
// writer committed events for the same stream between the version read and the
// insert. The caller must retry its whole business operation against fresh
// aggregate state; the store never merges.
type ConcurrencyConflictError struct {
	TenantID string
	StreamID string
	Version  int64
	Err      error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict appending version %d to stream %s (tenant %s): %v",
		e.Version, e.StreamID, e.TenantID, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

// IsConcurrencyConflict reports whether err is (or wraps) a version or
// idempotency-key collision on append.
func IsConcurrencyConflict(err error) bool {
	var conflict *ConcurrencyConflictError
	return errors.As(err, &conflict)
}
