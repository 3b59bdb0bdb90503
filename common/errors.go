package common

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested key is absent from a store or cache tier.
var ErrNotFound = errors.New("fieldsync: requested key not found")

// Additional package-level errors
var (
	// ErrCircuitOpen indicates the circuit breaker for an endpoint is open and
	// no usable cached fallback exists. Callers can render this differently
	// from an ordinary fetch failure ("service temporarily unavailable").
	ErrCircuitOpen = errors.New("fieldsync: circuit breaker open")
	// ErrSyncInProgress indicates a replay pass is already running; the new
	// call was skipped rather than queued behind it.
	ErrSyncInProgress = errors.New("fieldsync: sync already in progress")
	ErrQueueClosed    = errors.New("fieldsync: queue is closed")
	// ErrOffline indicates the network monitor reports no connectivity and no
	// usable cached value exists for the request.
	ErrOffline       = errors.New("fieldsync: device is offline")
	ErrStoreRequired = errors.New("fieldsync: durable store is required")
)

// StatusError carries an HTTP-status-like code alongside an underlying error
// so the retry wrapper can tell permanent client failures from transient ones.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fieldsync: status %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("fieldsync: status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return e.Err }

// NewStatusError wraps err with an HTTP-status-like code.
func NewStatusError(code int, err error) *StatusError {
	return &StatusError{Code: code, Err: err}
}

// IsPermanent reports whether err is a client-style (4xx-equivalent) failure
// that must not be retried. Errors without a status code are treated as
// transient, as are timeouts and 5xx codes.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500
	}
	return false
}
