package store

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrReentrantDispatch is returned when a dispatch is issued from
	// inside a reducer or a synchronously notified listener. The caller
	// must defer the dispatch until the current one unwinds.
	ErrReentrantDispatch = errors.New("re-entrant dispatch")

	// ErrAlreadyDispatched is returned when middleware is registered
	// after the first dispatch.
	ErrAlreadyDispatched = errors.New("middleware registered after first dispatch")

	// ErrRateLimited is returned by RateLimitMiddleware when the dispatch
	// rate is exceeded.
	ErrRateLimited = errors.New("dispatch rate limit exceeded")
)

// ReducerError reports a reducer that returned an error or panicked.
// The dispatch is aborted and the state stays at its prior value.
type ReducerError struct {
	Action ActionType
	Err    error
}

// Error implements error.
func (e *ReducerError) Error() string {
	return fmt.Sprintf("reducer failed for action %q: %v", e.Action, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReducerError) Unwrap() error {
	return e.Err
}
