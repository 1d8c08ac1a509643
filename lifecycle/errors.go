package lifecycle

import (
	"errors"
	"fmt"
)

// CancelledError reports an operation rejected by Cancel or a timeout.
// Optimistic rollback treats it identically to any other failure.
type CancelledError struct {
	Target    string
	RequestID string
	Cause     error
}

// Error implements error.
func (e *CancelledError) Error() string {
	return fmt.Sprintf("operation cancelled: target %s request %s", e.Target, e.RequestID)
}

// Unwrap returns the underlying context error.
func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}
