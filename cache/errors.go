package cache

import (
	"errors"
	"fmt"
)

// Common errors returned by the cache.
var (
	// ErrNoManager is returned by Mutate when the cache was built
	// without a lifecycle manager.
	ErrNoManager = errors.New("cache: no lifecycle manager configured")

	// ErrNoFetcher is returned when an invalidation needs to refetch a
	// key that has never been queried with a fetcher.
	ErrNoFetcher = errors.New("cache: no fetcher recorded for key")
)

// FetchError wraps a failed fetch with its cache key.
type FetchError struct {
	Key Key
	Err error
}

// Error implements error.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

// Unwrap returns the underlying fetch error.
func (e *FetchError) Unwrap() error {
	return e.Err
}
