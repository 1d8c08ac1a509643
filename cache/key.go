// Package cache implements the query cache and invalidation engine:
// canonical query keys, tag-based invalidation, in-flight request
// deduplication, stale-while-revalidate, and subscriber-count garbage
// collection.
package cache

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Key identifies one cached query: a name plus the parameters the fetch
// depends on. Two keys with deep-equal parameters are the same cache
// identity regardless of map iteration or construction order.
type Key struct {
	Name   string
	Params map[string]any
}

// NewKey builds a key from a query name and its parameters.
func NewKey(name string, params map[string]any) Key {
	return Key{Name: name, Params: params}
}

// Canonical returns the canonical serialized form of the key. JSON
// object keys serialize in sorted order, so equal parameter maps always
// produce the same string.
func (k Key) Canonical() (string, error) {
	if k.Name == "" {
		return "", &InvalidKeyError{Key: k, Reason: "empty query name"}
	}
	if len(k.Params) == 0 {
		return k.Name, nil
	}
	data, err := json.Marshal(k.Params)
	if err != nil {
		return "", &InvalidKeyError{Key: k, Reason: err.Error()}
	}
	return k.Name + ":" + string(data), nil
}

// Hash returns a 64-bit hash of the canonical form, for callers that
// index by number instead of string.
func (k Key) Hash() (uint64, error) {
	canonical, err := k.Canonical()
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64String(canonical), nil
}

// String returns the canonical form, or a diagnostic placeholder for
// keys that cannot serialize.
func (k Key) String() string {
	canonical, err := k.Canonical()
	if err != nil {
		return fmt.Sprintf("!invalid(%s)", k.Name)
	}
	return canonical
}

// InvalidKeyError reports a key whose parameters cannot serialize
// canonically, typically a function or channel smuggled into Params.
type InvalidKeyError struct {
	Key    Key
	Reason string
}

// Error implements error.
func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid query key %q: %s", e.Key.Name, e.Reason)
}
