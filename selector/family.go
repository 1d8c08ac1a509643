package selector

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultFamilyCapacity bounds a parameterized selector family when no
// capacity is configured.
const DefaultFamilyCapacity = 50

// Family is a keyed cache of parameterized selectors: one memoized
// selector per distinct argument, bounded by an LRU policy so that
// querying many distinct arguments cannot grow memory without bound.
// Evicting a selector only drops its memo; a later For with the same
// key rebuilds it.
type Family[K comparable, T any] struct {
	cache *lru.Cache[K, *Selector[T]]
	build func(K) *Selector[T]
}

// NewFamily creates a family building selectors with build, holding at
// most capacity selectors (DefaultFamilyCapacity when <= 0).
func NewFamily[K comparable, T any](capacity int, build func(K) *Selector[T]) (*Family[K, T], error) {
	if capacity <= 0 {
		capacity = DefaultFamilyCapacity
	}
	cache, err := lru.New[K, *Selector[T]](capacity)
	if err != nil {
		return nil, err
	}
	return &Family[K, T]{cache: cache, build: build}, nil
}

// For returns the selector for the given argument, creating it on first
// use and marking it most recently used.
func (f *Family[K, T]) For(key K) *Selector[T] {
	if s, ok := f.cache.Get(key); ok {
		return s
	}
	s := f.build(key)
	f.cache.Add(key, s)
	return s
}

// Contains reports whether a selector for key is currently cached,
// without affecting recency.
func (f *Family[K, T]) Contains(key K) bool {
	return f.cache.Contains(key)
}

// Len returns the number of cached selectors.
func (f *Family[K, T]) Len() int {
	return f.cache.Len()
}
