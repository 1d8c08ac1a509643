// Package selector computes derived values from state trees with
// memoization and equality-based skip. A selector caches its last inputs
// and last output; while the inputs stay equal under the configured
// equality function, Select returns the identical output reference, the
// basis on which consumers avoid unnecessary work.
package selector

import (
	"sync"

	"github.com/statelayer/statelayer/metrics"
	"github.com/statelayer/statelayer/store"
)

// AnySelector is the untyped face of a selector, used to feed one
// selector's output into another.
type AnySelector interface {
	Select(tree store.StateTree) any
}

// Selector derives a value of type T from a state tree.
type Selector[T any] struct {
	mu      sync.Mutex
	inputs  []AnySelector
	compute func(store.StateTree) T
	combine func(inputs []any) T
	eq      Equality

	hasRun     bool
	lastTree   any
	lastInputs []any
	lastOut    T
	recomputes int64

	metrics *metrics.Collector
}

// Option configures a selector.
type Option func(*options)

type options struct {
	eq      Equality
	metrics *metrics.Collector
}

// WithEquality overrides the equality function used for input
// comparison. The default is Ref.
func WithEquality(eq Equality) Option {
	return func(o *options) { o.eq = eq }
}

// WithMetrics records compute/memoize outcomes to the collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

func buildOptions(opts []Option) options {
	o := options{eq: Ref}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a selector computing directly from the state tree. The
// compute function runs again only when the tree itself changed under
// the configured equality.
func New[T any](compute func(store.StateTree) T, opts ...Option) *Selector[T] {
	o := buildOptions(opts)
	return &Selector[T]{
		compute: compute,
		eq:      o.eq,
		metrics: o.metrics,
	}
}

// Derive creates a selector combining the outputs of input selectors.
// The combine function runs again only when at least one input's result
// differs from the cached input under the configured equality.
func Derive[T any](inputs []AnySelector, combine func(inputs []any) T, opts ...Option) *Selector[T] {
	o := buildOptions(opts)
	return &Selector[T]{
		inputs:  inputs,
		combine: combine,
		eq:      o.eq,
		metrics: o.metrics,
	}
}

// Select evaluates the selector against a state tree.
func (s *Selector[T]) Select(tree store.StateTree) T {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inputs == nil {
		if s.hasRun && s.eq(s.lastTree, tree) {
			s.metrics.RecordSelector(false)
			return s.lastOut
		}
		s.lastOut = s.compute(tree)
		s.lastTree = tree
		s.hasRun = true
		s.recomputes++
		s.metrics.RecordSelector(true)
		return s.lastOut
	}

	ins := make([]any, len(s.inputs))
	for i, in := range s.inputs {
		ins[i] = in.Select(tree)
	}
	if s.hasRun && s.sameInputs(ins) {
		s.metrics.RecordSelector(false)
		return s.lastOut
	}
	s.lastOut = s.combine(ins)
	s.lastInputs = ins
	s.hasRun = true
	s.recomputes++
	s.metrics.RecordSelector(true)
	return s.lastOut
}

func (s *Selector[T]) sameInputs(ins []any) bool {
	if len(ins) != len(s.lastInputs) {
		return false
	}
	for i := range ins {
		if !s.eq(s.lastInputs[i], ins[i]) {
			return false
		}
	}
	return true
}

// Recomputes returns how many times the compute function has run.
func (s *Selector[T]) Recomputes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputes
}

// Input adapts a typed selector for use as another selector's input.
func Input[T any](s *Selector[T]) AnySelector {
	return anyAdapter[T]{s}
}

type anyAdapter[T any] struct {
	sel *Selector[T]
}

func (a anyAdapter[T]) Select(tree store.StateTree) any {
	return a.sel.Select(tree)
}

// State is the identity selector: it returns the tree itself.
func State() AnySelector {
	return identity{}
}

type identity struct{}

func (identity) Select(tree store.StateTree) any { return tree }

// Slice selects one top-level domain slice by key.
func Slice(key string) AnySelector {
	return sliceSelector(key)
}

type sliceSelector string

func (k sliceSelector) Select(tree store.StateTree) any {
	if tree == nil {
		return nil
	}
	return tree[string(k)]
}
