// Package testutil provides shared test doubles: an in-memory
// persistence adapter and controllable executors and fetchers for
// exercising async paths deterministically.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tiendc/go-deepcopy"

	"github.com/statelayer/statelayer/store"
)

// MemoryAdapter is an in-memory persistence adapter. It deep-copies
// saved trees so later mutations by the caller cannot leak into the
// stored snapshot.
type MemoryAdapter struct {
	mu       sync.Mutex
	snapshot store.StateTree
	saves    int
	loadErr  error
	saveErr  error
}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{}
}

// Load implements persist.Adapter.
func (m *MemoryAdapter) Load(_ context.Context) (store.StateTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.snapshot, nil
}

// Save implements persist.Adapter.
func (m *MemoryAdapter) Save(_ context.Context, tree store.StateTree) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	var copied store.StateTree
	if err := deepcopy.Copy(&copied, tree); err != nil {
		return err
	}
	m.snapshot = copied
	return nil
}

// Seed installs a snapshot to hydrate from.
func (m *MemoryAdapter) Seed(tree store.StateTree) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = tree
}

// Snapshot returns the currently stored tree.
func (m *MemoryAdapter) Snapshot() store.StateTree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Saves returns the number of Save calls, including failed ones.
func (m *MemoryAdapter) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailLoads makes Load return err.
func (m *MemoryAdapter) FailLoads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// FailSaves makes Save return err while still counting the attempt.
func (m *MemoryAdapter) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Gate blocks executors and fetchers until released, so tests control
// exactly when async work resolves.
type Gate struct {
	once    sync.Once
	release chan struct{}
	waiting atomic.Int32
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{release: make(chan struct{})}
}

// Open releases everyone blocked on the gate. Safe to call repeatedly.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.release) })
}

// Waiting returns how many calls are currently blocked.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}

// Wait blocks until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountingFetcher wraps a result and counts how many times it was
// fetched.
type CountingFetcher struct {
	calls  atomic.Int32
	result any
	err    error
	gate   *Gate
}

// NewCountingFetcher creates a fetcher resolving to result.
func NewCountingFetcher(result any) *CountingFetcher {
	return &CountingFetcher{result: result}
}

// Fail makes the fetcher return err instead of its result.
func (f *CountingFetcher) Fail(err error) *CountingFetcher {
	f.err = err
	return f
}

// Gated makes every fetch block on g before resolving.
func (f *CountingFetcher) Gated(g *Gate) *CountingFetcher {
	f.gate = g
	return f
}

// Fetch is the cache.Fetcher implementation.
func (f *CountingFetcher) Fetch(ctx context.Context) (any, error) {
	f.calls.Add(1)
	if f.gate != nil {
		if err := f.gate.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// Calls returns the number of Fetch invocations so far.
func (f *CountingFetcher) Calls() int {
	return int(f.calls.Load())
}
