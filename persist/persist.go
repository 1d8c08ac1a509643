// Package persist saves state tree snapshots through pluggable storage
// adapters and hydrates stores from them on startup. Saves are
// debounced and failures never propagate to dispatch; hydration
// installs the snapshot directly, with no pending phase.
package persist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/statelayer/statelayer/events"
	"github.com/statelayer/statelayer/internal/logging"
	"github.com/statelayer/statelayer/metrics"
	"github.com/statelayer/statelayer/store"
)

// Adapter is the storage backend interface. Implementations persist
// whole state tree snapshots; the engine never persists deltas.
type Adapter interface {
	// Load returns the persisted snapshot, or (nil, nil) when none
	// exists yet.
	Load(ctx context.Context) (store.StateTree, error)

	// Save persists a snapshot, replacing any previous one.
	Save(ctx context.Context, tree store.StateTree) error
}

// DefaultSaveTimeout bounds one adapter Save call.
const DefaultSaveTimeout = 10 * time.Second

// Saver debounces state changes into adapter saves. It subscribes to a
// store and, after each burst of dispatches settles, persists the
// latest tree. Save failures are logged and recorded as events; they
// never surface to the dispatching caller.
type Saver struct {
	mu       sync.Mutex
	adapter  Adapter
	debounce time.Duration
	timer    *time.Timer
	pending  store.StateTree
	unsub    func()
	closed   bool

	saveTimeout time.Duration
	logger      zerolog.Logger
	events      events.Log
	metrics     *metrics.Collector
}

// SaverOption configures a saver.
type SaverOption func(*Saver)

// WithLogger routes saver logging to the given logger.
func WithLogger(logger zerolog.Logger) SaverOption {
	return func(s *Saver) { s.logger = logger }
}

// WithEvents records save outcomes to the given log.
func WithEvents(log events.Log) SaverOption {
	return func(s *Saver) { s.events = log }
}

// WithMetrics records save metrics to the given collector.
func WithMetrics(m *metrics.Collector) SaverOption {
	return func(s *Saver) { s.metrics = m }
}

// WithSaveTimeout bounds each adapter Save call.
func WithSaveTimeout(d time.Duration) SaverOption {
	return func(s *Saver) { s.saveTimeout = d }
}

// NewSaver creates a saver persisting through adapter after debounce of
// quiet time following the last state change.
func NewSaver(adapter Adapter, debounce time.Duration, opts ...SaverOption) *Saver {
	s := &Saver{
		adapter:     adapter,
		debounce:    debounce,
		saveTimeout: DefaultSaveTimeout,
		logger:      logging.Nop(),
		events:      events.NoOpLog{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach subscribes the saver to st. Every committed dispatch schedules
// a debounced save of the post-dispatch tree.
func (s *Saver) Attach(st *store.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil || s.closed {
		return
	}
	s.unsub = st.Subscribe(s.schedule)
}

// schedule records tree as the next snapshot and (re)starts the
// debounce timer, so only the last tree of a burst is saved.
func (s *Saver) schedule(tree store.StateTree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = tree
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flush)
		return
	}
	s.timer.Reset(s.debounce)
}

func (s *Saver) flush() {
	s.mu.Lock()
	tree := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()
	if tree == nil {
		return
	}
	s.save(tree)
}

// Flush persists any pending snapshot immediately, bypassing the
// debounce timer.
func (s *Saver) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	tree := s.pending
	s.pending = nil
	s.mu.Unlock()
	if tree == nil {
		return
	}
	s.save(tree)
}

// Close detaches from the store, flushes any pending snapshot, and
// stops the saver for good.
func (s *Saver) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	tree := s.pending
	s.pending = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if tree != nil {
		s.save(tree)
	}
}

func (s *Saver) save(tree store.StateTree) {
	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()

	start := time.Now()
	err := s.adapter.Save(ctx, tree)
	s.metrics.RecordSave(err)
	if err != nil {
		s.logger.Error().Err(err).Msg("snapshot save failed")
		s.events.Record(events.Event{
			Type:     events.EventPersistSaveFailed,
			Severity: events.SeverityError,
			Error:    err.Error(),
			Duration: time.Since(start),
		})
		return
	}
	s.events.Record(events.Event{
		Type:     events.EventPersistSaved,
		Duration: time.Since(start),
	})
}

// Hydrate loads the persisted snapshot from adapter and installs it in
// st. Hydration bypasses reducers and middleware and never produces a
// pending phase; a missing snapshot is not an error and leaves the
// store untouched.
func Hydrate(ctx context.Context, st *store.Store, adapter Adapter, log events.Log) error {
	tree, err := adapter.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if tree == nil {
		return nil
	}
	st.Hydrate(tree)
	if log != nil {
		log.RecordCtx(ctx, events.Event{Type: events.EventPersistHydrated})
	}
	return nil
}
