// Package store implements the reactive state container at the core of
// the engine: a single state tree, pure reducers, synchronous subscriber
// notification, and an onion-model middleware pipeline around dispatch.
package store

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/statelayer/statelayer/events"
	"github.com/statelayer/statelayer/internal/logging"
	"github.com/statelayer/statelayer/metrics"
)

// Store holds a single state tree and applies pure reducers to actions.
// Dispatch is the only path that replaces the canonical state reference.
// Dispatches from different goroutines serialize; a dispatch issued from
// inside the currently running one is rejected with ErrReentrantDispatch.
type Store struct {
	// dispatchMu serializes whole dispatch rounds including listener
	// notification, so subscribers observe dispatches one at a time.
	dispatchMu sync.Mutex

	// stateMu guards only the root pointer, so GetState never blocks
	// behind a running notification round.
	stateMu sync.RWMutex
	state   StateTree

	subMu     sync.RWMutex
	listeners []listenerEntry
	nextSubID int64

	reducer    Reducer
	middleware []Middleware
	chain      Dispatcher
	dispatched atomic.Bool

	// dispatching holds the goroutine id of the in-flight dispatch; a
	// matching id on entry means re-entrancy.
	dispatching atomic.Int64

	// working is the tree being built during the current dispatch round.
	// Guarded by dispatchMu.
	working StateTree

	logger  zerolog.Logger
	events  events.Log
	metrics *metrics.Collector
	devMode bool
}

type listenerEntry struct {
	id       int64
	listener Listener
}

// Option configures a store.
type Option func(*Store)

// WithLogger routes store logging to the given logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithEvents records dispatch events to the given log.
func WithEvents(log events.Log) Option {
	return func(s *Store) { s.events = log }
}

// WithMetrics records dispatch metrics to the given collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Store) { s.metrics = c }
}

// WithDevMode enables middleware diagnostics and verbose logging.
func WithDevMode(dev bool) Option {
	return func(s *Store) { s.devMode = dev }
}

// New creates a store with the given reducer and initial state.
func New(reducer Reducer, initial StateTree, opts ...Option) *Store {
	if initial == nil {
		initial = StateTree{}
	}
	s := &Store{
		state:   initial,
		reducer: reducer,
		logger:  logging.Nop(),
		events:  events.NoOpLog{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.chain = s.apply
	return s
}

// Use registers middleware. Middleware must be registered before the
// first dispatch; execution follows registration order on the way in and
// reverse order on the way out.
func (s *Store) Use(mw ...Middleware) error {
	if s.dispatched.Load() {
		return ErrAlreadyDispatched
	}
	s.middleware = append(s.middleware, mw...)
	s.chain = s.compose()
	return nil
}

// GetState returns the current state tree snapshot.
func (s *Store) GetState() StateTree {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Subscribe registers a listener notified after every committed dispatch
// with the final post-dispatch state. The returned function removes the
// listener; the store never extends a listener's lifetime beyond it.
func (s *Store) Subscribe(l Listener) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners = append(s.listeners, listenerEntry{id: id, listener: l})
	n := len(s.listeners)
	s.subMu.Unlock()
	s.metrics.SetSubscribers(n)

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				s.metrics.SetSubscribers(len(s.listeners))
				return
			}
		}
	}
}

// Dispatch applies one action: reduce, commit, notify. The call is
// synchronous; when it returns the new tree is installed and every
// listener has observed it.
func (s *Store) Dispatch(a Action) error {
	return s.DispatchAll(a)
}

// DispatchAll applies a batch of actions atomically: either every
// reducer succeeds and listeners observe exactly one notification round
// with the final state, or the state stays at its prior value. Listeners
// never observe intermediate states of the batch.
func (s *Store) DispatchAll(actions ...Action) error {
	if len(actions) == 0 {
		return nil
	}
	gid := goid()
	if s.dispatching.Load() == gid {
		return ErrReentrantDispatch
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.dispatching.Store(gid)
	defer s.dispatching.Store(0)
	s.dispatched.Store(true)

	start := time.Now()
	s.working = s.GetState()
	for i := range actions {
		if err := s.chain(actions[i]); err != nil {
			s.working = nil
			s.events.Record(events.Event{
				Type:     events.EventDispatchRejected,
				Severity: events.SeverityError,
				Action:   string(actions[i].Type),
				Error:    err.Error(),
			})
			s.metrics.RecordDispatch(string(actions[i].Type), time.Since(start), err)
			return err
		}
	}
	final := s.working
	s.working = nil

	s.stateMu.Lock()
	s.state = final
	s.stateMu.Unlock()

	for i := range actions {
		s.metrics.RecordDispatch(string(actions[i].Type), time.Since(start), nil)
	}
	if len(actions) == 1 {
		s.events.Record(events.Event{
			Type:   events.EventDispatchApplied,
			Action: string(actions[0].Type),
		})
	} else {
		s.events.Record(events.Event{
			Type:    events.EventDispatchBatched,
			Message: fmt.Sprintf("%d actions coalesced into one notification round", len(actions)),
		})
	}

	s.notify(final)
	return nil
}

// Hydrate installs a persisted snapshot without running reducers and
// without a pending phase. Listeners are notified with the hydrated
// tree.
func (s *Store) Hydrate(tree StateTree) {
	if tree == nil {
		return
	}
	gid := goid()
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.dispatching.Store(gid)
	defer s.dispatching.Store(0)

	s.stateMu.Lock()
	s.state = tree
	s.stateMu.Unlock()

	s.events.Record(events.Event{Type: events.EventStateHydrated})
	s.notify(tree)
}

// apply is the innermost dispatcher: it reduces the action into the
// working tree. Transform actions bypass the user reducer; they are the
// engine-owned channel for optimistic patches and rollbacks.
func (s *Store) apply(a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ReducerError{Action: a.Type, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if a.Type == ActionTransform {
		fn, ok := a.Payload.(Transform)
		if !ok {
			return &ReducerError{Action: a.Type, Err: fmt.Errorf("payload is %T, want Transform", a.Payload)}
		}
		s.working = fn(s.working)
		return nil
	}

	if s.reducer == nil {
		return nil
	}
	next, rerr := s.reducer(s.working, a)
	if rerr != nil {
		return &ReducerError{Action: a.Type, Err: rerr}
	}
	s.working = next
	return nil
}

func (s *Store) compose() Dispatcher {
	chain := Dispatcher(s.apply)
	for i := len(s.middleware) - 1; i >= 0; i-- {
		mw := s.middleware[i]
		next := chain
		if s.devMode {
			idx := i
			chain = func(a Action) error {
				called := false
				observed := func(a2 Action) error {
					called = true
					return next(a2)
				}
				err := mw(observed)(a)
				if !called {
					// Legitimate short-circuits exist; surface them so a
					// silently broken chain is diagnosable.
					s.logger.Warn().
						Int("middleware", idx).
						Str("action", string(a.Type)).
						Msg("middleware did not call next")
					s.events.Record(events.Event{
						Type:     events.EventMiddlewareDropped,
						Severity: events.SeverityWarning,
						Action:   string(a.Type),
					})
				}
				return err
			}
		} else {
			chain = mw(next)
		}
	}
	return chain
}

func (s *Store) notify(tree StateTree) {
	s.subMu.RLock()
	snapshot := make([]listenerEntry, len(s.listeners))
	copy(snapshot, s.listeners)
	s.subMu.RUnlock()

	for _, e := range snapshot {
		e.listener(tree)
	}
	s.metrics.RecordNotify(len(snapshot))
}

// goid returns the current goroutine id, used only for re-entrancy
// detection.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return -1
	}
	return id
}
