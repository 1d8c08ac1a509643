package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/tiendc/go-deepcopy"

	"github.com/statelayer/statelayer/events"
	"github.com/statelayer/statelayer/internal/logging"
	"github.com/statelayer/statelayer/metrics"
	"github.com/statelayer/statelayer/store"
)

// Executor performs the asynchronous work of one operation. It must
// honor ctx cancellation; the manager cancels the context on Cancel and
// on timeout.
type Executor func(ctx context.Context) (any, error)

// Patch is a speculative state update applied when an operation enters
// the pending phase, paired with an inverse for rollback. When Inverse
// is nil the manager snapshots the prior tree and the rollback restores
// that snapshot wholesale; supply a targeted Inverse when unrelated
// writes may interleave with the operation.
type Patch struct {
	Apply   store.Transform
	Inverse store.Transform
}

// RetryPolicy controls executor retries with exponential backoff.
// MaxRetries counts retries after the first attempt; zero disables
// retrying. Cancellations and context errors are never retried.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay > float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// RunOptions configure one operation.
type RunOptions struct {
	// Patch is the optimistic patch to apply on entry to pending.
	Patch *Patch

	// Retry overrides the manager's retry policy for this operation.
	Retry *RetryPolicy

	// Timeout bounds the executor; on expiry the operation is cancelled
	// and rejected with a CancelledError.
	Timeout time.Duration
}

// Operation is the handle for one in-flight operation.
type Operation struct {
	RequestID string
	Target    string

	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the operation settles and returns its result. The
// error is never swallowed: a rejected operation rejects its caller too.
func (op *Operation) Wait() (any, error) {
	<-op.done
	return op.result, op.err
}

// Done returns a channel closed when the operation settles.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

type appliedPatch struct {
	requestID string
	inverse   store.Transform
}

// recentPhaseCapacity bounds how many settled operations keep their
// terminal phase answerable through Phase.
const recentPhaseCapacity = 512

// Manager wraps asynchronous operations into pending/fulfilled/rejected
// transitions over a store. Per logical target it tracks the latest
// request id; resolutions of superseded requests never write state.
// Tracking state is released as operations settle: latest, patches,
// cancels, and phases hold only in-flight operations, and terminal
// phases move to a bounded cache so a long-lived manager never grows
// with its dispatch history.
type Manager struct {
	mu      sync.Mutex
	st      *store.Store
	latest  map[string]string
	patches map[string]*appliedPatch
	cancels map[string]context.CancelFunc
	phases  map[string]Phase
	recent  *lru.Cache[string, Phase]

	retry   RetryPolicy
	logger  zerolog.Logger
	events  events.Log
	metrics *metrics.Collector
}

// Option configures a manager.
type Option func(*Manager)

// WithLogger routes manager logging to the given logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithEvents records operation events to the given log.
func WithEvents(log events.Log) Option {
	return func(m *Manager) { m.events = log }
}

// WithMetrics records operation metrics to the given collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithRetryPolicy sets the manager-wide default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// NewManager creates a manager dispatching into st.
func NewManager(st *store.Store, opts ...Option) *Manager {
	recent, _ := lru.New[string, Phase](recentPhaseCapacity)
	m := &Manager{
		st:      st,
		latest:  make(map[string]string),
		patches: make(map[string]*appliedPatch),
		cancels: make(map[string]context.CancelFunc),
		phases:  make(map[string]Phase),
		recent:  recent,
		retry:   DefaultRetryPolicy(),
		logger:  logging.Nop(),
		events:  events.NoOpLog{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts an operation against target and blocks until it settles.
func (m *Manager) Run(ctx context.Context, target string, ex Executor, opts RunOptions) (any, error) {
	return m.Start(ctx, target, ex, opts).Wait()
}

// Start begins an operation against target and returns its handle
// immediately. The pending action (and the optimistic patch, when
// configured) has been dispatched by the time Start returns.
func (m *Manager) Start(ctx context.Context, target string, ex Executor, opts RunOptions) *Operation {
	op := &Operation{
		RequestID: uuid.NewString(),
		Target:    target,
		done:      make(chan struct{}),
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	var inverse store.Transform
	if opts.Patch != nil {
		inverse = opts.Patch.Inverse
		if inverse == nil {
			inverse = snapshotInverse(m.st.GetState())
		}
	}

	m.mu.Lock()
	m.latest[target] = op.RequestID
	m.cancels[op.RequestID] = cancel
	m.phases[op.RequestID] = PhasePending
	// A new mutation against the same target supersedes the previous
	// patch: its record is discarded, never stacked.
	delete(m.patches, target)
	if opts.Patch != nil {
		m.patches[target] = &appliedPatch{requestID: op.RequestID, inverse: inverse}
	}
	m.mu.Unlock()

	actions := []store.Action{pendingAction(op.RequestID, target, opts.Patch != nil)}
	if opts.Patch != nil {
		actions = append(actions, store.Action{
			Type:    store.ActionTransform,
			Payload: opts.Patch.Apply,
			Meta:    store.Meta{RequestID: op.RequestID, Optimistic: true},
		})
	}
	if err := m.st.DispatchAll(actions...); err != nil {
		cancel()
		m.settle(op, nil, err, 0, false)
		return op
	}

	m.events.RecordCtx(ctx, events.Event{
		Type:      events.EventOpPending,
		Target:    target,
		RequestID: op.RequestID,
	})
	m.metrics.AddInFlight(1)

	policy := m.retry
	if opts.Retry != nil {
		policy = *opts.Retry
	}

	go func() {
		defer cancel()
		start := time.Now()
		result, err := m.execute(runCtx, op, ex, policy)
		m.settle(op, result, err, time.Since(start), true)
	}()
	return op
}

// Cancel aborts the executor of an in-flight operation. It returns
// false when the request id is unknown or already settled.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()
	cancel, ok := m.cancels[requestID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Phase returns the recorded phase for a request id: the live phase
// for an in-flight operation, the terminal phase for recently settled
// ones, and PhaseIdle for unknown or long-settled ids.
func (m *Manager) Phase(requestID string) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.phases[requestID]; ok {
		return p
	}
	if p, ok := m.recent.Get(requestID); ok {
		return p
	}
	return PhaseIdle
}

// Latest returns the request id of the in-flight operation owning a
// target, or "" when none is in flight.
func (m *Manager) Latest(target string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest[target]
}

func (m *Manager) execute(ctx context.Context, op *Operation, ex Executor, policy RetryPolicy) (any, error) {
	var result any
	var err error
	for attempt := 1; ; attempt++ {
		result, err = ex(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &CancelledError{Target: op.Target, RequestID: op.RequestID, Cause: ctx.Err()}
		}
		if IsCancelled(err) || attempt > policy.MaxRetries {
			return nil, err
		}

		m.metrics.RecordRetry()
		m.events.Record(events.Event{
			Type:      events.EventOpRetry,
			Severity:  events.SeverityWarning,
			Target:    op.Target,
			RequestID: op.RequestID,
			Attempt:   attempt,
			Error:     err.Error(),
		})
		select {
		case <-time.After(policy.delay(attempt)):
		case <-ctx.Done():
			return nil, &CancelledError{Target: op.Target, RequestID: op.RequestID, Cause: ctx.Err()}
		}
	}
}

// settle records the terminal phase and, for the latest request of its
// target, dispatches the terminal action plus any rollback.
func (m *Manager) settle(op *Operation, result any, err error, duration time.Duration, started bool) {
	m.mu.Lock()
	delete(m.cancels, op.RequestID)
	isLatest := m.latest[op.Target] == op.RequestID
	if isLatest {
		delete(m.latest, op.Target)
	}

	to := PhaseFulfilled
	if err != nil {
		to = PhaseRejected
	}
	if cur := m.phases[op.RequestID]; CanTransition(cur, to) {
		m.recent.Add(op.RequestID, to)
	}
	delete(m.phases, op.RequestID)

	var inverse store.Transform
	if p := m.patches[op.Target]; p != nil && p.requestID == op.RequestID {
		// The patch is confirmed on success and replayed on failure;
		// either way its record is done.
		delete(m.patches, op.Target)
		if err != nil {
			inverse = p.inverse
		}
	}
	m.mu.Unlock()

	if started {
		m.metrics.AddInFlight(-1)
	}

	switch {
	case !isLatest:
		// A newer operation owns the target; this resolution must not
		// write state.
		m.events.Record(events.Event{
			Type:      events.EventOpSuperseded,
			Target:    op.Target,
			RequestID: op.RequestID,
		})
	case err == nil:
		if derr := m.st.Dispatch(fulfilledAction(op.RequestID, op.Target, result)); derr != nil {
			m.logger.Error().Err(derr).Str("target", op.Target).Msg("fulfilled dispatch failed")
		}
		m.metrics.RecordOp(PhaseFulfilled.String(), duration)
		m.events.Record(events.Event{
			Type:      events.EventOpFulfilled,
			Target:    op.Target,
			RequestID: op.RequestID,
			Duration:  duration,
		})
	default:
		cancelled := IsCancelled(err)
		actions := make([]store.Action, 0, 2)
		if inverse != nil {
			actions = append(actions, store.Action{
				Type:    store.ActionTransform,
				Payload: inverse,
				Meta:    store.Meta{RequestID: op.RequestID, Optimistic: true},
			})
		}
		actions = append(actions, rejectedAction(op.RequestID, op.Target, err, cancelled))
		if derr := m.st.DispatchAll(actions...); derr != nil {
			m.logger.Error().Err(derr).Str("target", op.Target).Msg("rejected dispatch failed")
		}
		if inverse != nil {
			m.metrics.RecordRollback()
			m.events.Record(events.Event{
				Type:      events.EventOpRollback,
				Severity:  events.SeverityWarning,
				Target:    op.Target,
				RequestID: op.RequestID,
			})
		}
		m.metrics.RecordOp(PhaseRejected.String(), duration)
		evType := events.EventOpRejected
		if cancelled {
			evType = events.EventOpCancelled
		}
		m.events.Record(events.Event{
			Type:      evType,
			Severity:  events.SeverityError,
			Target:    op.Target,
			RequestID: op.RequestID,
			Duration:  duration,
			Error:     err.Error(),
		})
	}

	op.result = result
	op.err = err
	close(op.done)
}

// snapshotInverse deep-copies the pre-mutation tree and returns a
// transform restoring it.
func snapshotInverse(tree store.StateTree) store.Transform {
	var snap store.StateTree
	if err := deepcopy.Copy(&snap, tree); err != nil {
		// Trees are plain JSON-shaped data; a copy failure means a
		// non-copyable value leaked in. Fall back to restoring the
		// original reference.
		snap = tree
	}
	return func(store.StateTree) store.StateTree { return snap }
}
