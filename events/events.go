// Package events provides structured event logging for the engine.
// Events capture significant occurrences in the engine lifecycle such as
// dispatches, async operation transitions, cache activity, and persistence
// outcomes. Every rejected operation and failed save produces an event, so
// no error disappears without an observable trace.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/statelayer/statelayer/internal/logging"
)

// EventType classifies the kind of engine event.
type EventType string

const (
	// Dispatch events
	EventDispatchApplied  EventType = "dispatch.applied"
	EventDispatchRejected EventType = "dispatch.rejected"
	EventDispatchBatched  EventType = "dispatch.batched"
	EventStateHydrated    EventType = "state.hydrated"

	// Async operation events
	EventOpPending    EventType = "op.pending"
	EventOpFulfilled  EventType = "op.fulfilled"
	EventOpRejected   EventType = "op.rejected"
	EventOpCancelled  EventType = "op.cancelled"
	EventOpSuperseded EventType = "op.superseded"
	EventOpRollback   EventType = "op.rollback"
	EventOpRetry      EventType = "op.retry"

	// Cache events
	EventCacheFetch       EventType = "cache.fetch"
	EventCacheFetchFailed EventType = "cache.fetch_failed"
	EventCacheHit         EventType = "cache.hit"
	EventCacheStaleServe  EventType = "cache.stale_serve"
	EventCacheInvalidated EventType = "cache.invalidated"
	EventCacheEvicted     EventType = "cache.evicted"

	// Persistence events
	EventPersistSaved      EventType = "persist.saved"
	EventPersistSaveFailed EventType = "persist.save_failed"
	EventPersistHydrated   EventType = "persist.hydrated"

	// Middleware events
	EventMiddlewareDropped EventType = "middleware.dropped"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents a structured engine event.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	// Correlation fields
	Action    string `json:"action,omitempty"`
	Target    string `json:"target,omitempty"`
	Key       string `json:"key,omitempty"`
	Tag       string `json:"tag,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`

	// Details
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Attempt  int           `json:"attempt,omitempty"`
}

// String returns a human-readable representation.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether an event should be delivered to a handler.
type Filter func(Event) bool

// Log is the interface for event logging.
type Log interface {
	// Record stores an event and notifies subscribed handlers.
	Record(event Event)

	// RecordCtx stores an event annotated with the context's trace ID.
	RecordCtx(ctx context.Context, event Event)

	// Subscribe registers a handler for all events.
	Subscribe(handler Handler) func()

	// SubscribeFiltered registers a handler with a filter.
	SubscribeFiltered(filter Filter, handler Handler) func()

	// Recent returns the most recent N events.
	Recent(n int) []Event

	// RecentByType returns the most recent N events of a given type.
	RecentByType(eventType EventType, n int) []Event
}

// RingBuffer is a thread-safe circular event buffer.
type RingBuffer struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
	seq      int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

// NewRingBuffer creates an event buffer holding up to size events.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

// Record adds an event to the buffer and notifies handlers.
func (rb *RingBuffer) Record(event Event) {
	rb.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = rb.nextEventIDLocked()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	rb.events[rb.head] = event
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}

	handlers := make([]handlerEntry, len(rb.handlers))
	copy(handlers, rb.handlers)
	rb.mu.Unlock()

	// Notify handlers outside the lock
	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
}

// RecordCtx annotates the event with the context's trace ID before recording.
func (rb *RingBuffer) RecordCtx(ctx context.Context, event Event) {
	if event.TraceID == "" {
		event.TraceID = logging.TraceIDFrom(ctx)
	}
	rb.Record(event)
}

// Subscribe registers a handler for all events.
func (rb *RingBuffer) Subscribe(handler Handler) func() {
	return rb.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler with a filter.
func (rb *RingBuffer) SubscribeFiltered(filter Filter, handler Handler) func() {
	rb.mu.Lock()
	id := rb.nextID
	rb.nextID++
	rb.handlers = append(rb.handlers, handlerEntry{
		id:      id,
		filter:  filter,
		handler: handler,
	})
	rb.mu.Unlock()

	return func() {
		rb.mu.Lock()
		defer rb.mu.Unlock()
		for i, h := range rb.handlers {
			if h.id == id {
				rb.handlers = append(rb.handlers[:i], rb.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns the most recent N events in reverse chronological order.
func (rb *RingBuffer) Recent(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}
	if n > rb.count {
		n = rb.count
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		result[i] = rb.events[idx]
	}
	return result
}

// RecentByType returns the most recent N events of a given type.
func (rb *RingBuffer) RecentByType(eventType EventType, n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || rb.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < rb.count && len(result) < n; i++ {
		idx := (rb.head - 1 - i + rb.size) % rb.size
		if rb.events[idx].Type == eventType {
			result = append(result, rb.events[idx])
		}
	}
	return result
}

// Count returns the number of events currently buffered.
func (rb *RingBuffer) Count() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Clear removes all events from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events = make([]Event, rb.size)
	rb.head = 0
	rb.count = 0
}

func (rb *RingBuffer) nextEventIDLocked() string {
	rb.seq++
	return time.Now().UTC().Format("20060102150405.000000000") + "-" + strconv.FormatInt(rb.seq, 10)
}

// NoOpLog is an event log that discards everything.
type NoOpLog struct{}

func (NoOpLog) Record(Event)                     {}
func (NoOpLog) RecordCtx(context.Context, Event) {}
func (NoOpLog) Subscribe(Handler) func()         { return func() {} }
func (NoOpLog) SubscribeFiltered(Filter, Handler) func() {
	return func() {}
}
func (NoOpLog) Recent(int) []Event                  { return nil }
func (NoOpLog) RecentByType(EventType, int) []Event { return nil }
