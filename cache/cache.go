package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"golang.org/x/sync/singleflight"

	"github.com/statelayer/statelayer/config"
	"github.com/statelayer/statelayer/events"
	"github.com/statelayer/statelayer/internal/logging"
	"github.com/statelayer/statelayer/lifecycle"
	"github.com/statelayer/statelayer/metrics"
)

// Fetcher loads the data behind one query key. It must honor ctx
// cancellation.
type Fetcher func(ctx context.Context) (any, error)

// QueryOptions configure one query.
type QueryOptions struct {
	// Tags associate the entry with invalidation tags.
	Tags []string

	// StaleTime overrides the cache-wide stale time for this key.
	StaleTime time.Duration
}

// MutateOptions configure one mutation.
type MutateOptions struct {
	// Key names the cache entry this mutation concerns. A rejected
	// mutation records its error on that entry, prior data preserved.
	Key *Key

	// Patch is the optimistic patch applied while the mutation runs.
	Patch *lifecycle.Patch

	// Invalidates lists the tags invalidated after the mutation
	// fulfills. Rejected mutations invalidate nothing.
	Invalidates []string

	// Retry overrides the lifecycle manager's retry policy.
	Retry *lifecycle.RetryPolicy

	// Timeout bounds the mutation executor.
	Timeout time.Duration
}

type dedupResult struct {
	data any
}

// Cache is the query cache. One entry exists per canonical key; a
// fetch for a key runs at most once at a time regardless of how many
// callers ask for it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	group  singleflight.Group
	recent *expiremap.ExpireMap[string, dedupResult]

	opts    config.Options
	manager *lifecycle.Manager
	janitor *cron.Cron

	logger  zerolog.Logger
	events  events.Log
	metrics *metrics.Collector
}

// Option configures a cache.
type Option func(*Cache)

// WithLogger routes cache logging to the given logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithEvents records cache events to the given log.
func WithEvents(log events.Log) Option {
	return func(c *Cache) { c.events = log }
}

// WithMetrics records cache metrics to the given collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithManager attaches the lifecycle manager Mutate delegates to.
func WithManager(m *lifecycle.Manager) Option {
	return func(c *Cache) { c.manager = m }
}

// New creates a cache with the given options.
func New(opts config.Options, copts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		opts:    opts,
		logger:  logging.Nop(),
		events:  events.NoOpLog{},
	}
	if opts.DedupWindow > 0 {
		c.recent = expiremap.NewEx[string, dedupResult](opts.DedupWindow, opts.DedupWindow)
	}
	for _, opt := range copts {
		opt(c)
	}
	return c
}

// Query returns the data behind key. Fresh cached data returns without
// a fetch; stale data returns immediately while a revalidation fetch
// runs in the background; a cold or errored entry blocks on a fetch.
// Concurrent queries for one key share a single fetch.
func (c *Cache) Query(ctx context.Context, key Key, fetch Fetcher, opts QueryOptions) (any, error) {
	canonical, err := key.Canonical()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	e := c.ensureLocked(key, canonical)
	for _, t := range opts.Tags {
		e.tags[t] = struct{}{}
	}
	e.fetcher = fetch
	e.staleTime = opts.StaleTime

	now := time.Now()
	if e.status == StatusSuccess {
		data := e.data
		fresh := e.staleAt.After(now)
		c.mu.Unlock()

		if fresh {
			c.metrics.RecordLookup("hit")
			c.events.RecordCtx(ctx, events.Event{Type: events.EventCacheHit, Key: canonical})
			return data, nil
		}

		c.metrics.RecordLookup("stale")
		c.events.RecordCtx(ctx, events.Event{Type: events.EventCacheStaleServe, Key: canonical})
		go c.refetch(context.WithoutCancel(ctx), canonical)
		return data, nil
	}
	c.mu.Unlock()

	// A fetch for this key resolved within the dedup window; reuse its
	// result instead of issuing another.
	if c.recent != nil {
		if r, ok := c.recent.Load(canonical); ok {
			c.metrics.RecordLookup("hit")
			c.metrics.RecordDedupJoin()
			return r.data, nil
		}
	}

	c.metrics.RecordLookup("miss")
	return c.fetch(ctx, canonical, fetch)
}

// Get returns a snapshot of the entry behind key without fetching.
func (c *Cache) Get(key Key) (Entry, bool) {
	canonical, err := key.Canonical()
	if err != nil {
		return Entry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[canonical]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(time.Now()), true
}

// Len returns the number of cache entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Subscribe registers a listener for the entry behind key. The listener
// receives the current snapshot immediately and a new snapshot on every
// entry change. The returned function removes the listener; when the
// last listener of an entry leaves, a garbage collection timer starts,
// and a resubscription before it fires cancels it.
func (c *Cache) Subscribe(key Key, l EntryListener) (func(), error) {
	canonical, err := key.Canonical()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	e := c.ensureLocked(key, canonical)
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = l
	initial := e.snapshot(time.Now())
	c.mu.Unlock()
	c.metrics.SetEntrySubscribers(c.subscriberCount())

	l(initial)

	return func() {
		c.mu.Lock()
		e, ok := c.entries[canonical]
		if !ok {
			c.mu.Unlock()
			return
		}
		delete(e.subs, id)
		if len(e.subs) == 0 && e.gcTimer == nil {
			e.gcTimer = time.AfterFunc(c.gcTime(), func() { c.collect(canonical) })
		}
		c.mu.Unlock()
		c.metrics.SetEntrySubscribers(c.subscriberCount())
	}, nil
}

// Invalidate marks every entry carrying any of the tags as stale.
// Entries with active subscribers refetch immediately; entries without
// refetch lazily on their next query.
func (c *Cache) Invalidate(tags ...string) {
	now := time.Now()
	var refetches []string
	var notify []func()

	c.mu.Lock()
	for canonical, e := range c.entries {
		matched := false
		for _, t := range tags {
			if e.hasTag(t) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		e.staleAt = now
		if len(e.subs) > 0 && e.fetcher != nil {
			refetches = append(refetches, canonical)
		}
		notify = append(notify, c.notifyLocked(e, now))
	}
	c.mu.Unlock()

	for _, tag := range tags {
		c.metrics.RecordInvalidation("tag")
		c.events.Record(events.Event{Type: events.EventCacheInvalidated, Tag: tag})
	}
	for _, fn := range notify {
		fn()
	}
	for _, canonical := range refetches {
		go c.refetch(context.Background(), canonical)
	}
}

// InvalidateKey marks the single entry behind key as stale, with the
// same refetch policy as Invalidate. When the entry has active
// subscribers but no remembered fetcher to revalidate with, the entry
// is still marked stale and ErrNoFetcher is returned.
func (c *Cache) InvalidateKey(key Key) error {
	canonical, err := key.Canonical()
	if err != nil {
		return err
	}

	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[canonical]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	e.staleAt = now
	subscribed := len(e.subs) > 0
	hasFetcher := e.fetcher != nil
	notify := c.notifyLocked(e, now)
	c.mu.Unlock()

	c.metrics.RecordInvalidation("key")
	c.events.Record(events.Event{Type: events.EventCacheInvalidated, Key: canonical})
	notify()
	if subscribed {
		if !hasFetcher {
			return ErrNoFetcher
		}
		go c.refetch(context.Background(), canonical)
	}
	return nil
}

// Mutate runs a mutation through the lifecycle manager and, when it
// fulfills, invalidates the listed tags.
func (c *Cache) Mutate(ctx context.Context, target string, ex lifecycle.Executor, opts MutateOptions) (any, error) {
	if c.manager == nil {
		return nil, ErrNoManager
	}
	result, err := c.manager.Run(ctx, target, ex, lifecycle.RunOptions{
		Patch:   opts.Patch,
		Retry:   opts.Retry,
		Timeout: opts.Timeout,
	})
	if err != nil {
		if opts.Key != nil {
			if canonical, kerr := opts.Key.Canonical(); kerr == nil {
				c.mu.Lock()
				if _, ok := c.entries[canonical]; !ok {
					c.ensureLocked(*opts.Key, canonical)
				}
				c.mu.Unlock()
				c.settleError(canonical, err)
			}
		}
		return nil, err
	}
	if len(opts.Invalidates) > 0 {
		c.Invalidate(opts.Invalidates...)
	}
	return result, nil
}

// Start begins the background janitor that sweeps abandoned entries.
// It is a backstop behind the per-entry timers; a zero sweep interval
// disables it.
func (c *Cache) Start() error {
	if c.opts.JanitorEvery <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.janitor != nil {
		return nil
	}
	c.janitor = cron.New()
	if _, err := c.janitor.AddFunc(fmt.Sprintf("@every %s", c.opts.JanitorEvery), c.sweep); err != nil {
		c.janitor = nil
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.janitor.Start()
	c.logger.Debug().Dur("every", c.opts.JanitorEvery).Msg("cache janitor started")
	return nil
}

// Stop halts the janitor and every pending garbage collection timer.
func (c *Cache) Stop() {
	c.mu.Lock()
	janitor := c.janitor
	c.janitor = nil
	for _, e := range c.entries {
		if e.gcTimer != nil {
			e.gcTimer.Stop()
			e.gcTimer = nil
		}
	}
	c.mu.Unlock()
	if janitor != nil {
		janitor.Stop()
	}
}

// fetch runs the fetcher for canonical, deduplicating concurrent
// callers onto one execution.
func (c *Cache) fetch(ctx context.Context, canonical string, fetch Fetcher) (any, error) {
	var led bool
	v, err, shared := c.group.Do(canonical, func() (any, error) {
		led = true
		c.setLoading(canonical)

		start := time.Now()
		data, ferr := fetch(ctx)
		c.metrics.RecordFetch(time.Since(start), ferr)

		if ferr != nil {
			key := c.settleError(canonical, ferr)
			c.events.RecordCtx(ctx, events.Event{
				Type:     events.EventCacheFetchFailed,
				Severity: events.SeverityError,
				Key:      canonical,
				Error:    ferr.Error(),
				Duration: time.Since(start),
			})
			return nil, &FetchError{Key: key, Err: ferr}
		}

		c.settleSuccess(canonical, data)
		if c.recent != nil {
			c.recent.Set(canonical, dedupResult{data: data})
		}
		c.events.RecordCtx(ctx, events.Event{
			Type:     events.EventCacheFetch,
			Key:      canonical,
			Duration: time.Since(start),
		})
		return data, nil
	})
	if shared && !led {
		c.metrics.RecordDedupJoin()
	}
	return v, err
}

// refetch revalidates canonical with its remembered fetcher.
func (c *Cache) refetch(ctx context.Context, canonical string) {
	c.mu.Lock()
	e, ok := c.entries[canonical]
	if !ok || e.fetcher == nil {
		c.mu.Unlock()
		return
	}
	fetch := e.fetcher
	c.mu.Unlock()

	if _, err := c.fetch(ctx, canonical, fetch); err != nil {
		c.logger.Warn().Err(err).Str("key", canonical).Msg("revalidation failed")
	}
}

func (c *Cache) ensureLocked(key Key, canonical string) *entry {
	e, ok := c.entries[canonical]
	if !ok {
		e = &entry{
			key:       key,
			canonical: canonical,
			tags:      make(map[string]struct{}),
			subs:      make(map[int64]EntryListener),
		}
		c.entries[canonical] = e
		c.metrics.SetEntries(len(c.entries))
	}
	return e
}

func (c *Cache) setLoading(canonical string) {
	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[canonical]
	if !ok {
		c.mu.Unlock()
		return
	}
	// A revalidation of a data-bearing entry keeps serving its last
	// success: the snapshot reads Status=Success, Stale=true until the
	// fetch settles.
	if e.status == StatusSuccess {
		c.mu.Unlock()
		return
	}
	e.status = StatusLoading
	notify := c.notifyLocked(e, now)
	c.mu.Unlock()
	notify()
}

func (c *Cache) settleSuccess(canonical string, data any) {
	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[canonical]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.status = StatusSuccess
	e.data = data
	e.err = nil
	e.fetchedAt = now
	e.staleAt = now.Add(c.staleTime(e))
	notify := c.notifyLocked(e, now)
	c.mu.Unlock()
	notify()
}

// settleError records a failed fetch. Data from an earlier successful
// fetch stays in place next to the error.
func (c *Cache) settleError(canonical string, err error) Key {
	now := time.Now()
	c.mu.Lock()
	e, ok := c.entries[canonical]
	if !ok {
		c.mu.Unlock()
		return Key{}
	}
	e.status = StatusError
	e.err = err
	key := e.key
	notify := c.notifyLocked(e, now)
	c.mu.Unlock()
	notify()
	return key
}

// notifyLocked snapshots the entry and returns a closure delivering it
// to the entry's listeners. The caller invokes it after unlocking.
func (c *Cache) notifyLocked(e *entry, now time.Time) func() {
	listeners := e.listeners()
	if len(listeners) == 0 {
		return func() {}
	}
	snap := e.snapshot(now)
	return func() {
		for _, l := range listeners {
			l(snap)
		}
	}
}

// collect removes canonical if it still has no subscribers.
func (c *Cache) collect(canonical string) {
	c.mu.Lock()
	e, ok := c.entries[canonical]
	if !ok || len(e.subs) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.entries, canonical)
	n := len(c.entries)
	c.mu.Unlock()

	c.metrics.SetEntries(n)
	c.metrics.RecordGCRemoval()
	c.events.Record(events.Event{Type: events.EventCacheEvicted, Key: canonical})
}

// sweep removes subscriber-less entries whose data has been stale for
// longer than the collection grace period.
func (c *Cache) sweep() {
	cutoff := time.Now().Add(-c.gcTime())
	var removed []string

	c.mu.Lock()
	for canonical, e := range c.entries {
		if len(e.subs) > 0 || e.gcTimer != nil {
			continue
		}
		if e.status == StatusIdle || e.staleAt.After(cutoff) {
			continue
		}
		delete(c.entries, canonical)
		removed = append(removed, canonical)
	}
	n := len(c.entries)
	c.mu.Unlock()

	if len(removed) == 0 {
		return
	}
	c.metrics.SetEntries(n)
	for _, canonical := range removed {
		c.metrics.RecordGCRemoval()
		c.events.Record(events.Event{Type: events.EventCacheEvicted, Key: canonical})
	}
}

func (c *Cache) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		n += len(e.subs)
	}
	return n
}

func (c *Cache) staleTime(e *entry) time.Duration {
	if e.staleTime > 0 {
		return e.staleTime
	}
	return c.opts.StaleTime
}

func (c *Cache) gcTime() time.Duration {
	if c.opts.GCTime > 0 {
		return c.opts.GCTime
	}
	return config.Default().GCTime
}
