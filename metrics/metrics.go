// Package metrics provides engine metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for
// dispatches, selector computation, async operations, and cache activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector provides engine metrics collection. All record methods are
// safe to call on a nil receiver, so components can treat the collector
// as optional.
type Collector struct {
	registry *prometheus.Registry

	// Dispatch metrics
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	notifyFanout    prometheus.Histogram
	subscriberCount prometheus.Gauge

	// Selector metrics
	selectorComputes *prometheus.CounterVec

	// Async operation metrics
	opTotal     *prometheus.CounterVec
	opLatency   *prometheus.HistogramVec
	opRollbacks prometheus.Counter
	opRetries   prometheus.Counter
	opInFlight  prometheus.Gauge

	// Cache metrics
	cacheLookups     *prometheus.CounterVec
	fetchTotal       *prometheus.CounterVec
	fetchLatency     prometheus.Histogram
	dedupJoins       prometheus.Counter
	invalidations    *prometheus.CounterVec
	cacheEntries     prometheus.Gauge
	cacheSubscribers prometheus.Gauge
	gcRemovals       prometheus.Counter

	// Persistence metrics
	saveTotal *prometheus.CounterVec
}

// NewCollector creates a new engine metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "statelayer"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dispatch_total",
			Help:      "Total number of dispatched actions",
		},
		[]string{"action", "result"},
	)

	c.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dispatch_duration_seconds",
			Help:      "Time taken to reduce and notify one dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.000_01, 2, 14), // 10us to ~160ms
		},
		[]string{"action"},
	)

	c.notifyFanout = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "notify_fanout",
			Help:      "Number of subscribers notified per dispatch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	c.subscriberCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "subscribers",
			Help:      "Current number of store subscribers",
		},
	)

	c.selectorComputes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selector",
			Name:      "computes_total",
			Help:      "Selector evaluations by outcome (computed vs memoized)",
		},
		[]string{"outcome"},
	)

	c.opTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "op",
			Name:      "total",
			Help:      "Total number of async operations by terminal phase",
		},
		[]string{"phase"},
	)

	c.opLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "op",
			Name:      "duration_seconds",
			Help:      "Time from pending to terminal phase",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"phase"},
	)

	c.opRollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "op",
			Name:      "rollbacks_total",
			Help:      "Total number of optimistic patch rollbacks",
		},
	)

	c.opRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "op",
			Name:      "retries_total",
			Help:      "Total number of executor retries",
		},
	)

	c.opInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "op",
			Name:      "in_flight",
			Help:      "Current number of pending async operations",
		},
	)

	c.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by outcome (hit, miss, stale)",
		},
		[]string{"outcome"},
	)

	c.fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_total",
			Help:      "Underlying fetches by result",
		},
		[]string{"result"},
	)

	c.fetchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "fetch_duration_seconds",
			Help:      "Time taken by underlying fetches",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
	)

	c.dedupJoins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "dedup_joins_total",
			Help:      "Queries that joined an in-flight fetch instead of issuing one",
		},
	)

	c.invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Invalidation requests by kind (tag, key)",
		},
		[]string{"kind"},
	)

	c.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cache entries",
		},
	)

	c.cacheSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entry_subscribers",
			Help:      "Current number of cache entry subscribers",
		},
	)

	c.gcRemovals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "gc_removals_total",
			Help:      "Entries removed by garbage collection",
		},
	)

	c.saveTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "save_total",
			Help:      "Persistence saves by result",
		},
		[]string{"result"},
	)

	c.registry.MustRegister(
		c.dispatchTotal,
		c.dispatchLatency,
		c.notifyFanout,
		c.subscriberCount,
		c.selectorComputes,
		c.opTotal,
		c.opLatency,
		c.opRollbacks,
		c.opRetries,
		c.opInFlight,
		c.cacheLookups,
		c.fetchTotal,
		c.fetchLatency,
		c.dedupJoins,
		c.invalidations,
		c.cacheEntries,
		c.cacheSubscribers,
		c.gcRemovals,
		c.saveTotal,
	)

	return c
}

// Registry returns the Prometheus registry for exposition.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordDispatch records one dispatched action.
func (c *Collector) RecordDispatch(action string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.dispatchTotal.WithLabelValues(action, result(err)).Inc()
	if err == nil {
		c.dispatchLatency.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// RecordNotify records the subscriber fan-out of one notification round.
func (c *Collector) RecordNotify(fanout int) {
	if c == nil {
		return
	}
	c.notifyFanout.Observe(float64(fanout))
}

// SetSubscribers sets the current store subscriber count.
func (c *Collector) SetSubscribers(n int) {
	if c == nil {
		return
	}
	c.subscriberCount.Set(float64(n))
}

// RecordSelector records a selector evaluation outcome.
func (c *Collector) RecordSelector(computed bool) {
	if c == nil {
		return
	}
	outcome := "memoized"
	if computed {
		outcome = "computed"
	}
	c.selectorComputes.WithLabelValues(outcome).Inc()
}

// RecordOp records a terminal async operation transition.
func (c *Collector) RecordOp(phase string, duration time.Duration) {
	if c == nil {
		return
	}
	c.opTotal.WithLabelValues(phase).Inc()
	c.opLatency.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordRollback records one optimistic rollback.
func (c *Collector) RecordRollback() {
	if c == nil {
		return
	}
	c.opRollbacks.Inc()
}

// RecordRetry records one executor retry.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.opRetries.Inc()
}

// AddInFlight adjusts the pending operation gauge.
func (c *Collector) AddInFlight(delta int) {
	if c == nil {
		return
	}
	c.opInFlight.Add(float64(delta))
}

// RecordLookup records a cache lookup outcome: "hit", "miss", or "stale".
func (c *Collector) RecordLookup(outcome string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordFetch records one underlying fetch.
func (c *Collector) RecordFetch(duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.fetchTotal.WithLabelValues(result(err)).Inc()
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordDedupJoin records a query that attached to an in-flight fetch.
func (c *Collector) RecordDedupJoin() {
	if c == nil {
		return
	}
	c.dedupJoins.Inc()
}

// RecordInvalidation records an invalidation request by kind.
func (c *Collector) RecordInvalidation(kind string) {
	if c == nil {
		return
	}
	c.invalidations.WithLabelValues(kind).Inc()
}

// SetEntries sets the current cache entry count.
func (c *Collector) SetEntries(n int) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(n))
}

// SetEntrySubscribers sets the current cache subscriber count.
func (c *Collector) SetEntrySubscribers(n int) {
	if c == nil {
		return
	}
	c.cacheSubscribers.Set(float64(n))
}

// RecordGCRemoval records one garbage-collected entry.
func (c *Collector) RecordGCRemoval() {
	if c == nil {
		return
	}
	c.gcRemovals.Inc()
}

// RecordSave records one persistence save attempt.
func (c *Collector) RecordSave(err error) {
	if c == nil {
		return
	}
	c.saveTotal.WithLabelValues(result(err)).Inc()
}
