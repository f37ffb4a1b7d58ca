// Package metrics registers the observability surface spec.md 6 names as a
// public contract for operators: histograms for cache refresh/GC behavior
// and per-endpoint write/query timers. Unlike the teacher's hand-rolled
// atomic-bucket histograms (this module is embedded in arbitrary host
// applications, not run as its own process), collectors here are real
// prometheus.Collector values the embedder registers into its own registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector this client exposes, constructed once and
// passed by reference into the components that record against it -- the
// same "one struct, shared by reference" shape as the teacher's own
// internal/metrics.Metrics.
type Metrics struct {
	RouteForTablesRefreshedSize prometheus.Histogram
	RouteForTablesCachedSize    prometheus.Histogram
	RouteForTablesGCTimes       prometheus.Counter
	RouteForTablesGCItems       prometheus.Histogram
	RouteForTablesGCTimer       prometheus.Histogram

	WriteLatency  *prometheus.HistogramVec // labeled by endpoint
	QueryLatency  *prometheus.HistogramVec // labeled by endpoint
	WriteBatch    prometheus.Histogram
	RetriesByCode *prometheus.CounterVec // labeled by code
}

// New constructs a Metrics with the exact names spec.md 6 lists. namespace
// lets an embedder avoid collisions when it runs multiple clients (e.g.
// against several clusters) in one process.
func New(namespace string) *Metrics {
	return &Metrics{
		RouteForTablesRefreshedSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_for_tables_refreshed_size",
			Help:      "Number of routes returned by a single routeRefreshFor call.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RouteForTablesCachedSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_for_tables_cached_size",
			Help:      "Route cache size sampled after each mutation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		RouteForTablesGCTimes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_for_tables_gc_times",
			Help:      "Number of GC passes run against the route cache.",
		}),
		RouteForTablesGCItems: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_for_tables_gc_items",
			Help:      "Number of route cache entries evicted per GC round.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RouteForTablesGCTimer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_for_tables_gc_timer",
			Help:      "Wall-clock duration of a full GC pass, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		WriteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_latency_seconds",
			Help:      "Per-endpoint write RPC latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		QueryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_latency_seconds",
			Help:      "Per-endpoint query RPC latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		WriteBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "write_batch_size",
			Help:      "Number of points per write sub-batch dispatched to one endpoint.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}),
		RetriesByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Automatic retries issued by the write/query dispatchers, by error code.",
		}, []string{"code"}),
	}
}

// Collectors returns every collector for bulk registration, e.g.
// registry.MustRegister(m.Collectors()...).
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RouteForTablesRefreshedSize,
		m.RouteForTablesCachedSize,
		m.RouteForTablesGCTimes,
		m.RouteForTablesGCItems,
		m.RouteForTablesGCTimer,
		m.WriteLatency,
		m.QueryLatency,
		m.WriteBatch,
		m.RetriesByCode,
	}
}

// ObserveGC records the outcome of one gc() pass: it counts the pass and
// its duration. items is the pass's total eviction count; it is not added to
// RouteForTablesGCItems, which the cache fills once per GC round.
func (m *Metrics) ObserveGC(items int, dur time.Duration) {
	m.RouteForTablesGCTimes.Inc()
	m.RouteForTablesGCTimer.Observe(dur.Seconds())
}
