package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cpoullain/climate-trends-service/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Response body size. Watch for: oversized aggregation payloads.
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Open-data catalog download rate. Watch for: error vs success ratio on reloads.
	CatalogFetchesTotal *prometheus.CounterVec

	// Catalog download latency. Watch for: p95 > 2s (portal degradation).
	CatalogFetchDuration *prometheus.HistogramVec

	// Retry attempts for catalog downloads. Watch for: high retries = unstable portal.
	CatalogRetriesTotal prometheus.Counter

	// Dataset loads by source and outcome. A failed load leaves the placeholder state.
	DatasetLoadsTotal *prometheus.CounterVec

	// Dataset load latency by source.
	DatasetLoadDuration *prometheus.HistogramVec

	// Rows held by the current snapshot. Zero means placeholder state.
	SnapshotObservations prometheus.Gauge
	SnapshotStations     prometheus.Gauge

	// Total trend queries. Watch for: traffic volume, rate() for QPS.
	TrendQueriesTotal prometheus.Counter

	// Trend queries by climate variable (fixed set; unknown values use "other").
	TrendQueriesByVariableTotal *prometheus.CounterVec

	// Aggregation compute latency (cache misses only).
	AggregationDuration prometheus.Histogram

	// Join records dropped for lack of station metadata. Watch for: stale station table.
	UnmatchedStationsTotal prometheus.Counter

	// Cache hits by cache type. Hit rate = hits/(hits+misses).
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend failures by operation and kind (timeout, connection, unknown).
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency by operation and outcome.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Concurrent misses for the same key. Watch for: hot queries after a reload.
	CacheStampedeDetectedTotal prometheus.Counter
	CacheStampedeConcurrency   prometheus.Histogram

	// Requests that reused an in-flight computation instead of starting their own.
	RequestCoalescingHitsTotal   prometheus.Counter
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Startup cache prewarm outcomes.
	CachePrewarmTotal           prometheus.Counter
	CachePrewarmErrorsTotal     prometheus.Counter
	CachePrewarmDurationSeconds prometheus.Histogram

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// In-flight requests observed at shutdown.
	shutdownInFlight prometheus.Gauge

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	HTTPResponseSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpResponseSizeBytes",
			Help:    "HTTP response body size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"route"},
	)
	CatalogFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogFetchesTotal",
			Help: "Total number of open-data catalog downloads",
		},
		[]string{"status"},
	)
	CatalogFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogFetchDurationSeconds",
			Help:    "Catalog download latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	CatalogRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogRetriesTotal",
			Help: "Total number of retry attempts for catalog downloads",
		},
	)
	DatasetLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datasetLoadsTotal",
			Help: "Dataset loads by source and outcome",
		},
		[]string{"source", "status"},
	)
	DatasetLoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datasetLoadDurationSeconds",
			Help:    "Dataset load latency in seconds by source",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)
	SnapshotObservations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshotObservations",
			Help: "Observation rows held by the current snapshot (0 = placeholder state)",
		},
	)
	SnapshotStations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshotStations",
			Help: "Station rows held by the current snapshot",
		},
	)
	TrendQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trendQueriesTotal",
			Help: "Total number of trend aggregation queries",
		},
	)
	TrendQueriesByVariableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendQueriesByVariableTotal",
			Help: "Trend queries by climate variable (unknown values use variable=other)",
		},
		[]string{"variable"},
	)
	AggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aggregationDurationSeconds",
			Help:    "Trend aggregation compute latency in seconds (cache misses only)",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
	UnmatchedStationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unmatchedStationsTotal",
			Help: "Join records dropped because their station has no metadata",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of cache hits. Hit rate = hits/(hits+misses).",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend failures by operation and error kind",
		},
		[]string{"operation", "kind"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "status"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Times more than one request missed the same cache key concurrently",
		},
	)
	CacheStampedeConcurrency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent miss count observed when a stampede is detected",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests served by waiting on an in-flight identical computation",
		},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting on a coalesced computation",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5},
		},
	)
	CachePrewarmTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachePrewarmTotal",
			Help: "Startup cache prewarm runs",
		},
	)
	CachePrewarmErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cachePrewarmErrorsTotal",
			Help: "Startup cache prewarm runs that had at least one failed query",
		},
	)
	CachePrewarmDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cachePrewarmDurationSeconds",
			Help:    "Startup cache prewarm duration in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	shutdownInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests observed when graceful shutdown started",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight, HTTPResponseSizeBytes,
		CatalogFetchesTotal, CatalogFetchDuration, CatalogRetriesTotal,
		DatasetLoadsTotal, DatasetLoadDuration, SnapshotObservations, SnapshotStations,
		TrendQueriesTotal, TrendQueriesByVariableTotal, AggregationDuration,
		UnmatchedStationsTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		CachePrewarmTotal, CachePrewarmErrorsTotal, CachePrewarmDurationSeconds,
		RateLimitDeniedTotal, shutdownInFlight,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load. Uses the same sliding window as the health handler.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited paths in the sliding window; load/capacity planning",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the sliding window; are we rejecting requests",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordTrendQuery records one trend query for the given variable. The
// variable set is fixed; anything else is folded into "other" to keep the
// label bounded.
func RecordTrendQuery(variable string) {
	TrendQueriesTotal.Inc()
	v := strings.ToUpper(strings.TrimSpace(variable))
	switch v {
	case "TN", "TX", "RR", "IN":
		TrendQueriesByVariableTotal.WithLabelValues(v).Inc()
	default:
		TrendQueriesByVariableTotal.WithLabelValues("other").Inc()
	}
}

// RecordShutdownInFlight records the in-flight count observed at shutdown.
func RecordShutdownInFlight(count int64) {
	shutdownInFlight.Set(float64(count))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
