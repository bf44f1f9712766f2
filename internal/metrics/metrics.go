// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	frontierInsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_frontier_inserts_total",
			Help: "Frontier insert calls, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	frontierTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_frontier_transitions_total",
			Help: "Link state transitions persisted by the frontier, labeled by target state.",
		},
		[]string{"state"},
	)

	batchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_batches_total",
			Help: "Non-empty batches handed out by the frontier.",
		},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_batch_size",
			Help:    "Number of links per dispatched batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	fetchResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_fetch_results_total",
			Help: "Fetch results harvested, labeled by status.",
		},
		[]string{"status"},
	)

	fetchDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Histogram of fetch latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	inflightFetches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_inflight_fetches",
			Help: "Links dispatched by the crawl loop and not yet harvested.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Histogram of per-host rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	assignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_assignments_total",
			Help: "Router assignment outcomes (sent, completed, expired, orphaned, stale).",
		},
		[]string{"outcome"},
	)

	robotsFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_robots_fallbacks_total",
			Help: "robots.txt probes that timed out and fell back to allow-all.",
		},
	)

	clusterNodes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_cluster_nodes",
			Help: "Known fetcher nodes, labeled by status.",
		},
		[]string{"status"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveInsert counts a frontier insert outcome.
func ObserveInsert(outcome string) {
	frontierInsertsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts a persisted state transition.
func ObserveTransition(state string) {
	frontierTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveBatch records a non-empty batch.
func ObserveBatch(size int) {
	if size <= 0 {
		return
	}
	batchesTotal.Inc()
	batchSize.Observe(float64(size))
}

// ObserveFetch records one harvested fetch result.
func ObserveFetch(status string, duration time.Duration) {
	fetchResultsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// AddInflight moves the in-flight gauge by delta.
func AddInflight(delta int) {
	inflightFetches.Add(float64(delta))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveAssignment counts a router assignment outcome.
func ObserveAssignment(outcome string) {
	assignmentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	robotsFallbacksTotal.Inc()
}

// SetClusterNodes publishes the number of nodes per status.
func SetClusterNodes(counts map[string]int) {
	for status, n := range counts {
		clusterNodes.WithLabelValues(status).Set(float64(n))
	}
}

var httpRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crawler_http_requests_total",
		Help: "Admin API requests, labeled by method, route and status code.",
	},
	[]string{"method", "route", "code"},
)

var httpRequestDurationSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "crawler_http_request_duration_seconds",
		Help:    "Histogram of admin API latencies.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "route"},
)

// ObserveHTTPRequest records one served admin API request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

var headlessRendersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "crawler_headless_renders_total",
		Help: "Probe responses promoted to a headless render, labeled by outcome.",
	},
	[]string{"outcome"},
)

// ObserveRender counts a headless render attempt.
func ObserveRender(outcome string) {
	headlessRendersTotal.WithLabelValues(outcome).Inc()
}
