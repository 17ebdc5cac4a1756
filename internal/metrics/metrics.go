// Package metrics exposes Prometheus collectors for the crawl scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchesTotal            *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	robotsLookupsTotal         *prometheus.CounterVec
	frontierDroppedTotal       *prometheus.CounterVec
	frontierQueued             prometheus.Gauge
	inFlightFetches            prometheus.Gauge
	politenessFactor           prometheus.Histogram
	retriesTotal               prometheus.Counter
	ownershipRebalancesTotal   prometheus.Counter
	ownershipMembers           prometheus.Gauge
	ownershipHostsMovedTotal   prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	dispatchRateLimitSeconds   prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_dispatches_total",
				Help: "URLs whose dispatch finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Fetches completed, labeled by status class.",
			},
			[]string{"status"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies as reported by the fetch executor.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		robotsLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_refreshes_total",
				Help: "robots.txt refreshes, labeled by result.",
			},
			[]string{"result"},
		)

		frontierDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_frontier_dropped_total",
				Help: "Discovered URLs not admitted to the frontier, labeled by reason.",
			},
			[]string{"reason"},
		)

		frontierQueued = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_queued",
				Help: "URLs currently queued in the local frontier.",
			},
		)

		inFlightFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_inflight_fetches",
				Help: "Fetches currently running in the worker pool.",
			},
		)

		politenessFactor = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_politeness_factor",
				Help:    "Politeness factor observed each time a host backs off.",
				Buckets: prometheus.ExponentialBuckets(2, 2, 11),
			},
		)

		retriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "URLs re-queued after a failed or throttled fetch.",
			},
		)

		ownershipRebalancesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_ownership_rebalances_total",
				Help: "Membership changes applied to the ownership ring.",
			},
		)

		ownershipMembers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_ownership_members",
				Help: "Live nodes in the current ownership ring.",
			},
		)

		ownershipHostsMovedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_ownership_hosts_moved_total",
				Help: "Known hosts whose owner changed on this node's view of the ring.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		dispatchRateLimitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_dispatch_rate_limit_delay_seconds",
				Help:    "Delay imposed by the global dispatch limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch counts a finished dispatch.
func ObserveDispatch(outcome string) {
	Init()
	dispatchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one completed fetch.
func ObserveFetch(statusClass string, duration time.Duration) {
	Init()
	fetchesTotal.WithLabelValues(statusClass).Inc()
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveRobots counts a robots.txt refresh by result.
func ObserveRobots(result string) {
	Init()
	robotsLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveFrontierDrop counts a discovery that was not admitted.
func ObserveFrontierDrop(reason string) {
	Init()
	frontierDroppedTotal.WithLabelValues(reason).Inc()
}

// SetFrontierQueued reports the local frontier size.
func SetFrontierQueued(n int) {
	Init()
	frontierQueued.Set(float64(n))
}

// IncInFlight increments the in-flight fetch gauge.
func IncInFlight() {
	Init()
	inFlightFetches.Inc()
}

// DecInFlight decrements the in-flight fetch gauge.
func DecInFlight() {
	Init()
	inFlightFetches.Dec()
}

// ObservePolitenessFactor records a host's factor after it backed off.
func ObservePolitenessFactor(factor int) {
	Init()
	politenessFactor.Observe(float64(factor))
}

// ObserveRetry counts a re-queued URL.
func ObserveRetry() {
	Init()
	retriesTotal.Inc()
}

// ObserveRebalance records an applied membership change and how many known
// hosts moved to or from this node.
func ObserveRebalance(members, moved int) {
	Init()
	ownershipRebalancesTotal.Inc()
	ownershipMembers.Set(float64(members))
	if moved > 0 {
		ownershipHostsMovedTotal.Add(float64(moved))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a dispatch limiter wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	dispatchRateLimitSeconds.Observe(duration.Seconds())
}
