// Package metrics exposes Prometheus collectors for the shared-pages service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheLookupsTotal          *prometheus.CounterVec
	cacheErrorsTotal           *prometheus.CounterVec
	registryTransitionsTotal   *prometheus.CounterVec
	classifiedRecordsTotal     *prometheus.CounterVec
	classifyDurationSeconds    prometheus.Histogram
	linksInsertedTotal         prometheus.Counter
	accessChecksTotal          *prometheus.CounterVec
	sweeperActionsTotal        *prometheus.CounterVec
	dispatchedTotal            *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_cache_lookups_total",
				Help: "Cache lookups, labeled by key space and hit/miss.",
			},
			[]string{"space", "result"},
		)

		cacheErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_cache_errors_total",
				Help: "Cache backend failures that were swallowed, labeled by operation.",
			},
			[]string{"op"},
		)

		registryTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_registry_transitions_total",
				Help: "Registry status transitions, labeled by target status and result.",
			},
			[]string{"to", "result"},
		)

		classifiedRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_classified_records_total",
				Help: "Classified archive records, labeled by bucket.",
			},
			[]string{"bucket"},
		)

		classifyDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sharedpages_classify_duration_seconds",
				Help:    "Histogram of batch classification latencies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		linksInsertedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sharedpages_links_inserted_total",
				Help: "Project/page associations newly inserted.",
			},
		)

		accessChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_access_checks_total",
				Help: "Per-page access decisions, labeled by result.",
			},
			[]string{"result"},
		)

		sweeperActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_sweeper_actions_total",
				Help: "Registry entries touched by the liveness sweeper, labeled by action.",
			},
			[]string{"action"},
		)

		dispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_dispatched_total",
				Help: "Fetch requests handed to the fetcher, labeled by backend and status.",
			},
			[]string{"backend", "status"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_fetches_total",
				Help: "Snapshot fetches performed by the built-in worker, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_fetch_bytes_total",
				Help: "Bytes fetched by the built-in worker, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sharedpages_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route pattern and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sharedpages_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sharedpages_active_workers",
				Help: "Number of workers currently processing a fetch.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sharedpages_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCacheLookup records hits and misses for one key space.
func ObserveCacheLookup(space string, hits, misses int) {
	Init()
	if hits > 0 {
		cacheLookupsTotal.WithLabelValues(space, "hit").Add(float64(hits))
	}
	if misses > 0 {
		cacheLookupsTotal.WithLabelValues(space, "miss").Add(float64(misses))
	}
}

// ObserveCacheError counts a swallowed cache backend failure.
func ObserveCacheError(op string) {
	Init()
	cacheErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveTransition counts a registry transition attempt.
func ObserveTransition(to string, applied bool) {
	Init()
	result := "applied"
	if !applied {
		result = "conflict"
	}
	registryTransitionsTotal.WithLabelValues(to, result).Inc()
}

// ObserveTransitions counts the outcome of a bulk registry transition.
func ObserveTransitions(to string, applied, conflicts int) {
	Init()
	if applied > 0 {
		registryTransitionsTotal.WithLabelValues(to, "applied").Add(float64(applied))
	}
	if conflicts > 0 {
		registryTransitionsTotal.WithLabelValues(to, "conflict").Add(float64(conflicts))
	}
}

// ObserveClassified adds n records to a classification bucket.
func ObserveClassified(bucket string, n int) {
	Init()
	if n > 0 {
		classifiedRecordsTotal.WithLabelValues(bucket).Add(float64(n))
	}
}

// ObserveClassifyDuration records how long one batch took.
func ObserveClassifyDuration(d time.Duration) {
	Init()
	classifyDurationSeconds.Observe(d.Seconds())
}

// ObserveLinksInserted adds newly created associations.
func ObserveLinksInserted(n int) {
	Init()
	if n > 0 {
		linksInsertedTotal.Add(float64(n))
	}
}

// ObserveAccessChecks records allowed and denied page decisions.
func ObserveAccessChecks(allowed, denied int) {
	Init()
	if allowed > 0 {
		accessChecksTotal.WithLabelValues("allowed").Add(float64(allowed))
	}
	if denied > 0 {
		accessChecksTotal.WithLabelValues("denied").Add(float64(denied))
	}
}

// ObserveSweep counts entries handled by one sweeper action.
func ObserveSweep(action string, n int) {
	Init()
	if n > 0 {
		sweeperActionsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// ObserveDispatch counts fetch requests handed to a dispatcher backend.
func ObserveDispatch(backend string, n int, err error) {
	Init()
	status := "ok"
	if err != nil {
		status = "error"
	}
	dispatchedTotal.WithLabelValues(backend, status).Add(float64(n))
}

// ObserveFetch increments the snapshot fetch metrics.
func ObserveFetch(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
