// Package metrics exposes Prometheus collectors for the scraper service.
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

// Request outcomes recorded by ObserveRequest.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCacheHit  = "cache_hit"
	OutcomeRetried   = "retried"
	OutcomeCancelled = "cancelled"
	OutcomeSignIn    = "sign_in"
)

var (
	scraperRequestsTotal       *prometheus.CounterVec
	scraperBytesTotal          *prometheus.CounterVec
	scraperFetchDuration       *prometheus.HistogramVec
	scraperActiveRequests      prometheus.Gauge
	scraperQueueDepth          prometheus.Gauge
	scraperRateLimitDelays     *prometheus.HistogramVec
	scraperCacheWritesTotal    *prometheus.CounterVec
	scraperRecordsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_requests_total",
				Help: "Scheduled page requests, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scraperBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		scraperFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		scraperActiveRequests = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_requests",
				Help: "Number of requests currently being fetched.",
			},
		)

		scraperQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_queue_depth",
				Help: "Number of requests waiting for a fetch slot.",
			},
		)

		scraperRateLimitDelays = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		scraperCacheWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_cache_writes_total",
				Help: "Cache writes, labeled by result.",
			},
			[]string{"result"},
		)

		scraperRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_records_total",
				Help: "Assembled records, labeled by kind (order, transaction).",
			},
			[]string{"kind"},
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
	Init()
	return promhttp.Handler()
}

// ObserveRequest counts a scheduled request outcome.
func ObserveRequest(rawURL, outcome string) {
	Init()
	scraperRequestsTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveFetch records fetch latency and payload size.
func ObserveFetch(rawURL string, bytesFetched int, duration time.Duration) {
	Init()
	site := SanitizeSite(rawURL)
	scraperFetchDuration.WithLabelValues(site).Observe(duration.Seconds())
	if bytesFetched > 0 {
		scraperBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// SetQueueDepth publishes the current queue length.
func SetQueueDepth(n int) {
	Init()
	scraperQueueDepth.Set(float64(n))
}

// IncActiveRequests increments the in-flight gauge.
func IncActiveRequests() {
	Init()
	scraperActiveRequests.Inc()
}

// DecActiveRequests decrements the in-flight gauge.
func DecActiveRequests() {
	Init()
	scraperActiveRequests.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scraperRateLimitDelays.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveCacheWrite counts a cache write by result ("ok" or "error").
func ObserveCacheWrite(ok bool) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	scraperCacheWritesTotal.WithLabelValues(result).Inc()
}

// ObserveRecords counts assembled orders or transactions.
func ObserveRecords(kind string, n int) {
	Init()
	if n > 0 {
		scraperRecordsTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
