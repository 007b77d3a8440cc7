// Package metrics exposes Prometheus collectors for the crawler service.
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
	crawlerFetchesTotal        *prometheus.CounterVec
	crawlerFetchDuration       *prometheus.HistogramVec
	crawlerLinkChecksTotal     *prometheus.CounterVec
	crawlerJobsTotal           *prometheus.CounterVec
	crawlerActiveWorkers       prometheus.Gauge
	crawlerBulkActionsTotal    *prometheus.CounterVec
	crawlerRateLimitDelay      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every observer calls it.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of primary page fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of primary fetch latencies, labeled by outcome.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		crawlerLinkChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_link_checks_total",
				Help: "Total number of link probes, labeled by outcome (ok or broken).",
			},
			[]string{"outcome"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of job runs finished, labeled by run outcome.",
			},
			[]string{"outcome"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		crawlerBulkActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bulk_actions_total",
				Help: "Total number of per-job bulk commands, labeled by action and outcome.",
			},
			[]string{"action", "outcome"},
		)

		crawlerRateLimitDelay = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Histogram of time link probes spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
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

// ObserveFetch records a primary fetch outcome and its latency.
func ObserveFetch(site string, outcome string, duration time.Duration) {
	Init()
	crawlerFetchesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
	crawlerFetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveLinkCheck increments the link probe counter.
func ObserveLinkCheck(outcome string) {
	Init()
	crawlerLinkChecksTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob increments the run counter for the given outcome.
func ObserveJob(outcome string) {
	Init()
	crawlerJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBulkAction increments the bulk command counter.
func ObserveBulkAction(action, outcome string) {
	Init()
	crawlerBulkActionsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveRateLimitDelay records a wait imposed by the per-host limiter.
func ObserveRateLimitDelay(delay time.Duration) {
	Init()
	crawlerRateLimitDelay.Observe(delay.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}
