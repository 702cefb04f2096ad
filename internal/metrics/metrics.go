// Package metrics exposes Prometheus collectors for the discovery service.
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

// Discovery outcomes recorded by ObserveDiscovery.
const (
	OutcomeMissingInput   = "missing_input"
	OutcomeNormalizeError = "normalize_error"
	OutcomeStoreError     = "store_error"
	OutcomeCacheHit       = "cache_hit"
	OutcomeCrawlFound     = "crawl_found"
	OutcomeNotFound       = "not_found"
	OutcomeInterrupted    = "interrupted"
)

// Fetch results recorded by ObserveFetch.
const (
	FetchOK         = "ok"
	FetchError      = "fetch_error"
	FetchParseError = "parse_error"
)

var (
	discoveryTotal             *prometheus.CounterVec
	discoveryDurationSeconds   prometheus.Histogram
	fetchTotal                 *prometheus.CounterVec
	recordsSavedTotal          *prometheus.CounterVec
	authorCrawlsTotal          *prometheus.CounterVec
	permalinksSkippedTotal     prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	targetChecksTotal          *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		discoveryTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posse_discovery_total",
				Help: "Total number of discovery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		discoveryDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "posse_discovery_duration_seconds",
				Help:    "Histogram of end-to-end discovery latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posse_fetch_total",
				Help: "Total number of crawl fetches, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		recordsSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posse_records_saved_total",
				Help: "Total number of SyndicatedPost records written, labeled by kind.",
			},
			[]string{"kind"},
		)

		authorCrawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posse_author_crawls_total",
				Help: "Total number of author crawls, labeled by result.",
			},
			[]string{"result"},
		)

		permalinksSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "posse_permalinks_skipped_total",
				Help: "Permalinks skipped because a record for them already exists.",
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

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "posse_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		targetChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "posse_target_checks_total",
				Help: "Author URL admission checks, labeled by result.",
			},
			[]string{"result"},
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

// ObserveDiscovery records the outcome and latency of one discovery attempt.
func ObserveDiscovery(outcome string, duration time.Duration) {
	Init()
	discoveryTotal.WithLabelValues(outcome).Inc()
	discoveryDurationSeconds.Observe(duration.Seconds())
}

// ObserveFetch records one crawl fetch for a stage ("author", "feed", "permalink").
func ObserveFetch(stage, result string) {
	Init()
	fetchTotal.WithLabelValues(stage, result).Inc()
}

// ObserveRecordSaved records a store write of the given kind.
func ObserveRecordSaved(kind string) {
	Init()
	recordsSavedTotal.WithLabelValues(kind).Inc()
}

// ObserveAuthorCrawl records whether an author crawl ran or was skipped.
func ObserveAuthorCrawl(result string) {
	Init()
	authorCrawlsTotal.WithLabelValues(result).Inc()
}

// ObservePermalinkSkipped increments the already-processed permalink counter.
func ObservePermalinkSkipped() {
	Init()
	permalinksSkippedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records how long a fetch waited on the limiter for site.
func ObserveRateLimitDelay(site string, delay time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(delay.Seconds())
}

// ObserveTargetCheck records an author URL admission decision.
func ObserveTargetCheck(result string) {
	Init()
	targetChecksTotal.WithLabelValues(result).Inc()
}
