// Package metrics exposes Prometheus collectors for the spider service.
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
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	robotsTLSHandshakeTimeouts prometheus.Counter
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	headlessPromotionsTotal    prometheus.Counter
	contactsFoundTotal         *prometheus.CounterVec
	llmRequestsTotal           *prometheus.CounterVec
	llmRequestDurationSeconds  prometheus.Histogram
	reportsWrittenTotal        *prometheus.CounterVec
	queueDepth                 prometheus.Gauge

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_pages_total",
				Help: "Total number of pages fetched, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)

		robotsTLSHandshakeTimeouts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spider_robots_tls_handshake_timeout_total",
				Help: "TLS handshake timeouts encountered while fetching robots.txt.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_jobs_total",
				Help: "Jobs that reached a status, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_job_duration_seconds",
				Help:    "Wall time of finished jobs, labeled by kind.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spider_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spider_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spider_headless_promotions_total",
				Help: "Probe fetches promoted to the headless browser.",
			},
		)

		contactsFoundTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_contacts_found_total",
				Help: "Contact details extracted, labeled by type.",
			},
			[]string{"type"},
		)

		llmRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_llm_requests_total",
				Help: "Qualification requests sent to the LLM, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		llmRequestDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spider_llm_request_duration_seconds",
				Help:    "Latency of LLM qualification calls.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		reportsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spider_reports_written_total",
				Help: "CSV reports written, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "spider_queue_depth",
				Help: "Jobs accepted but not yet picked up by a worker.",
			},
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

// ObserveFetch records one fetched page.
func ObserveFetch(site string, statusCode int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(statusCode)).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRobotsTLSHandshakeTimeout increments the robots.txt handshake timeout counter.
func ObserveRobotsTLSHandshakeTimeout() {
	Init()
	robotsTLSHandshakeTimeouts.Inc()
}

// ObserveJob records a job reaching status.
func ObserveJob(kind, status string) {
	Init()
	jobsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveJobDuration records how long a finished job ran.
func ObserveJobDuration(kind string, duration time.Duration) {
	Init()
	jobDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
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

// ObserveHeadlessPromotion counts a probe promoted to headless.
func ObserveHeadlessPromotion() {
	Init()
	headlessPromotionsTotal.Inc()
}

// ObserveContacts adds the number of emails, phones and social links found.
func ObserveContacts(emails, phones, socials int) {
	Init()
	contactsFoundTotal.WithLabelValues("email").Add(float64(emails))
	contactsFoundTotal.WithLabelValues("phone").Add(float64(phones))
	contactsFoundTotal.WithLabelValues("social").Add(float64(socials))
}

// ObserveLLMRequest records one qualification call.
func ObserveLLMRequest(outcome string, duration time.Duration) {
	Init()
	llmRequestsTotal.WithLabelValues(outcome).Inc()
	llmRequestDurationSeconds.Observe(duration.Seconds())
}

// ObserveReport records a report write attempt.
func ObserveReport(outcome string) {
	Init()
	reportsWrittenTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records how many jobs are waiting for a worker.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}
