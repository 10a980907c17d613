package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Admission pipeline metrics
	AdmissionRejectedTotal *prometheus.CounterVec
	GenerationsTotal       *prometheus.CounterVec
	GenerationDuration     *prometheus.HistogramVec

	// Settlement metrics
	CreditsDeductedTotal *prometheus.CounterVec
	RefundsTotal         *prometheus.CounterVec

	// Result cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Provider metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "stylemirror"
	}

	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		AdmissionRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "admission",
				Name:      "rejected_total",
				Help:      "Requests rejected before billable work, by gate",
			},
			[]string{"action", "reason"}, // reason: blocked, signature, rate_limited, service_busy, credits
		),
		GenerationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "requests_total",
				Help:      "Total number of generation requests admitted",
			},
			[]string{"action", "status"}, // status: success, failed, cached
		),
		GenerationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "generation",
				Name:      "duration_seconds",
				Help:      "End-to-end generation duration in seconds",
				Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"action"},
		),

		CreditsDeductedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credits",
				Name:      "deducted_total",
				Help:      "Total credits deducted",
			},
			[]string{"action"},
		),
		RefundsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "credits",
				Name:      "refunds_total",
				Help:      "Total credit refunds, by cause",
			},
			[]string{"action", "cause"}, // cause: cache_hit, failure
		),

		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of result cache hits",
			},
			[]string{"action"},
		),
		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of result cache misses",
			},
			[]string{"action"},
		),

		ProviderRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "requests_total",
				Help:      "Total number of provider calls",
			},
			[]string{"action", "status"},
		),
		ProviderRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "request_duration_seconds",
				Help:      "Provider call duration in seconds, polling included",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"action"},
		),
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := statusCodeToString(status)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRejection records an admission rejection.
func (m *Metrics) RecordRejection(action, reason string) {
	m.AdmissionRejectedTotal.WithLabelValues(action, reason).Inc()
}

// RecordGeneration records a completed generation attempt.
func (m *Metrics) RecordGeneration(action, status string, duration time.Duration) {
	m.GenerationsTotal.WithLabelValues(action, status).Inc()
	m.GenerationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordDeduction records a credit deduction.
func (m *Metrics) RecordDeduction(action string, credits int64) {
	m.CreditsDeductedTotal.WithLabelValues(action).Add(float64(credits))
}

// RecordRefund records a credit refund.
func (m *Metrics) RecordRefund(action, cause string, credits int64) {
	m.RefundsTotal.WithLabelValues(action, cause).Add(float64(credits))
}

// RecordCacheHit records a result cache hit.
func (m *Metrics) RecordCacheHit(action string) {
	m.CacheHitsTotal.WithLabelValues(action).Inc()
}

// RecordCacheMiss records a result cache miss.
func (m *Metrics) RecordCacheMiss(action string) {
	m.CacheMissesTotal.WithLabelValues(action).Inc()
}

// RecordProviderRequest records a provider call outcome.
func (m *Metrics) RecordProviderRequest(action, status string, duration time.Duration) {
	m.ProviderRequestsTotal.WithLabelValues(action, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
