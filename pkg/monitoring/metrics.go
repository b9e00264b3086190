package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Lab order domain metrics
	ordersCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_orders_created_total",
			Help: "Total number of lab orders created",
		},
		[]string{"priority"},
	)

	resultsEnteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_results_entered_total",
			Help: "Total number of lab result sets entered",
		},
		[]string{"outcome"},
	)

	aiDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_dispatch_total",
			Help: "Total number of diagnostic engine dispatches by outcome",
		},
		[]string{"outcome"},
	)

	aiQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai_dispatch_queue_depth",
			Help: "Pending diagnostic engine dispatches",
		},
	)

	// Security metrics
	securityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Total number of detected security events by type",
		},
		[]string{"type"},
	)

	rateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Total number of rejected requests by limiter window",
		},
		[]string{"window"},
	)

	auditWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit events that could not be persisted",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		ordersCreatedTotal,
		resultsEnteredTotal,
		aiDispatchTotal,
		aiQueueDepth,
		securityEventsTotal,
		rateLimitRejectionsTotal,
		auditWriteFailuresTotal,
	)
}

// RecordHTTPRequest records metrics for a completed HTTP request
func RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordOrderCreated records a created lab order
func RecordOrderCreated(priority string) {
	ordersCreatedTotal.WithLabelValues(priority).Inc()
}

// RecordResultEntered records a result entry attempt outcome
func RecordResultEntered(outcome string) {
	resultsEnteredTotal.WithLabelValues(outcome).Inc()
}

// RecordAIDispatch records a diagnostic dispatch outcome (ok, invalid, error, dropped)
func RecordAIDispatch(outcome string) {
	aiDispatchTotal.WithLabelValues(outcome).Inc()
}

// SetAIQueueDepth reports the current dispatch queue depth
func SetAIQueueDepth(depth int) {
	aiQueueDepth.Set(float64(depth))
}

// RecordSecurityEvent records a detected security event
func RecordSecurityEvent(eventType string) {
	securityEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRateLimitRejection records a rejected request by limiter window
func RecordRateLimitRejection(window string) {
	rateLimitRejectionsTotal.WithLabelValues(window).Inc()
}

// RecordAuditWriteFailure records a failed audit persistence attempt
func RecordAuditWriteFailure() {
	auditWriteFailuresTotal.Inc()
}

// Handler returns the prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
