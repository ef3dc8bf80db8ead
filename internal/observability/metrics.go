package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
	pollAttemptBuckets     = []float64{1, 2, 5, 10, 15, 20, 30, 60}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowTransitionsTotal     *prometheus.CounterVec
	WorkflowPersistFailuresTotal *prometheus.CounterVec
	WorkflowActiveSessions       prometheus.Gauge

	// Ideation metrics
	IdeationRequestsTotal *prometheus.CounterVec
	IdeationPollAttempts  prometheus.Histogram
	IdeationTimeoutsTotal prometheus.Counter

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec
	BackendRetriesTotal        *prometheus.CounterVec

	// Publishing metrics
	PublishesTotal       *prometheus.CounterVec
	TokenRefreshesTotal  *prometheus.CounterVec
	ProfileFallbackTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcraft_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postcraft_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postcraft_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postcraft_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcraft_workflow_transitions_total",
			Help: "Total number of workflow stage transitions.",
		}, []string{"from", "to"}),
		WorkflowPersistFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcraft_workflow_persist_failures_total",
			Help: "Total number of failed workflow state writes.",
		}, []string{"operation"}),
		WorkflowActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postcraft_workflow_active_sessions",
			Help: "Number of open workflow coordinator sessions.",
		}),

		// Ideation
		IdeationRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcraft_ideation_requests_total",
			Help: "Total number of ideation conversations by outcome.",
		}, []string{"outcome"}),
		IdeationPollAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postcraft_ideation_poll_attempts",
			Help:    "Number of result polls before an ideation answer arrived.",
			Buckets: pollAttemptBuckets,
		}),
		IdeationTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postcraft_ideation_timeouts_total",
			Help: "Total number of ideation polls that exhausted their attempts.",
		}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcraft_backend_requests_total",
			Help: "Total number of outbound service requests.",
		}, []string{"service_id", "operation", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postcraft_backend_request_duration_seconds",
			Help:    "Outbound request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"service_id"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postcraft_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service_id"}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcraft_backend_retries_total",
			Help: "Total number of outbound request retries.",
		}, []string{"service_id"}),

		// Publishing
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcraft_publishes_total",
			Help: "Total number of LinkedIn publish attempts.",
		}, []string{"trigger", "status"}),
		TokenRefreshesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postcraft_token_refreshes_total",
			Help: "Total number of OAuth token refreshes.",
		}, []string{"status"}),
		ProfileFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postcraft_profile_fallback_total",
			Help: "Total number of profile loads served by the default profile.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.WorkflowTransitionsTotal,
		m.WorkflowPersistFailuresTotal,
		m.WorkflowActiveSessions,
		// Ideation
		m.IdeationRequestsTotal,
		m.IdeationPollAttempts,
		m.IdeationTimeoutsTotal,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// Publishing
		m.PublishesTotal,
		m.TokenRefreshesTotal,
		m.ProfileFallbackTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowTransition records a stage change. An empty from means the
// session had no workflow.
func (m *Metrics) RecordWorkflowTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	if to == "" {
		to = "none"
	}
	m.WorkflowTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordWorkflowPersistFailure records a failed save or delete.
func (m *Metrics) RecordWorkflowPersistFailure(operation string) {
	m.WorkflowPersistFailuresTotal.WithLabelValues(operation).Inc()
}

// SetWorkflowActiveSessions sets the open session gauge.
func (m *Metrics) SetWorkflowActiveSessions(n int) {
	m.WorkflowActiveSessions.Set(float64(n))
}

// RecordIdeationOutcome records how an ideation conversation ended:
// answered, acknowledged, timeout, cancelled or error.
func (m *Metrics) RecordIdeationOutcome(outcome string) {
	m.IdeationRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordIdeationPolls records the number of polls it took to get an answer.
func (m *Metrics) RecordIdeationPolls(attempts int) {
	m.IdeationPollAttempts.Observe(float64(attempts))
}

// RecordIdeationTimeout records an exhausted poll loop.
func (m *Metrics) RecordIdeationTimeout() {
	m.IdeationTimeoutsTotal.Inc()
}

// RecordBackendRequest records an outbound service request.
func (m *Metrics) RecordBackendRequest(serviceID, operation string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(serviceID, operation, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(serviceID string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(serviceID).Set(state)
}

// RecordBackendRetry records an outbound request retry.
func (m *Metrics) RecordBackendRetry(serviceID string) {
	m.BackendRetriesTotal.WithLabelValues(serviceID).Inc()
}

// RecordPublish records a publish attempt. Trigger is now or schedule.
func (m *Metrics) RecordPublish(trigger, status string) {
	m.PublishesTotal.WithLabelValues(trigger, status).Inc()
}

// RecordTokenRefresh records an OAuth refresh attempt.
func (m *Metrics) RecordTokenRefresh(status string) {
	m.TokenRefreshesTotal.WithLabelValues(status).Inc()
}

// RecordProfileFallback records a profile load served by the default profile.
func (m *Metrics) RecordProfileFallback() {
	m.ProfileFallbackTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler bound to a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
