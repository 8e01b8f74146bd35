package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests against the façade
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks façade request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acpbridge_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently active ACP sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acpbridge_active_sessions",
			Help: "Number of active ACP sessions",
		},
	)

	// SessionDuration tracks how long sessions run from new_session to teardown
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acpbridge_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// LineDropsTotal counts lines dropped at a backpressure boundary,
	// labeled by direction so operators can tell a slow HTTP client from a
	// stalled agent pipe.
	LineDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_line_drops_total",
			Help: "Total number of JSON-RPC lines dropped due to a full channel",
		},
		[]string{"direction"},
	)

	// ToolCalls tracks terminal tool-call status outcomes
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_tool_calls_total",
			Help: "Total number of terminal tool-call outcomes",
		},
		[]string{"tool", "status"},
	)

	// PermissionDecisions tracks permission arbiter outcomes
	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_permission_decisions_total",
			Help: "Total number of permission decisions by outcome",
		},
		[]string{"decision"},
	)

	// BinaryStoreInstalls tracks binary store resolution outcomes
	BinaryStoreInstalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpbridge_binary_store_installs_total",
			Help: "Total number of binary store resolution outcomes",
		},
		[]string{"outcome"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch {
	case path == "/health" || path == "/metrics" || path == "/acp/session":
		return path
	case strings.HasPrefix(path, "/acp/session/") && strings.HasSuffix(path, "/message"):
		return "/acp/session/{id}/message"
	case strings.HasPrefix(path, "/acp/session/") && strings.HasSuffix(path, "/stream"):
		return "/acp/session/{id}/stream"
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active-session gauge
func RecordSessionStart() {
	ActiveSessions.Inc()
}

// RecordSessionEnd decrements the active-session gauge and records duration
func RecordSessionEnd(status string, durationSeconds float64) {
	ActiveSessions.Dec()
	SessionDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordToolCall records a terminal tool-call outcome
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordLineDrop records a backpressure-dropped line
func RecordLineDrop(direction string) {
	LineDropsTotal.WithLabelValues(direction).Inc()
}

// RecordPermissionDecision records a terminal permission decision
func RecordPermissionDecision(decision string) {
	PermissionDecisions.WithLabelValues(decision).Inc()
}

// RecordBinaryStoreOutcome records a binary store resolution outcome (cache_hit, installed, or a
// failure stage such as fetch_error, download_error, checksum_mismatch, extract_error, install_error)
func RecordBinaryStoreOutcome(outcome string) {
	BinaryStoreInstalls.WithLabelValues(outcome).Inc()
}
