// Package metrics provides Prometheus collectors for the messaging service and
// an HTTP metrics middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// RealtimeEvents counts events received from the realtime channel by kind.
	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Realtime events received, by kind",
		},
		[]string{"kind"},
	)

	// RealtimeResubscribes counts resubscribe attempts after a channel drop.
	RealtimeResubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_resubscribes_total",
			Help: "Realtime resubscribe attempts",
		},
	)

	// Refetches counts history re-fetches triggered by invalidations and polls.
	Refetches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_refetches_total",
			Help: "Thread history re-fetches",
		},
	)

	// StaleResponses counts fetch results discarded because another thread was
	// opened meanwhile.
	StaleResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_stale_responses_total",
			Help: "History responses dropped by the stale-response guard",
		},
	)

	// MessagesAppended counts persisted messages.
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_appended_total",
			Help: "Messages appended",
		},
	)

	// PresenceTransitions counts presence transitions by new status.
	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "presence_transitions_total",
			Help: "Presence transitions, by resulting status",
		},
		[]string{"status"},
	)

	// NotificationFailures counts push deliveries that failed for a recipient.
	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Failed per-recipient push deliveries",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records Prometheus metrics. Paths
// are labelled by the matched route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)
		next.ServeHTTP(rw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
