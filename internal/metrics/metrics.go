package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushreg_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushreg_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushreg_registrations_total",
			Help: "Subscription registrations by result",
		},
		[]string{"result"},
	)

	unregistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushreg_unregistrations_total",
			Help: "Unregister calls by whether a subscription was removed",
		},
		[]string{"removed"},
	)

	tokensRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushreg_tokens_removed_total",
			Help: "Subscriptions removed by token across all partitions",
		},
	)

	expiredSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushreg_expired_swept_total",
			Help: "Expired subscriptions removed while serving reads",
		},
	)

	storeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushreg_store_operation_duration_seconds",
			Help:    "Store operation latency by operation and outcome",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"operation", "outcome"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushreg_cache_lookups_total",
			Help: "Subscription cache lookups by result",
		},
		[]string{"result"},
	)

	cacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushreg_cache_invalidations_total",
			Help: "Subscription cache invalidations by scope",
		},
		[]string{"scope"},
	)

	feedbackProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushreg_feedback_processed_total",
			Help: "Token feedback messages processed by status",
		},
		[]string{"status"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushreg_sqs_messages_in_flight",
			Help: "Current feedback messages being processed from SQS",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushreg_events_published_total",
			Help: "Registry events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushreg_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"context_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pushreg_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRegistration records the outcome of a register call
func RecordRegistration(result string) {
	registrations.WithLabelValues(result).Inc()
}

// RecordUnregistration records an unregister call
func RecordUnregistration(removed bool) {
	unregistrations.WithLabelValues(strconv.FormatBool(removed)).Inc()
}

// RecordTokensRemoved records subscriptions removed by a token sweep
func RecordTokensRemoved(count int) {
	tokensRemoved.Add(float64(count))
}

// RecordExpiredSwept records expired subscriptions removed during reads
func RecordExpiredSwept(count int) {
	expiredSwept.Add(float64(count))
}

// ObserveStoreOperation records how long a store call took
func ObserveStoreOperation(operation string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	storeDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

func RecordCacheHit() {
	cacheLookups.WithLabelValues("hit").Inc()
}

func RecordCacheMiss() {
	cacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheInvalidation records why cached collections were dropped
func RecordCacheInvalidation(scope string) {
	cacheInvalidations.WithLabelValues(scope).Inc()
}

// RecordFeedbackProcessed records a processed feedback message
func RecordFeedbackProcessed(status string) {
	feedbackProcessed.WithLabelValues(status).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordEventPublished records a registry event publish attempt
func RecordEventPublished(eventType, outcome string) {
	eventsPublished.WithLabelValues(eventType, outcome).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(contextID string) {
	rateLimitRejections.WithLabelValues(contextID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by route pattern so path parameters don't
// blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
