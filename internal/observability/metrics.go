package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	remoteDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metrics holds all Prometheus metric instruments for surveysync. Every
// recording method is safe to call on a nil *Metrics.
type Metrics struct {
	// Agent HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Remote invocation metrics
	RemoteRequestsTotal    *prometheus.CounterVec
	RemoteRequestDuration  *prometheus.HistogramVec
	RemoteRetriesTotal     *prometheus.CounterVec
	EndpointFallbacksTotal *prometheus.CounterVec
	CircuitBreakerState    prometheus.Gauge

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Offline queue metrics
	QueueDepth         prometheus.Gauge
	QueueEnqueuedTotal prometheus.Counter
	QueueReplayTotal   *prometheus.CounterVec

	// Engine metrics
	ConflictsTotal          *prometheus.CounterVec
	AutosavesTotal          *prometheus.CounterVec
	SubmissionsTotal        *prometheus.CounterVec
	ValidationFailuresTotal *prometheus.CounterVec
	NormalizedShapesTotal   *prometheus.CounterVec

	// Definition metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_http_requests_total",
			Help: "Total number of agent HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "surveysync_http_request_duration_seconds",
			Help:    "Agent HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Remote
		RemoteRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_remote_requests_total",
			Help: "Total number of survey service requests, one per attempt.",
		}, []string{"operation", "status"}),
		RemoteRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "surveysync_remote_request_duration_seconds",
			Help:    "Survey service operation duration in seconds, retries included.",
			Buckets: remoteDurationBuckets,
		}, []string{"operation"}),
		RemoteRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_remote_retries_total",
			Help: "Total number of survey service request retries.",
		}, []string{"operation"}),
		EndpointFallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_endpoint_fallbacks_total",
			Help: "Total number of moves to a fallback endpoint candidate.",
		}, []string{"kind"}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surveysync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Cache
		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_cache_hits_total",
			Help: "Total cache hits.",
		}, []string{"cache"}),
		CacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_cache_misses_total",
			Help: "Total cache misses.",
		}, []string{"cache"}),

		// Queue
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surveysync_queue_depth",
			Help: "Number of writes waiting in the offline queue.",
		}),
		QueueEnqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "surveysync_queue_enqueued_total",
			Help: "Total number of writes queued while offline.",
		}),
		QueueReplayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_queue_replay_total",
			Help: "Total number of replayed writes by result.",
		}, []string{"result"}),

		// Engine
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_conflicts_total",
			Help: "Total number of save conflicts by result.",
		}, []string{"result"}),
		AutosavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_autosaves_total",
			Help: "Total number of autosave attempts by result.",
		}, []string{"survey_type", "result"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_submissions_total",
			Help: "Total number of survey submissions by result.",
		}, []string{"survey_type", "result"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_validation_failures_total",
			Help: "Total number of failed section validations.",
		}, []string{"survey_type"}),
		NormalizedShapesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_normalized_shapes_total",
			Help: "Total number of normalized response payloads by detected shape.",
		}, []string{"shape"}),

		// Definitions
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "surveysync_definition_reload_total",
			Help: "Total local definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "surveysync_definitions_loaded",
			Help: "Number of loaded local survey definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Remote
		m.RemoteRequestsTotal,
		m.RemoteRequestDuration,
		m.RemoteRetriesTotal,
		m.EndpointFallbacksTotal,
		m.CircuitBreakerState,
		// Cache
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		// Queue
		m.QueueDepth,
		m.QueueEnqueuedTotal,
		m.QueueReplayTotal,
		// Engine
		m.ConflictsTotal,
		m.AutosavesTotal,
		m.SubmissionsTotal,
		m.ValidationFailuresTotal,
		m.NormalizedShapesTotal,
		// Definitions
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records agent HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordRemoteAttempt records one attempt against the survey service. A zero
// status means the attempt never received a response.
func (m *Metrics) RecordRemoteAttempt(operation string, status int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(status)
	if status == 0 {
		label = "error"
	}
	m.RemoteRequestsTotal.WithLabelValues(operation, label).Inc()
}

// RecordRemoteDuration records the total duration of one executed operation.
func (m *Metrics) RecordRemoteDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RemoteRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRemoteRetry records a survey service request retry.
func (m *Metrics) RecordRemoteRetry(operation string) {
	if m == nil {
		return
	}
	m.RemoteRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordEndpointFallback records a move to the next endpoint candidate.
func (m *Metrics) RecordEndpointFallback(kind string) {
	if m == nil {
		return
	}
	m.EndpointFallbacksTotal.WithLabelValues(kind).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Set(state)
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// SetQueueDepth sets the number of queued writes.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// RecordEnqueue records a write queued while offline.
func (m *Metrics) RecordEnqueue() {
	if m == nil {
		return
	}
	m.QueueEnqueuedTotal.Inc()
}

// RecordReplay records the result of one replayed write.
func (m *Metrics) RecordReplay(result string) {
	if m == nil {
		return
	}
	m.QueueReplayTotal.WithLabelValues(result).Inc()
}

// RecordConflict records a save conflict and how it ended.
func (m *Metrics) RecordConflict(result string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(result).Inc()
}

// RecordAutosave records an autosave attempt.
func (m *Metrics) RecordAutosave(surveyType, result string) {
	if m == nil {
		return
	}
	m.AutosavesTotal.WithLabelValues(surveyType, result).Inc()
}

// RecordSubmission records a survey submission attempt.
func (m *Metrics) RecordSubmission(surveyType, result string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(surveyType, result).Inc()
}

// RecordValidationFailure records a failed section validation.
func (m *Metrics) RecordValidationFailure(surveyType string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(surveyType).Inc()
}

// RecordNormalizedShape records the detected shape of a response payload.
func (m *Metrics) RecordNormalizedShape(shape string) {
	if m == nil {
		return
	}
	m.NormalizedShapesTotal.WithLabelValues(shape).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.RecordHTTPRequest(r.Method, routePattern(r), statusOf(ww), time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern returns chi's route pattern for r, or the raw path when the
// request was not routed by chi.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// statusOf returns the status written through ww, defaulting to 200 for
// handlers that never call WriteHeader.
func statusOf(ww middleware.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}
