package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	dispatchDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	scanDurationBuckets     = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60}
	bodySizeBuckets         = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine. Recording
// helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Enrollment lifecycle metrics
	EnrollmentsTotal    *prometheus.CounterVec
	TransitionsTotal    *prometheus.CounterVec
	StepsSkippedTotal   *prometheus.CounterVec
	HITLDecisionsTotal  *prometheus.CounterVec
	TransitionConflicts prometheus.Counter

	// Dispatch metrics
	DispatchesTotal            *prometheus.CounterVec
	DispatchDuration           *prometheus.HistogramVec
	ChannelRetriesTotal        *prometheus.CounterVec
	ChannelCircuitBreakerState *prometheus.GaugeVec

	// Engagement metrics
	EngagementsTotal *prometheus.CounterVec

	// Scanner metrics
	ScanDuration      prometheus.Histogram
	ScanResultsTotal  *prometheus.CounterVec
	TriggersConsumed  *prometheus.CounterVec

	// System metrics
	DefinitionLoadTotal *prometheus.CounterVec
	DefinitionsLoaded   prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexrel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexrel_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexrel_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Enrollments
		EnrollmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_enrollments_total",
			Help: "Total number of trigger enrollment outcomes.",
		}, []string{"outcome"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_enrollment_transitions_total",
			Help: "Total number of enrollment status transitions.",
		}, []string{"from", "to"}),
		StepsSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_steps_skipped_total",
			Help: "Total number of steps skipped without dispatch.",
		}, []string{"reason"}),
		HITLDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_hitl_decisions_total",
			Help: "Total number of human review decisions.",
		}, []string{"decision"}),
		TransitionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nexrel_cas_conflicts_total",
			Help: "Total number of transitions lost to a concurrent writer.",
		}),

		// Dispatch
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_dispatches_total",
			Help: "Total number of dispatched step messages.",
		}, []string{"channel", "status"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexrel_dispatch_duration_seconds",
			Help:    "Channel send duration in seconds.",
			Buckets: dispatchDurationBuckets,
		}, []string{"channel"}),
		ChannelRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_channel_retries_total",
			Help: "Total number of provider send retries.",
		}, []string{"channel"}),
		ChannelCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexrel_channel_circuit_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"channel"}),

		// Engagement
		EngagementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_engagements_total",
			Help: "Total number of engagement signals received.",
		}, []string{"kind", "result"}),

		// Scanner
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexrel_scan_duration_seconds",
			Help:    "Due-work scan duration in seconds.",
			Buckets: scanDurationBuckets,
		}),
		ScanResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_scan_results_total",
			Help: "Total number of enrollments processed by due-work scans.",
		}, []string{"result"}),
		TriggersConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_triggers_consumed_total",
			Help: "Total number of trigger messages consumed from the event stream.",
		}, []string{"result"}),

		// System
		DefinitionLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexrel_definition_loads_total",
			Help: "Total number of workflow definition file loads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nexrel_definitions_loaded",
			Help: "Number of workflow definitions seeded from files.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.EnrollmentsTotal,
		m.TransitionsTotal,
		m.StepsSkippedTotal,
		m.HITLDecisionsTotal,
		m.TransitionConflicts,
		m.DispatchesTotal,
		m.DispatchDuration,
		m.ChannelRetriesTotal,
		m.ChannelCircuitBreakerState,
		m.EngagementsTotal,
		m.ScanDuration,
		m.ScanResultsTotal,
		m.TriggersConsumed,
		m.DefinitionLoadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordEnrollment records a trigger enrollment outcome.
func (m *Metrics) RecordEnrollment(outcome string) {
	if m == nil {
		return
	}
	m.EnrollmentsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition records an enrollment status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordTransitionConflict records a transition lost to a concurrent writer.
func (m *Metrics) RecordTransitionConflict() {
	if m == nil {
		return
	}
	m.TransitionConflicts.Inc()
}

// RecordStepSkipped records a step advanced past without dispatch.
func (m *Metrics) RecordStepSkipped(reason string) {
	if m == nil {
		return
	}
	m.StepsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordHITLDecision records an approve or reject decision.
func (m *Metrics) RecordHITLDecision(decision string) {
	if m == nil {
		return
	}
	m.HITLDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordDispatch records a finalized channel send.
func (m *Metrics) RecordDispatch(channel, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(channel, status).Inc()
	m.DispatchDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordChannelRetry records a provider send retry.
func (m *Metrics) RecordChannelRetry(channel string) {
	if m == nil {
		return
	}
	m.ChannelRetriesTotal.WithLabelValues(channel).Inc()
}

// SetChannelBreakerState records a provider circuit breaker state.
func (m *Metrics) SetChannelBreakerState(channel string, state int) {
	if m == nil {
		return
	}
	m.ChannelCircuitBreakerState.WithLabelValues(channel).Set(float64(state))
}

// RecordEngagement records an engagement signal. result is "recorded",
// "duplicate" or "unknown".
func (m *Metrics) RecordEngagement(kind, result string) {
	if m == nil {
		return
	}
	m.EngagementsTotal.WithLabelValues(kind, result).Inc()
}

// RecordScan records one due-work scan pass.
func (m *Metrics) RecordScan(duration time.Duration, results map[string]int) {
	if m == nil {
		return
	}
	m.ScanDuration.Observe(duration.Seconds())
	for result, n := range results {
		if n > 0 {
			m.ScanResultsTotal.WithLabelValues(result).Add(float64(n))
		}
	}
}

// RecordTriggerConsumed records a trigger message taken off the stream.
func (m *Metrics) RecordTriggerConsumed(result string) {
	if m == nil {
		return
	}
	m.TriggersConsumed.WithLabelValues(result).Inc()
}

// RecordDefinitionLoad records a definition file load attempt.
func (m *Metrics) RecordDefinitionLoad(status string) {
	if m == nil {
		return
	}
	m.DefinitionLoadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of file-seeded definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// unmatchedRoute labels requests chi could not route, so scans for random
// paths share one series.
const unmatchedRoute = "unmatched"

// MetricsMiddleware records request count, latency and sizes labelled by the
// chi route pattern. Tracking and enrollment ids never become label values.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start), int(max(r.ContentLength, 0)), ww.BytesWritten())
	})
}

// Handler serves the default registry, which InitMetrics is given in
// production.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return r.URL.Path
	}
	if pattern := strings.TrimSuffix(rc.RoutePattern(), "/*"); pattern != "" {
		return pattern
	}
	return unmatchedRoute
}
