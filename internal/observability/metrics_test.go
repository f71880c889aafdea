package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitMetrics_families(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)

	m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond, 0, 15)
	m.RecordEnrollment("ENROLLED")
	m.RecordTransition("ACTIVE", "COMPLETED")
	m.RecordTransitionConflict()
	m.RecordStepSkipped("condition")
	m.RecordHITLDecision("approved")
	m.RecordDispatch("email", "SENT", time.Millisecond)
	m.RecordChannelRetry("email")
	m.SetChannelBreakerState("email", 0)
	m.RecordEngagement("open", "recorded")
	m.RecordScan(time.Millisecond, map[string]int{"dispatched": 1})
	m.RecordTriggerConsumed("ack")
	m.RecordDefinitionLoad("seeded")
	m.SetDefinitionsLoaded(2)

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	// One series per family after a single observation each.
	if n != 19 {
		t.Errorf("gathered %d series, want 19", n)
	}
}

func TestInitMetrics_duplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	InitMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Error("second InitMetrics on one registry did not panic")
		}
	}()
	InitMetrics(reg)
}

func TestRecordDispatch(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())

	m.RecordDispatch("email", "SENT", 120*time.Millisecond)
	m.RecordDispatch("email", "SENT", 80*time.Millisecond)
	m.RecordDispatch("sms", "FAILED", 3*time.Second)

	if got := testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("email", "SENT")); got != 2 {
		t.Errorf("email SENT = %v", got)
	}
	if got := testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("sms", "FAILED")); got != 1 {
		t.Errorf("sms FAILED = %v", got)
	}
	if got := testutil.CollectAndCount(m.DispatchDuration); got != 2 {
		t.Errorf("duration series = %d, want one per channel", got)
	}
}

func TestRecordTransition(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())

	m.RecordTransition("ACTIVE", "AWAITING_HITL")
	m.RecordTransition("AWAITING_HITL", "ACTIVE")
	m.RecordTransition("ACTIVE", "AWAITING_HITL")
	m.RecordTransitionConflict()

	expected := `
# HELP nexrel_enrollment_transitions_total Total number of enrollment status transitions.
# TYPE nexrel_enrollment_transitions_total counter
nexrel_enrollment_transitions_total{from="ACTIVE",to="AWAITING_HITL"} 2
nexrel_enrollment_transitions_total{from="AWAITING_HITL",to="ACTIVE"} 1
`
	if err := testutil.CollectAndCompare(m.TransitionsTotal, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(m.TransitionConflicts); got != 1 {
		t.Errorf("conflicts = %v", got)
	}
}

func TestSetChannelBreakerState(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())

	for _, state := range []int{2, 1, 0} {
		m.SetChannelBreakerState("sms", state)
		if got := testutil.ToFloat64(m.ChannelCircuitBreakerState.WithLabelValues("sms")); got != float64(state) {
			t.Errorf("sms breaker = %v, want %d", got, state)
		}
	}
}

func TestRecordScan_onlyNonZeroResults(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())

	m.RecordScan(time.Second, map[string]int{"dispatched": 3, "failed": 0, "awaiting_hitl": 1})

	if got := testutil.ToFloat64(m.ScanResultsTotal.WithLabelValues("dispatched")); got != 3 {
		t.Errorf("dispatched = %v", got)
	}
	if got := testutil.CollectAndCount(m.ScanResultsTotal); got != 2 {
		t.Errorf("result series = %d, want 2", got)
	}
}

func TestRecordEngagement(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())

	m.RecordEngagement("click", "recorded")
	m.RecordEngagement("click", "duplicate")
	m.RecordEngagement("click", "recorded")

	if got := testutil.ToFloat64(m.EngagementsTotal.WithLabelValues("click", "recorded")); got != 2 {
		t.Errorf("click recorded = %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, 0, 0, 0)
	m.RecordDispatch("email", "SENT", time.Millisecond)
	m.RecordTransition("ACTIVE", "PAUSED")
	m.RecordHITLDecision("rejected")
	m.RecordScan(time.Millisecond, map[string]int{"dispatched": 1})
	m.SetDefinitionsLoaded(1)
}

func TestMetricsMiddleware(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/t/{trackingID}/open.gif", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("GIF89a"))
	})
	r.Post("/v1/tasks/{id}/approve", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/t/trk-1/open.gif", nil),
		httptest.NewRequest(http.MethodGet, "/t/trk-2/open.gif", nil),
		httptest.NewRequest(http.MethodPost, "/v1/tasks/task-9/approve", strings.NewReader(`{"notes":"late"}`)),
		httptest.NewRequest(http.MethodGet, "/wp-admin", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	tests := []struct {
		method, route, status string
		want                  float64
	}{
		{"GET", "/t/{trackingID}/open.gif", "200", 2},
		{"POST", "/v1/tasks/{id}/approve", "409", 1},
		{"GET", "unmatched", "404", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(tt.method, tt.route, tt.status)); got != tt.want {
			t.Errorf("%s %s %s = %v, want %v", tt.method, tt.route, tt.status, got, tt.want)
		}
	}
	if got := testutil.CollectAndCount(m.HTTPRequestsTotal); got != 3 {
		t.Errorf("request series = %d, want 3", got)
	}
	if got := testutil.CollectAndCount(m.HTTPResponseSizeBytes); got != 3 {
		t.Errorf("response size series = %d, want 3", got)
	}
}

func TestMetricsMiddleware_withoutRouter(t *testing.T) {
	m := InitMetrics(prometheus.NewRegistry())
	h := m.MetricsMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/readyz", "200")); got != 1 {
		t.Errorf("/readyz = %v", got)
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("status %d, body lacks runtime metrics", rec.Code)
	}
}

func TestHistogramBuckets_ascending(t *testing.T) {
	for name, b := range map[string][]float64{
		"http":     httpDurationBuckets,
		"dispatch": dispatchDurationBuckets,
		"scan":     scanDurationBuckets,
		"size":     bodySizeBuckets,
	} {
		for i := 1; i < len(b); i++ {
			if b[i] <= b[i-1] {
				t.Errorf("%s buckets out of order at %d", name, i)
			}
		}
	}
}
