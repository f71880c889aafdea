package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/channel"
	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/internal/idempotency"
	"github.com/soshogle/nexrel-crm-sub028/internal/lead"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

const (
	testSecret       = "test-signing-secret"
	testIssuer       = "https://auth.nexrel.test"
	testAudience     = "nexrel-api"
	testWebhookToken = "provider-secret"
	testTrackingBase = "https://t.example.com"
)

// --- Test helpers ---

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Auth.Issuer = testIssuer
	cfg.Auth.Audience = testAudience
	return cfg
}

type testServer struct {
	handler http.Handler
	engine  *workflow.Engine
	store   *workflow.MemoryStore
	leads   *lead.MemoryStore
	tracker *channel.Tracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := testConfig()
	store := workflow.NewMemoryStore()
	leads := lead.NewMemoryStore()
	logTransport := channel.NewLogTransport(zap.NewNop())
	sender := channel.NewRouter(logTransport, logTransport, logTransport, channel.NewHandlerRegistry())
	tracker, err := channel.NewTracker(testTrackingBase, []byte("link-key"))
	if err != nil {
		t.Fatal(err)
	}
	engine := workflow.NewEngine(store, leads, sender,
		workflow.WithTracker(tracker),
		workflow.WithDeduper(idempotency.NewMemoryStore(), time.Hour),
	)

	handler := NewRouter(Dependencies{
		Config:       cfg,
		Engine:       engine,
		Leads:        leads,
		Authenticate: JWTAuthenticator(cfg.Auth, []byte(testSecret)),
		WebhookToken: testWebhookToken,
		Readiness:    observability.ReadinessChecks{Store: store},
	})
	return &testServer{handler: handler, engine: engine, store: store, leads: leads, tracker: tracker}
}

// operatorToken signs a token for subject in tenant.
func operatorToken(t *testing.T, subject, tenant string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
		"sub": subject,
	}
	if tenant != "" {
		claims["tenant_id"] = tenant
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeBody[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w)
	return resp.Error.Code
}

const welcomeWorkflow = `{
	"name": "Welcome",
	"triggers": ["lead.created"],
	"steps": [
		{"order": 1, "delay": {"value": 0, "unit": "MINUTES"},
		 "action": {"kind": "send_email", "email": {"subject": "Hi", "body": "Hello <a href=\"https://nexrel.example.com/pricing\">pricing</a>"}}},
		{"order": 2, "delay": {"value": 2, "unit": "DAYS"},
		 "action": {"kind": "send_sms", "sms": {"body": "Still interested?"}}}
	]
}`

const reviewWorkflow = `{
	"name": "Review",
	"triggers": ["lead.created"],
	"steps": [
		{"order": 1, "name": "Manager review", "delay": {"value": 0, "unit": "MINUTES"}, "hitl": true},
		{"order": 2, "delay": {"value": 1, "unit": "HOURS"},
		 "action": {"kind": "send_email", "email": {"subject": "Hi", "body": "Hello"}}}
	]
}`

// activeWorkflow creates and activates a workflow from its JSON definition.
func (s *testServer) activeWorkflow(t *testing.T, token, definition string) model.WorkflowDefinition {
	t.Helper()
	w := s.do(t, "POST", "/v1/workflows", token, definition)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	def := decodeBody[model.WorkflowDefinition](t, w)

	w = s.do(t, "POST", "/v1/workflows/"+def.ID+"/activate", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d, body = %s", w.Code, w.Body.String())
	}
	return decodeBody[model.WorkflowDefinition](t, w)
}

// enrollLead syncs a lead and fires lead.created for it.
func (s *testServer) enrollLead(t *testing.T, token, leadID string) []model.EnrollmentOutcome {
	t.Helper()
	w := s.do(t, "PUT", "/v1/leads/"+leadID, token, map[string]any{
		"first_name": "Ada", "email": leadID + "@example.com", "phone": "+15550100",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("lead status = %d, body = %s", w.Code, w.Body.String())
	}
	w = s.do(t, "POST", "/v1/triggers", token, map[string]any{
		"lead_id": leadID, "trigger_type": "lead.created",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d, body = %s", w.Code, w.Body.String())
	}
	return decodeBody[struct {
		Outcomes []model.EnrollmentOutcome `json:"outcomes"`
	}](t, w).Outcomes
}

// clickPath is the signed click link for target, relative to the server.
func (s *testServer) clickPath(trackingID, target string) string {
	return strings.TrimPrefix(s.tracker.ClickURL(trackingID, target), testTrackingBase)
}

// --- Handler tests ---

func TestEmailCampaign_endToEnd(t *testing.T) {
	s := newTestServer(t)
	token := operatorToken(t, "user-1", "tenant-1")

	def := s.activeWorkflow(t, token, welcomeWorkflow)
	if !def.Active || def.Version != 1 {
		t.Fatalf("workflow = %+v", def)
	}

	outcomes := s.enrollLead(t, token, "lead-1")
	if len(outcomes) != 1 || outcomes[0].Outcome != model.OutcomeEnrolled {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	enrollmentID := outcomes[0].EnrollmentID

	w := s.do(t, "POST", "/v1/scans", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("scan status = %d", w.Code)
	}
	if report := decodeBody[workflow.ScanReport](t, w); report.Dispatched != 1 {
		t.Fatalf("report = %+v", report)
	}

	w = s.do(t, "GET", "/v1/enrollments/"+enrollmentID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	detail := decodeBody[struct {
		Enrollment model.Enrollment          `json:"enrollment"`
		Messages   []model.DispatchedMessage `json:"messages"`
	}](t, w)
	if detail.Enrollment.CurrentStep != 1 || detail.Enrollment.Status != model.EnrollmentActive {
		t.Errorf("enrollment = %+v", detail.Enrollment)
	}
	if len(detail.Messages) != 1 || detail.Messages[0].Status != model.DeliverySent {
		t.Fatalf("messages = %+v", detail.Messages)
	}
	trackingID := detail.Messages[0].TrackingID

	// Open pixel.
	w = s.do(t, "GET", "/t/"+trackingID+"/open.gif", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/gif" {
		t.Errorf("pixel status = %d, type = %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !bytes.Equal(w.Body.Bytes(), transparentGIF) {
		t.Error("pixel body is not the transparent gif")
	}

	// Click redirect.
	w = s.do(t, "GET", s.clickPath(trackingID, "https://nexrel.example.com/pricing"), "", nil)
	if w.Code != http.StatusFound {
		t.Fatalf("click status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://nexrel.example.com/pricing" {
		t.Errorf("Location = %q", loc)
	}

	// Provider webhook, retried once.
	for range 2 {
		req := httptest.NewRequest("POST", "/webhooks/engagement", strings.NewReader(
			`{"tracking_id":"`+trackingID+`","kind":"reply","event_id":"prov-77"}`))
		req.Header.Set("X-Webhook-Token", testWebhookToken)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("webhook status = %d, body = %s", rec.Code, rec.Body.String())
		}
	}

	msgs, err := s.engine.ListDispatches(t.Context(), "tenant-1", enrollmentID)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].OpenCount != 1 || msgs[0].ClickCount != 1 || msgs[0].ReplyCount != 1 {
		t.Errorf("counts = open %d click %d reply %d", msgs[0].OpenCount, msgs[0].ClickCount, msgs[0].ReplyCount)
	}

	w = s.do(t, "GET", "/v1/enrollments/"+enrollmentID+"/history", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	history := decodeBody[struct {
		Data []model.LifecycleEvent `json:"data"`
	}](t, w)
	if len(history.Data) < 2 {
		t.Errorf("history = %+v", history.Data)
	}
}

func TestHITL_approveAndReject(t *testing.T) {
	s := newTestServer(t)
	token := operatorToken(t, "manager-1", "tenant-1")
	s.activeWorkflow(t, token, reviewWorkflow)

	first := s.enrollLead(t, token, "lead-1")[0].EnrollmentID
	second := s.enrollLead(t, token, "lead-2")[0].EnrollmentID

	w := s.do(t, "POST", "/v1/scans", token, nil)
	if report := decodeBody[workflow.ScanReport](t, w); report.AwaitingHITL != 2 {
		t.Fatalf("report = %+v", report)
	}

	w = s.do(t, "GET", "/v1/tasks", token, nil)
	tasks := decodeBody[struct {
		Data []model.TaskExecution `json:"data"`
	}](t, w).Data
	if len(tasks) != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}
	taskFor := map[string]string{}
	for _, task := range tasks {
		taskFor[task.EnrollmentID] = task.ID
	}

	w = s.do(t, "POST", "/v1/tasks/"+taskFor[first]+"/approve", token, map[string]string{"notes": "looks good"})
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body = %s", w.Code, w.Body.String())
	}
	approved := decodeBody[workflow.HITLDecision](t, w)
	if approved.Task.Status != model.TaskApproved || approved.Task.DecidedBy != "manager-1" {
		t.Errorf("task = %+v", approved.Task)
	}
	if approved.Enrollment.Status != model.EnrollmentActive || approved.Enrollment.CurrentStep != 1 {
		t.Errorf("enrollment = %+v", approved.Enrollment)
	}

	// A second decision on the same task is a conflict.
	w = s.do(t, "POST", "/v1/tasks/"+taskFor[first]+"/reject", token, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double decision status = %d, want 409", w.Code)
	}

	w = s.do(t, "POST", "/v1/tasks/"+taskFor[second]+"/reject", token, map[string]any{"pause_workflow": true})
	if w.Code != http.StatusOK {
		t.Fatalf("reject status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeBody[workflow.HITLDecision](t, w); got.Enrollment.Status != model.EnrollmentPaused {
		t.Errorf("rejected enrollment = %s, want PAUSED", got.Enrollment.Status)
	}

	w = s.do(t, "POST", "/v1/enrollments/"+second+"/resume", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.Enrollment](t, w); got.Status != model.EnrollmentActive {
		t.Errorf("resumed enrollment = %s, want ACTIVE", got.Status)
	}
}

func TestEnrollmentCommands(t *testing.T) {
	s := newTestServer(t)
	token := operatorToken(t, "user-1", "tenant-1")
	def := s.activeWorkflow(t, token, welcomeWorkflow)
	id := s.enrollLead(t, token, "lead-1")[0].EnrollmentID

	w := s.do(t, "POST", "/v1/enrollments/"+id+"/pause", token, nil)
	if got := decodeBody[model.Enrollment](t, w); got.Status != model.EnrollmentPaused {
		t.Fatalf("pause = %s", got.Status)
	}
	for range 2 {
		w = s.do(t, "POST", "/v1/enrollments/"+id+"/cancel", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("cancel status = %d, body = %s", w.Code, w.Body.String())
		}
	}
	w = s.do(t, "POST", "/v1/enrollments/"+id+"/resume", token, nil)
	if w.Code != http.StatusUnprocessableEntity || errorCode(t, w) != model.ErrInvalidTransition {
		t.Errorf("resume cancelled status = %d", w.Code)
	}

	w = s.do(t, "GET", "/v1/workflows/"+def.ID+"/summary", token, nil)
	summary := decodeBody[model.StatusSummary](t, w)
	if summary.Counts[model.EnrollmentCancelled] != 1 || summary.Counts[model.EnrollmentActive] != 0 {
		t.Errorf("summary = %+v", summary.Counts)
	}

	w = s.do(t, "GET", "/v1/enrollments?status=CANCELLED&workflow_id="+def.ID, token, nil)
	list := decodeBody[struct {
		Data       []model.Enrollment `json:"data"`
		TotalCount int                `json:"total_count"`
	}](t, w)
	if list.TotalCount != 1 || len(list.Data) != 1 || list.Data[0].ID != id {
		t.Errorf("list = %+v", list)
	}

	w = s.do(t, "GET", "/v1/enrollments?status=SLEEPING", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown status filter = %d, want 400", w.Code)
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := operatorToken(t, "user-1", "tenant-1")
	def := s.activeWorkflow(t, token, welcomeWorkflow)
	s.enrollLead(t, token, "lead-1")

	// Immutable while an enrollment is open.
	w := s.do(t, "PUT", "/v1/workflows/"+def.ID, token, welcomeWorkflow)
	if w.Code != http.StatusConflict {
		t.Errorf("update with open enrollments = %d, want 409", w.Code)
	}

	w = s.do(t, "POST", "/v1/workflows/"+def.ID+"/cancel", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", w.Code, w.Body.String())
	}
	result := decodeBody[workflow.CancelWorkflowResult](t, w)
	if result.Cancelled != 1 || result.Workflow.Active {
		t.Errorf("cancel result = %+v", result)
	}

	w = s.do(t, "PUT", "/v1/workflows/"+def.ID, token, welcomeWorkflow)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decodeBody[model.WorkflowDefinition](t, w); got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}

	w = s.do(t, "GET", "/v1/workflows", token, nil)
	list := decodeBody[struct {
		Data []model.WorkflowDefinition `json:"data"`
	}](t, w)
	if len(list.Data) != 1 {
		t.Errorf("list = %+v", list.Data)
	}
}

func TestWorkflowCreate_invalid(t *testing.T) {
	s := newTestServer(t)
	token := operatorToken(t, "user-1", "tenant-1")

	w := s.do(t, "POST", "/v1/workflows", token, `{
		"name": "Broken",
		"triggers": ["lead.created"],
		"steps": [{"order": 1, "delay": {"value": -1, "unit": "WEEKS"}, "action": {"kind": "send_email"}}]
	}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	resp := decodeBody[struct {
		Error model.ErrorEnvelope `json:"error"`
	}](t, w)
	if resp.Error.Code != model.ErrValidationError || len(resp.Error.Details) == 0 {
		t.Errorf("error = %+v", resp.Error)
	}

	w = s.do(t, "POST", "/v1/workflows", token, `{"name":`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

func TestTenantIsolation(t *testing.T) {
	s := newTestServer(t)
	owner := operatorToken(t, "user-1", "tenant-1")
	other := operatorToken(t, "user-2", "tenant-2")

	def := s.activeWorkflow(t, owner, welcomeWorkflow)
	id := s.enrollLead(t, owner, "lead-1")[0].EnrollmentID

	for _, path := range []string{
		"/v1/workflows/" + def.ID,
		"/v1/workflows/" + def.ID + "/summary",
		"/v1/enrollments/" + id,
		"/v1/leads/lead-1",
	} {
		if w := s.do(t, "GET", path, other, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s as other tenant = %d, want 404", path, w.Code)
		}
	}
	if w := s.do(t, "POST", "/v1/enrollments/"+id+"/cancel", other, nil); w.Code != http.StatusNotFound {
		t.Errorf("cancel as other tenant = %d, want 404", w.Code)
	}

	// The other tenant's trigger does not reach tenant-1's workflow.
	if outcomes := s.enrollLead(t, other, "lead-9"); len(outcomes) != 0 {
		t.Errorf("outcomes = %+v, want none", outcomes)
	}
}

func TestTrigger_validation(t *testing.T) {
	s := newTestServer(t)
	token := operatorToken(t, "user-1", "tenant-1")

	w := s.do(t, "POST", "/v1/triggers", token, map[string]any{"trigger_type": "lead.created"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestLeadPut_validation(t *testing.T) {
	s := newTestServer(t)
	token := operatorToken(t, "user-1", "tenant-1")

	w := s.do(t, "PUT", "/v1/leads/lead-1", token, map[string]any{"email": "not-an-address"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestClick_rejectsBadTargets(t *testing.T) {
	s := newTestServer(t)
	token := operatorToken(t, "user-1", "tenant-1")
	s.activeWorkflow(t, token, welcomeWorkflow)
	enrollmentID := s.enrollLead(t, token, "lead-1")[0].EnrollmentID
	if w := s.do(t, "POST", "/v1/scans", token, nil); w.Code != http.StatusOK {
		t.Fatalf("scan status = %d", w.Code)
	}
	msgs, err := s.store.ListDispatches(t.Context(), "tenant-1", enrollmentID)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ListDispatches() = %d, %v", len(msgs), err)
	}
	trackingID := msgs[0].TrackingID
	signed := s.clickPath(trackingID, "https://nexrel.example.com/pricing")

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing url", "/t/" + trackingID + "/click", http.StatusBadRequest},
		{"relative url", "/t/" + trackingID + "/click?url=%2Fadmin", http.StatusBadRequest},
		{"javascript url", "/t/" + trackingID + "/click?url=javascript%3Aalert(1)", http.StatusBadRequest},
		{"unsigned foreign url", "/t/" + trackingID + "/click?url=https%3A%2F%2Fevil.example.com", http.StatusNotFound},
		{"signature for another url", strings.Replace(signed, "nexrel.example.com", "evil.example.com", 1), http.StatusNotFound},
		{"signature for another message", strings.Replace(signed, trackingID, "other-id", 1), http.StatusNotFound},
		{"signed unknown tracking id", s.clickPath("abc", "https://example.com"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, "GET", tt.path, "", nil)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if loc := w.Header().Get("Location"); loc != "" {
				t.Errorf("redirected to %q", loc)
			}
		})
	}

	if w := s.do(t, "GET", signed, "", nil); w.Code != http.StatusFound {
		t.Errorf("signed link status = %d, want 302", w.Code)
	}
}

func TestOpenPixel_unknownTrackingID(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "GET", "/t/unknown/open.gif", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/gif" {
		t.Errorf("status = %d, type = %q", w.Code, w.Header().Get("Content-Type"))
	}
}

func TestEngagementWebhook_requiresToken(t *testing.T) {
	s := newTestServer(t)

	for _, token := range []string{"", "wrong"} {
		req := httptest.NewRequest("POST", "/webhooks/engagement", strings.NewReader(`{"tracking_id":"x","kind":"open"}`))
		if token != "" {
			req.Header.Set("X-Webhook-Token", token)
		}
		w := httptest.NewRecorder()
		s.handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("token %q status = %d, want 401", token, w.Code)
		}
	}
}
