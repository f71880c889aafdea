// Package integration provides a reusable test harness for end-to-end
// testing of the drip-campaign engine. It starts the full HTTP API with a
// mock channel provider, a controllable clock, a test token issuer and,
// on request, PostgreSQL, Redis and NATS JetStream backends.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/channel"
	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/internal/events"
	"github.com/soshogle/nexrel-crm-sub028/internal/idempotency"
	"github.com/soshogle/nexrel-crm-sub028/internal/lead"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/internal/schema"
	"github.com/soshogle/nexrel-crm-sub028/internal/transport"
	"github.com/soshogle/nexrel-crm-sub028/internal/workflow"
)

const (
	webhookToken   = "webhook-test-token"
	eventPrefix    = "nexrel.events"
	triggerSubject = "nexrel.triggers.>"
)

// TestHarness encapsulates a fully wired engine and API for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Clock       *Clock
	Store       workflow.Store
	Leads       lead.Store
	Dedupe      idempotency.Store
	Engine      *workflow.Engine
	Provider    *MockProvider
	Events      *events.Client
	Metrics     *observability.Metrics
	EmailClient *channel.HTTPProvider
	Tracker     *channel.Tracker

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	postgres       bool
	redis          bool
	events         bool
	handlerTimeout time.Duration
	breaker        config.CircuitBreakerConfig
	retry          config.RetryConfig
}

// WithPostgres stores everything in a PostgreSQL container. The test is
// skipped when no container runtime is available.
func WithPostgres() HarnessOption {
	return func(c *harnessConfig) { c.postgres = true }
}

// WithRedis de-duplicates engagement webhooks in an in-process Redis.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) { c.redis = true }
}

// WithEvents starts an embedded JetStream server, publishes lifecycle
// events to it and consumes triggers from it.
func WithEvents() HarnessOption {
	return func(c *harnessConfig) { c.events = true }
}

// WithCircuitBreaker overrides the provider circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cb }
}

// WithRetry overrides the provider retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) { c.retry = r }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// NewTestHarness creates and starts a full test instance. Everything is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retry: config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    5 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        20 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	ctx := context.Background()
	h := &TestHarness{
		t:       t,
		Clock:   NewClock(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)),
		Metrics: observability.InitMetrics(prometheus.NewRegistry()),
		issuer:  newTokenIssuer(),
	}

	// Step 1: stores.
	if hc.postgres {
		pool := startPostgres(t)
		h.Store = workflow.NewPgStore(pool)
		h.Leads = lead.NewPgStore(pool)
	} else {
		h.Store = workflow.NewMemoryStore()
		h.Leads = lead.NewMemoryStore()
	}
	if hc.redis {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		h.Dedupe = idempotency.NewRedisStore(client)
	} else {
		h.Dedupe = idempotency.NewMemoryStore()
	}

	// Step 2: mock provider and channel router. Email and SMS go over HTTP;
	// voice is left unconfigured.
	h.Provider = newMockProvider(t)
	channelCfg := config.ChannelConfig{
		Driver:         "http",
		BaseURL:        h.Provider.URL(),
		From:           "campaigns@nexrel.test",
		Timeout:        2 * time.Second,
		CircuitBreaker: hc.breaker,
		Retry:          hc.retry,
	}
	h.EmailClient = channel.NewHTTPProvider("email", channelCfg, "provider-key", zap.NewNop(), h.Metrics)
	sms := channel.NewHTTPProvider("sms", channelCfg, "provider-key", zap.NewNop(), h.Metrics)
	router := channel.NewRouter(h.EmailClient, sms, nil, nil)

	// Step 3: build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Auth.Issuer = h.issuer.issuer
	h.cfg.Auth.Audience = h.issuer.audience

	// Step 4: engine, optionally publishing to JetStream.
	engineOpts := []workflow.Option{
		workflow.WithClock(h.Clock.Now),
		workflow.WithMetrics(h.Metrics),
		workflow.WithDeduper(h.Dedupe, time.Hour),
	}
	if hc.events {
		h.Events = startJetStream(t)
		engineOpts = append(engineOpts, workflow.WithPublisher(events.NewPublisher(h.Events.JetStream(), eventPrefix)))
	}

	// Tracking links point at the test server, so its address is reserved
	// before the engine is built.
	h.server = httptest.NewUnstartedServer(nil)
	baseURL := "http://" + h.server.Listener.Addr().String()
	h.cfg.Tracking.BaseURL = baseURL
	tracker, err := channel.NewTracker(baseURL, []byte("integration-link-key"))
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	h.Tracker = tracker
	engineOpts = append(engineOpts, workflow.WithTracker(tracker))

	h.Engine = workflow.NewEngine(h.Store, h.Leads, router, engineOpts...)

	if hc.events {
		consumer, err := events.NewTriggerConsumer(ctx, h.Events.Stream(), h.Engine, events.ConsumerConfig{
			Name:          "integration-triggers",
			FilterSubject: triggerSubject,
			AckWait:       5 * time.Second,
			MaxDeliver:    3,
			FetchWait:     100 * time.Millisecond,
		}, zap.NewNop(), h.Metrics)
		if err != nil {
			t.Fatalf("trigger consumer: %v", err)
		}
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			consumer.Run(runCtx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	// Step 5: router with the full middleware chain.
	readiness := observability.ReadinessChecks{Store: h.Store, Idempotency: h.Dedupe}
	if h.Events != nil {
		readiness.Events = h.Events
	}
	h.server.Config.Handler = transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Engine:       h.Engine,
		Leads:        h.Leads,
		Authenticate: transport.JWTAuthenticator(h.cfg.Auth, h.issuer.secret),
		WebhookToken: webhookToken,
		Logger:       zap.NewNop(),
		Metrics:      h.Metrics,
		Readiness:    readiness,
	})

	// Step 6: start serving.
	h.server.Start()
	t.Cleanup(h.server.Close)

	return h
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("nexrel"),
		postgres.WithUsername("nexrel"),
		postgres.WithPassword("nexrel"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	if _, err := schema.Apply(ctx, pool); err != nil {
		t.Fatalf("schema.Apply() error = %v", err)
	}
	return pool
}

func startJetStream(t *testing.T) *events.Client {
	t.Helper()

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	client, err := events.NewClient(context.Background(), nc, "NEXREL", []string{triggerSubject, eventPrefix + ".>"})
	if err != nil {
		nc.Close()
		t.Fatalf("events client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// ClickPath returns the signed click-tracking path for target, as it would
// appear in a sent email.
func (h *TestHarness) ClickPath(trackingID, target string) string {
	return strings.TrimPrefix(h.Tracker.ClickURL(trackingID, target), h.server.URL)
}

// GenerateToken creates a valid token with the given claims.
func (h *TestHarness) GenerateToken(claims Identity) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a token that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims Identity) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Scan runs one due-work scan through the API and returns its report.
func (h *TestHarness) Scan(token string) workflow.ScanReport {
	h.t.Helper()
	var report workflow.ScanReport
	h.AssertJSON(h.t, h.POST("/v1/scans", nil, token), http.StatusOK, &report)
	return report
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// ErrorCode returns error.code from an error envelope response.
func (h *TestHarness) ErrorCode(resp *http.Response) string {
	h.t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	h.ParseJSON(resp, &body)
	return body.Error.Code
}

// --- Clock ---

// Clock is a manually advanced time source for the engine.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
