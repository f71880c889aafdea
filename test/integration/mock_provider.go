package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Provider endpoints served by MockProvider.
const (
	EndpointEmail = "/v1/email"
	EndpointSMS   = "/v1/sms"
	EndpointCalls = "/v1/calls"
)

// MockProvider is a configurable HTTP test server that simulates an email,
// SMS and voice provider API. It records every request and answers each
// endpoint from a queue of scripted responses.
type MockProvider struct {
	t      *testing.T
	server *httptest.Server
	seq    atomic.Int64

	mu        sync.RWMutex
	endpoints map[string]*endpointConfig
	received  map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]string
	RawBody    []byte
	ReceivedAt time.Time
}

type endpointConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// EndpointMock is a builder for scripting responses of one endpoint.
type EndpointMock struct {
	provider *MockProvider
	path     string
}

func newMockProvider(t *testing.T) *MockProvider {
	t.Helper()

	mp := &MockProvider{
		t:         t,
		endpoints: make(map[string]*endpointConfig),
		received:  make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for _, path := range []string{EndpointEmail, EndpointSMS, EndpointCalls} {
		mux.HandleFunc("POST "+path, mp.handle(path))
	}
	mp.server = httptest.NewServer(mux)
	t.Cleanup(mp.server.Close)
	return mp
}

// URL returns the base URL of the mock provider.
func (mp *MockProvider) URL() string {
	return mp.server.URL
}

// On returns a builder for scripting responses of the endpoint at path.
func (mp *MockProvider) On(path string) *EndpointMock {
	return &EndpointMock{provider: mp, path: path}
}

// RespondWith queues a response with the given status and body.
func (em *EndpointMock) RespondWith(status int, body any) *EndpointMock {
	em.provider.addResponse(em.path, &mockResponse{status: status, body: body})
	return em
}

// RespondWithDelay queues a slow response.
func (em *EndpointMock) RespondWithDelay(delay time.Duration, status int, body any) *EndpointMock {
	em.provider.addResponse(em.path, &mockResponse{status: status, body: body, delay: delay})
	return em
}

// RespondWithConnectionError queues a dropped connection.
func (em *EndpointMock) RespondWithConnectionError() *EndpointMock {
	em.provider.addResponse(em.path, &mockResponse{connError: true})
	return em
}

func (mp *MockProvider) addResponse(path string, resp *mockResponse) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	cfg, ok := mp.endpoints[path]
	if !ok {
		cfg = &endpointConfig{}
		mp.endpoints[path] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mp *MockProvider) handle(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		body, _ := io.ReadAll(r.Body)
		rec.RawBody = body
		if len(body) > 0 {
			var parsed map[string]string
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}

		mp.mu.Lock()
		mp.received[path] = append(mp.received[path], rec)
		mp.mu.Unlock()

		resp := mp.nextResponse(path)
		if resp == nil {
			// Accept by default with a provider message id.
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"id":     fmt.Sprintf("prov-%d", mp.seq.Add(1)),
				"status": "sent",
			})
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		if resp.body != nil {
			json.NewEncoder(w).Encode(resp.body)
		}
	}
}

// nextResponse pops the next scripted response. The last one repeats.
func (mp *MockProvider) nextResponse(path string) *mockResponse {
	mp.mu.RLock()
	cfg, ok := mp.endpoints[path]
	mp.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the endpoint was called the expected number of times.
func (mp *MockProvider) AssertCalled(t *testing.T, path string, expectedCount int) {
	t.Helper()
	if actual := len(mp.Requests(path)); actual != expectedCount {
		t.Errorf("mock provider: %s called %d times, want %d", path, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the endpoint was never called.
func (mp *MockProvider) AssertNotCalled(t *testing.T, path string) {
	t.Helper()
	mp.AssertCalled(t, path, 0)
}

// LastRequest returns the last request received on path, or nil.
func (mp *MockProvider) LastRequest(path string) *RecordedRequest {
	reqs := mp.Requests(path)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Requests returns all requests received on path.
func (mp *MockProvider) Requests(path string) []*RecordedRequest {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	reqs := mp.received[path]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// Reset clears recorded requests and scripted responses.
func (mp *MockProvider) Reset() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.endpoints = make(map[string]*endpointConfig)
	mp.received = make(map[string][]*RecordedRequest)
}
