package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Set with -ldflags "-X .../observability.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the /readyz body.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult reports one dependency.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by the stores, the dedupe backend, the event
// bus client and the scanner heartbeat.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what /readyz checks. The enrollment store is
// mandatory; the rest are checked only when configured.
type ReadinessChecks struct {
	Store       HealthChecker
	Idempotency HealthChecker
	Events      HealthChecker
	Scanner     HealthChecker
}

func (c ReadinessChecks) named() map[string]HealthChecker {
	m := map[string]HealthChecker{}
	for name, hc := range map[string]HealthChecker{
		"store":       c.Store,
		"idempotency": c.Idempotency,
		"events":      c.Events,
		"scanner":     c.Scanner,
	} {
		if hc != nil {
			m[name] = hc
		}
	}
	return m
}

const checkTimeout = 2 * time.Second

// HandleHealth serves liveness. It never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every configured dependency in parallel and answers
// 503 if any of them fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(named)+1)}
		if checks.Store == nil {
			resp.Checks["store"] = CheckResult{Status: "error", Error: "no store configured"}
		}

		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, hc := range named {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), hc)
				mu.Lock()
				resp.Checks[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		code := http.StatusOK
		for _, res := range resp.Checks {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			}
		}
		writeHealthJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, hc HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := hc.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Heartbeat tracks the background scanner. It turns unhealthy when no scan
// has finished within maxAge, which catches a wedged scan loop that the
// store check alone would not.
type Heartbeat struct {
	maxAge time.Duration
	now    func() time.Time
	last   atomic.Int64
}

// NewHeartbeat starts the clock at construction so a fresh process gets a
// full maxAge before its first scan must land.
func NewHeartbeat(maxAge time.Duration) *Heartbeat {
	hb := &Heartbeat{maxAge: maxAge, now: time.Now}
	hb.Beat()
	return hb
}

// Beat records a finished scan.
func (h *Heartbeat) Beat() {
	h.last.Store(h.now().UnixNano())
}

// HealthCheck implements HealthChecker.
func (h *Heartbeat) HealthCheck(context.Context) error {
	age := h.now().Sub(time.Unix(0, h.last.Load()))
	if age > h.maxAge {
		return fmt.Errorf("no due-work scan finished in %s", age.Truncate(time.Second))
	}
	return nil
}
