package integration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/soshogle/nexrel-crm-sub028/internal/channel"
	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// enrollLeads creates an active single-email workflow and enrolls n leads.
func enrollLeads(t *testing.T, h *TestHarness, n int) (token string, enrollmentIDs []string) {
	t.Helper()
	token = h.GenerateToken(AcmeOperator())
	h.CreateActiveWorkflow(token, EmailOnlyWorkflow("lead.created"))
	for i := range n {
		leadID := fmt.Sprintf("lead-%d", i+1)
		h.SyncLead(token, leadID, "Lead")
		outcomes := h.Trigger(token, leadID, "lead.created")
		if len(outcomes) != 1 || outcomes[0].EnrollmentID == "" {
			t.Fatalf("enroll %s: %s", leadID, FormatJSON(outcomes))
		}
		enrollmentIDs = append(enrollmentIDs, outcomes[0].EnrollmentID)
	}
	return token, enrollmentIDs
}

func TestResilience_TransientFailureRetried(t *testing.T) {
	h := NewTestHarness(t)
	token, ids := enrollLeads(t, h, 1)

	h.Provider.On(EndpointEmail).
		RespondWith(http.StatusServiceUnavailable, map[string]any{"error": "busy"}).
		RespondWith(http.StatusOK, map[string]any{"id": "prov-77", "status": "sent"})

	if report := h.Scan(token); report.Dispatched != 1 {
		t.Fatalf("scan = %+v", report)
	}
	h.Provider.AssertCalled(t, EndpointEmail, 2)

	msg := h.GetEnrollment(token, ids[0]).Messages[0]
	if msg.Status != model.DeliverySent || msg.ProviderMessageID != "prov-77" {
		t.Errorf("message = %s", FormatJSON(msg))
	}
}

func TestResilience_RateLimitRetried(t *testing.T) {
	h := NewTestHarness(t)
	token, _ := enrollLeads(t, h, 1)

	h.Provider.On(EndpointEmail).
		RespondWith(http.StatusTooManyRequests, nil).
		RespondWith(http.StatusOK, map[string]any{"id": "prov-1", "status": "delivered"})

	h.Scan(token)
	h.Provider.AssertCalled(t, EndpointEmail, 2)
}

func TestResilience_SendFailureAdvancesEnrollment(t *testing.T) {
	h := NewTestHarness(t)
	token, ids := enrollLeads(t, h, 1)

	h.Provider.On(EndpointEmail).RespondWith(http.StatusServiceUnavailable, nil)

	report := h.Scan(token)
	if report.Dispatched != 1 || report.Failed != 0 {
		t.Errorf("scan = %+v, want a dispatch with no enrollment failure", report)
	}
	h.Provider.AssertCalled(t, EndpointEmail, 3)

	view := h.GetEnrollment(token, ids[0])
	if view.Messages[0].Status != model.DeliveryFailed || view.Messages[0].Error == "" {
		t.Errorf("message = %s", FormatJSON(view.Messages[0]))
	}
	if view.Enrollment.Status != model.EnrollmentCompleted {
		t.Errorf("enrollment status = %s, want COMPLETED", view.Enrollment.Status)
	}
}

func TestResilience_RejectedMessageNotRetried(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	}))
	token, ids := enrollLeads(t, h, 1)

	h.Provider.On(EndpointEmail).RespondWith(http.StatusUnprocessableEntity, map[string]any{"error": "bad address"})

	h.Scan(token)
	h.Provider.AssertCalled(t, EndpointEmail, 1)

	msg := h.GetEnrollment(token, ids[0]).Messages[0]
	if msg.Status != model.DeliveryFailed {
		t.Errorf("message status = %s", msg.Status)
	}
	if state := h.EmailClient.Breaker().State(); state != channel.BreakerClosed {
		t.Errorf("breaker = %s, want closed after a 4xx", state)
	}
}

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
		WithRetry(config.RetryConfig{MaxAttempts: 1}),
	)
	token, ids := enrollLeads(t, h, 4)

	h.Provider.On(EndpointEmail).RespondWith(http.StatusBadGateway, nil)

	report := h.Scan(token)
	if report.Dispatched != 4 {
		t.Errorf("scan = %+v", report)
	}
	// Two failures open the circuit; the rest never reach the provider.
	h.Provider.AssertCalled(t, EndpointEmail, 2)
	if state := h.EmailClient.Breaker().State(); state != channel.BreakerOpen {
		t.Errorf("breaker = %s, want open", state)
	}

	for _, id := range ids {
		view := h.GetEnrollment(token, id)
		if view.Messages[0].Status != model.DeliveryFailed {
			t.Errorf("enrollment %s message status = %s", id, view.Messages[0].Status)
		}
	}
}

func TestResilience_RetryStopsWhenCircuitBreakerOpens(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
		}),
		WithRetry(config.RetryConfig{
			MaxAttempts:       5,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 1,
			BackoffMax:        time.Millisecond,
		}),
	)
	token, _ := enrollLeads(t, h, 1)

	h.Provider.On(EndpointEmail).RespondWith(http.StatusServiceUnavailable, nil)

	h.Scan(token)
	h.Provider.AssertCalled(t, EndpointEmail, 2)
}

func TestResilience_ConnectionErrorRecorded(t *testing.T) {
	h := NewTestHarness(t, WithRetry(config.RetryConfig{MaxAttempts: 1}))
	token, ids := enrollLeads(t, h, 1)

	h.Provider.On(EndpointEmail).RespondWithConnectionError()

	h.Scan(token)
	view := h.GetEnrollment(token, ids[0])
	if view.Messages[0].Status != model.DeliveryFailed {
		t.Errorf("message status = %s", view.Messages[0].Status)
	}
	if view.Enrollment.Status != model.EnrollmentCompleted {
		t.Errorf("enrollment status = %s", view.Enrollment.Status)
	}
}

func TestResilience_ConcurrentScansDispatchOnce(t *testing.T) {
	h := NewTestHarness(t)
	token, ids := enrollLeads(t, h, 10)

	h.Provider.On(EndpointEmail).
		RespondWithDelay(10*time.Millisecond, http.StatusOK, map[string]any{"status": "sent"})

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.Engine.RunDueScan(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RunDueScan() error = %v", err)
	}

	h.Provider.AssertCalled(t, EndpointEmail, len(ids))
	for _, id := range ids {
		view := h.GetEnrollment(token, id)
		if len(view.Messages) != 1 {
			t.Errorf("enrollment %s has %d messages", id, len(view.Messages))
		}
		if view.Enrollment.Status != model.EnrollmentCompleted {
			t.Errorf("enrollment %s status = %s", id, view.Enrollment.Status)
		}
	}
}

func TestResilience_HandlerTimeoutBoundsScan(t *testing.T) {
	h := NewTestHarness(t, WithHandlerTimeout(50*time.Millisecond))
	token, _ := enrollLeads(t, h, 1)

	h.Provider.On(EndpointEmail).
		RespondWithDelay(500*time.Millisecond, http.StatusOK, map[string]any{"status": "sent"})

	start := time.Now()
	resp := h.POST("/v1/scans", nil, token)
	resp.Body.Close()
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("scan took %s, want it bounded by the handler timeout", elapsed)
	}
}
