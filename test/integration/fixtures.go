package integration

import (
	"net/http"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// DripWorkflow returns a three-step onboarding drip: an immediate email, a
// review gate after a day and a text four hours after approval.
func DripWorkflow() map[string]any {
	return map[string]any{
		"name":     "Onboarding drip",
		"triggers": []string{"lead.created"},
		"steps": []map[string]any{
			{
				"order": 1, "name": "welcome",
				"delay": map[string]any{"value": 0, "unit": "MINUTES"},
				"action": map[string]any{"kind": "send_email", "email": map[string]any{
					"subject": "Welcome, {{first_name}}",
					"body":    `<p>Hi {{first_name}}, see <a href="https://nexrel.example.com/start">getting started</a>.</p>`,
				}},
			},
			{
				"order": 2, "name": "review before text",
				"delay": map[string]any{"value": 1, "unit": "DAYS"},
				"hitl":  true,
			},
			{
				"order": 3, "name": "follow-up text",
				"delay": map[string]any{"value": 4, "unit": "HOURS"},
				"action": map[string]any{"kind": "send_sms", "sms": map[string]any{
					"body": "Any questions, {{first_name}}?",
				}},
			},
		},
	}
}

// EmailOnlyWorkflow returns a workflow with a single immediate email.
func EmailOnlyWorkflow(trigger string) map[string]any {
	return map[string]any{
		"name":     "Single email",
		"triggers": []string{trigger},
		"steps": []map[string]any{{
			"order": 1,
			"delay": map[string]any{"value": 0, "unit": "MINUTES"},
			"action": map[string]any{"kind": "send_email", "email": map[string]any{
				"subject": "Hello", "body": "Hello {{first_name}}",
			}},
		}},
	}
}

// CreateActiveWorkflow creates and activates a workflow through the API.
func (h *TestHarness) CreateActiveWorkflow(token string, def map[string]any) model.WorkflowDefinition {
	h.t.Helper()
	var created model.WorkflowDefinition
	h.AssertJSON(h.t, h.POST("/v1/workflows", def, token), http.StatusCreated, &created)

	var activated model.WorkflowDefinition
	h.AssertJSON(h.t, h.POST("/v1/workflows/"+created.ID+"/activate", nil, token), http.StatusOK, &activated)
	return activated
}

// SyncLead upserts a lead with an email address and phone number.
func (h *TestHarness) SyncLead(token, leadID, firstName string) {
	h.t.Helper()
	resp := h.PUT("/v1/leads/"+leadID, map[string]any{
		"first_name": firstName,
		"email":      leadID + "@example.com",
		"phone":      "+15550100",
		"status":     "NEW",
	}, token)
	h.AssertStatus(h.t, resp, http.StatusOK)
}

// Trigger fires a trigger for a lead and returns the per-workflow outcomes.
func (h *TestHarness) Trigger(token, leadID, triggerType string) []model.EnrollmentOutcome {
	h.t.Helper()
	var body struct {
		Outcomes []model.EnrollmentOutcome `json:"outcomes"`
	}
	h.AssertJSON(h.t, h.POST("/v1/triggers", map[string]any{
		"lead_id":      leadID,
		"trigger_type": triggerType,
	}, token), http.StatusOK, &body)
	return body.Outcomes
}

// EnrollmentView is the enrollment detail response.
type EnrollmentView struct {
	Enrollment model.Enrollment          `json:"enrollment"`
	Messages   []model.DispatchedMessage `json:"messages"`
}

// GetEnrollment fetches an enrollment with its dispatched messages.
func (h *TestHarness) GetEnrollment(token, id string) EnrollmentView {
	h.t.Helper()
	var view EnrollmentView
	h.AssertJSON(h.t, h.GET("/v1/enrollments/"+id, token), http.StatusOK, &view)
	return view
}

// Tasks lists the tenant's HITL tasks.
func (h *TestHarness) Tasks(token string) []model.TaskExecution {
	h.t.Helper()
	var body struct {
		Data []model.TaskExecution `json:"data"`
	}
	h.AssertJSON(h.t, h.GET("/v1/tasks", token), http.StatusOK, &body)
	return body.Data
}
