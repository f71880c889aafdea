package model

import "time"

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

// Enrollment statuses.
const (
	EnrollmentActive       EnrollmentStatus = "ACTIVE"
	EnrollmentPaused       EnrollmentStatus = "PAUSED"
	EnrollmentAwaitingHITL EnrollmentStatus = "AWAITING_HITL"
	EnrollmentCompleted    EnrollmentStatus = "COMPLETED"
	EnrollmentCancelled    EnrollmentStatus = "CANCELLED"
	EnrollmentFailed       EnrollmentStatus = "FAILED"
)

// AllEnrollmentStatuses lists every status in monitoring order.
var AllEnrollmentStatuses = []EnrollmentStatus{
	EnrollmentActive,
	EnrollmentAwaitingHITL,
	EnrollmentPaused,
	EnrollmentCompleted,
	EnrollmentCancelled,
	EnrollmentFailed,
}

// Terminal reports whether no further transition may leave s.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentCancelled || s == EnrollmentFailed
}

// Valid reports whether s is a known status.
func (s EnrollmentStatus) Valid() bool {
	for _, known := range AllEnrollmentStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// A/B groups.
const (
	GroupA = "A"
	GroupB = "B"
)

// Enrollment is one lead's progress through one workflow.
type Enrollment struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowVersion int              `json:"workflow_version"`
	LeadID          string           `json:"lead_id"`
	Status          EnrollmentStatus `json:"status"`
	CurrentStep     int              `json:"current_step"`
	NextScheduledAt *time.Time       `json:"next_scheduled_at"`
	ABGroup         *string          `json:"ab_group"`
	TriggerType     string           `json:"trigger_type,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	EnrolledAt      time.Time        `json:"enrolled_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	LastEngagedAt   *time.Time       `json:"last_engaged_at,omitempty"`
}

// Group returns the A/B group or "" when bucketing was disabled.
func (e *Enrollment) Group() string {
	if e.ABGroup == nil {
		return ""
	}
	return *e.ABGroup
}

// EnrollmentFilter narrows enrollment listings.
type EnrollmentFilter struct {
	WorkflowID string
	LeadID     string
	Status     EnrollmentStatus
	Page       int
	PageSize   int
}

// StatusSummary counts a workflow's enrollments per status.
type StatusSummary struct {
	WorkflowID string                   `json:"workflow_id"`
	Counts     map[EnrollmentStatus]int `json:"counts"`
}

// TriggerEvent is a domain event that may enroll a lead into subscribed workflows.
type TriggerEvent struct {
	TenantID    string         `json:"tenant_id"`
	LeadID      string         `json:"lead_id"`
	TriggerType string         `json:"trigger_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Enrollment outcomes reported by the trigger processor.
const (
	OutcomeEnrolled          = "ENROLLED"
	OutcomeSkippedExisting   = "SKIPPED_EXISTING"
	OutcomeSkippedConditions = "SKIPPED_CONDITIONS"
	OutcomeFailed            = "FAILED"
)

// EnrollmentOutcome reports what happened for one candidate workflow.
type EnrollmentOutcome struct {
	WorkflowID   string `json:"workflow_id"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	Outcome      string `json:"outcome"`
	Error        string `json:"error,omitempty"`
}

// LeadSnapshot is the read-only view of a contact used for conditions and
// personalization.
type LeadSnapshot struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	FirstName  string         `json:"first_name"`
	LastName   string         `json:"last_name"`
	Email      string         `json:"email"`
	Phone      string         `json:"phone"`
	Company    string         `json:"company"`
	Status     string         `json:"status"`
	Score      int            `json:"score"`
	Tags       []string       `json:"tags,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// FullName joins first and last name.
func (l *LeadSnapshot) FullName() string {
	switch {
	case l.FirstName == "":
		return l.LastName
	case l.LastName == "":
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}
