package model

import "time"

// DeliveryStatus is the state of a dispatched message. PENDING marks a
// claimed step whose send has not been finalized yet.
type DeliveryStatus string

// Delivery statuses.
const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryBounced   DeliveryStatus = "BOUNCED"
)

// DispatchedMessage records one executed non-HITL step.
type DispatchedMessage struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	EnrollmentID      string         `json:"enrollment_id"`
	StepIndex         int            `json:"step_index"`
	Channel           Channel        `json:"channel"`
	Variant           string         `json:"variant,omitempty"`
	Status            DeliveryStatus `json:"status"`
	TrackingID        string         `json:"tracking_id"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
	ClaimedAt         time.Time      `json:"claimed_at"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	OpenCount         int            `json:"open_count"`
	ClickCount        int            `json:"click_count"`
	ReplyCount        int            `json:"reply_count"`
	FirstEngagedAt    *time.Time     `json:"first_engaged_at,omitempty"`
	LastEngagedAt     *time.Time     `json:"last_engaged_at,omitempty"`
}

// TaskStatus is the state of a human-in-the-loop task.
type TaskStatus string

// Task statuses.
const (
	TaskAwaitingHITL TaskStatus = "AWAITING_HITL"
	TaskApproved     TaskStatus = "APPROVED"
	TaskRejected     TaskStatus = "REJECTED"
)

// TaskExecution is the approval gate raised by a HITL step.
type TaskExecution struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	EnrollmentID string     `json:"enrollment_id"`
	WorkflowID   string     `json:"workflow_id"`
	LeadID       string     `json:"lead_id"`
	StepIndex    int        `json:"step_index"`
	Status       TaskStatus `json:"status"`
	Notes        string     `json:"notes,omitempty"`
	DecidedBy    string     `json:"decided_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DecidedAt    *time.Time `json:"decided_at,omitempty"`
}

// Engagement event kinds.
const (
	EngagementOpen        = "open"
	EngagementClick       = "click"
	EngagementReply       = "reply"
	EngagementDelivered   = "delivered"
	EngagementBounced     = "bounced"
	EngagementUnsubscribe = "unsubscribe"
)

// EngagementEvent is a pixel hit, link click or provider webhook callback
// keyed by a message tracking identifier.
type EngagementEvent struct {
	TrackingID string    `json:"tracking_id"`
	Kind       string    `json:"kind"`
	EventID    string    `json:"event_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LifecycleEvent is appended to an enrollment's history and published to
// downstream consumers.
type LifecycleEvent struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	TenantID     string           `json:"tenant_id"`
	EnrollmentID string           `json:"enrollment_id,omitempty"`
	WorkflowID   string           `json:"workflow_id,omitempty"`
	LeadID       string           `json:"lead_id,omitempty"`
	StepIndex    int              `json:"step_index"`
	FromStatus   EnrollmentStatus `json:"from_status,omitempty"`
	ToStatus     EnrollmentStatus `json:"to_status,omitempty"`
	ActorID      string           `json:"actor_id,omitempty"`
	Data         map[string]any   `json:"data,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// Lifecycle event types.
const (
	EventEnrollmentCreated   = "enrollment.created"
	EventStepDispatched      = "enrollment.step_dispatched"
	EventStepSkipped         = "enrollment.step_skipped"
	EventHITLRequested       = "hitl.requested"
	EventHITLApproved        = "hitl.approved"
	EventHITLRejected        = "hitl.rejected"
	EventEnrollmentCompleted = "enrollment.completed"
	EventEnrollmentFailed    = "enrollment.failed"
	EventEnrollmentCancelled = "enrollment.cancelled"
	EventEnrollmentPaused    = "enrollment.paused"
	EventEnrollmentResumed   = "enrollment.resumed"
	EventEngagementPrefix    = "engagement."
)
