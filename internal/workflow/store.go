package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// ErrStale is returned when a conditional update matched no row because the
// enrollment no longer has the expected status or step. Callers discard the
// result of the losing operation.
var ErrStale = errors.New("workflow: enrollment changed concurrently")

// ErrDuplicate is returned when an insert guarded by a uniqueness constraint
// found an existing row.
var ErrDuplicate = errors.New("workflow: record already exists")

// AnyStep disables the step guard of a Transition. The stored step is then
// left unchanged.
const AnyStep = -1

// Transition is a compare-and-swap write against one enrollment: it applies
// only when the stored status is one of From and, unless ExpectStep is
// AnyStep, the stored step equals ExpectStep.
type Transition struct {
	EnrollmentID    string
	From            []model.EnrollmentStatus
	ExpectStep      int
	To              model.EnrollmentStatus
	ToStep          int
	NextScheduledAt *time.Time
	CompletedAt     *time.Time
	LastError       string
	At              time.Time
}

// DefinitionStore persists workflow definitions.
type DefinitionStore interface {
	// CreateDefinition inserts a new definition. Returns CONFLICT if the ID
	// already exists.
	CreateDefinition(ctx context.Context, def model.WorkflowDefinition) error

	// UpdateDefinition replaces a definition whose stored version equals
	// expectVersion. The stored version becomes def.Version. Returns CONFLICT
	// on a version mismatch.
	UpdateDefinition(ctx context.Context, def model.WorkflowDefinition, expectVersion int) error

	// GetDefinition retrieves a definition scoped to a tenant.
	GetDefinition(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error)

	// ListDefinitions returns all of a tenant's definitions ordered by name.
	ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error)

	// FindSubscribed returns the tenant's active definitions whose trigger
	// list contains triggerType, ordered by ID.
	FindSubscribed(ctx context.Context, tenantID, triggerType string) ([]model.WorkflowDefinition, error)

	// SetDefinitionActive flips the active flag.
	SetDefinitionActive(ctx context.Context, tenantID, id string, active bool) error
}

// EnrollmentStore persists enrollments and their history.
type EnrollmentStore interface {
	// CreateEnrollment inserts enr unless a non-cancelled enrollment exists
	// for the same (workflow, lead) pair. The check and insert are atomic.
	CreateEnrollment(ctx context.Context, enr model.Enrollment) (created bool, err error)

	GetEnrollment(ctx context.Context, tenantID, id string) (model.Enrollment, error)

	// ListEnrollments returns one page of matching enrollments and the total
	// match count, newest first.
	ListEnrollments(ctx context.Context, tenantID string, filter model.EnrollmentFilter) ([]model.Enrollment, int, error)

	// OpenEnrollments returns non-terminal enrollments of a workflow or lead.
	// Empty arguments are not filtered on.
	OpenEnrollments(ctx context.Context, tenantID, workflowID, leadID string) ([]model.Enrollment, error)

	// DueEnrollments returns ACTIVE enrollments of every tenant whose next
	// scheduled time is at or before now, ordered by (next_scheduled_at, id).
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error)

	// Transition applies t atomically and returns the updated enrollment, or
	// ErrStale if the guard did not match.
	Transition(ctx context.Context, t Transition) (model.Enrollment, error)

	// TouchEngagement sets last_engaged_at when at is later than the stored value.
	TouchEngagement(ctx context.Context, enrollmentID string, at time.Time) error

	// CountByStatus counts a workflow's enrollments per status.
	CountByStatus(ctx context.Context, tenantID, workflowID string) (map[model.EnrollmentStatus]int, error)

	AppendEvent(ctx context.Context, event model.LifecycleEvent) error
	ListEvents(ctx context.Context, tenantID, enrollmentID string) ([]model.LifecycleEvent, error)
}

// DispatchStore persists dispatched messages.
type DispatchStore interface {
	// ClaimDispatch inserts msg in PENDING status unless a message already
	// exists for (enrollment, step). The claim is only taken while the
	// enrollment is ACTIVE at msg.StepIndex; otherwise ErrStale is returned.
	ClaimDispatch(ctx context.Context, msg model.DispatchedMessage) (claimed bool, err error)

	GetDispatch(ctx context.Context, enrollmentID string, stepIndex int) (model.DispatchedMessage, error)

	// CompleteDispatch finalizes a PENDING message and applies t. When the
	// message is no longer PENDING nothing is written and ErrStale is
	// returned. When only the transition guard fails, the message outcome is
	// still committed and ErrStale is returned.
	CompleteDispatch(ctx context.Context, msg model.DispatchedMessage, t Transition) (model.Enrollment, error)

	FindByTracking(ctx context.Context, trackingID string) (model.DispatchedMessage, error)

	// IncrementEngagement bumps the open, click or reply counter and the
	// engagement timestamps.
	IncrementEngagement(ctx context.Context, trackingID, kind string, at time.Time) (model.DispatchedMessage, error)

	// SetDeliveryStatus moves a message to status when its current status is
	// one of from. Returns ErrStale otherwise.
	SetDeliveryStatus(ctx context.Context, trackingID string, from []model.DeliveryStatus, status model.DeliveryStatus) (model.DispatchedMessage, error)

	ListDispatches(ctx context.Context, tenantID, enrollmentID string) ([]model.DispatchedMessage, error)
}

// TaskStore persists HITL task executions.
type TaskStore interface {
	// BeginHITL inserts task and applies t in one transaction. Returns
	// ErrDuplicate if a task exists for (enrollment, step) and ErrStale if
	// the transition guard failed; nothing is written in either case.
	BeginHITL(ctx context.Context, task model.TaskExecution, t Transition) (model.Enrollment, error)

	GetTask(ctx context.Context, tenantID, id string) (model.TaskExecution, error)
	GetTaskForStep(ctx context.Context, enrollmentID string, stepIndex int) (model.TaskExecution, error)
	ListTasks(ctx context.Context, tenantID string, status model.TaskStatus) ([]model.TaskExecution, error)

	// DecideTask records a decision on an AWAITING_HITL task and applies t in
	// one transaction. Returns CONFLICT when the task was already decided and
	// ErrStale when the transition guard failed.
	DecideTask(ctx context.Context, decision TaskDecision, t Transition) (model.TaskExecution, model.Enrollment, error)
}

// TaskDecision is the outcome written to a task by DecideTask.
type TaskDecision struct {
	TaskID    string
	Status    model.TaskStatus
	DecidedBy string
	Notes     string
	At        time.Time
}

// Store is the full persistence surface of the engine.
type Store interface {
	DefinitionStore
	EnrollmentStore
	DispatchStore
	TaskStore

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

func statusIn(s model.EnrollmentStatus, set []model.EnrollmentStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
