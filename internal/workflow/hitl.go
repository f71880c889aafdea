package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

const defaultApprovalNote = "Approved"

// HITLDecision is the outcome of an approve or reject call.
type HITLDecision struct {
	Task       model.TaskExecution `json:"task"`
	Enrollment model.Enrollment    `json:"enrollment"`
}

// Approve releases a HITL gate. The enrollment moves to the next step with
// its delay resolved from the approval instant, or completes when the gate
// was the last step. A task that is not AWAITING_HITL yields CONFLICT.
func (e *Engine) Approve(ctx context.Context, tenantID, taskID, approverID, notes string) (decision HITLDecision, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.hitl.approve",
		observability.AttrTenantID.String(tenantID),
		observability.AttrTaskID.String(taskID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	task, enr, def, err := e.loadGate(ctx, tenantID, taskID)
	if err != nil {
		return HITLDecision{}, err
	}
	if notes == "" {
		notes = defaultApprovalNote
	}

	now := e.now()
	t := advance(enr, def, model.EnrollmentAwaitingHITL, now)
	return e.decide(ctx, task, enr, TaskDecision{
		TaskID:    task.ID,
		Status:    model.TaskApproved,
		DecidedBy: approverID,
		Notes:     notes,
		At:        now,
	}, t, model.EventHITLApproved)
}

// Reject closes a HITL gate. The enrollment is CANCELLED, or PAUSED at the
// step after the gate when pauseWorkflow is set. A task that is not
// AWAITING_HITL yields CONFLICT.
func (e *Engine) Reject(ctx context.Context, tenantID, taskID, approverID, notes string, pauseWorkflow bool) (decision HITLDecision, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.hitl.reject",
		observability.AttrTenantID.String(tenantID),
		observability.AttrTaskID.String(taskID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	task, enr, _, err := e.loadGate(ctx, tenantID, taskID)
	if err != nil {
		return HITLDecision{}, err
	}

	now := e.now()
	t := Transition{
		EnrollmentID: enr.ID,
		From:         []model.EnrollmentStatus{model.EnrollmentAwaitingHITL},
		ExpectStep:   task.StepIndex,
		To:           model.EnrollmentCancelled,
		ToStep:       task.StepIndex,
		At:           now,
	}
	if pauseWorkflow {
		t.To = model.EnrollmentPaused
		t.ToStep = task.StepIndex + 1
	}
	return e.decide(ctx, task, enr, TaskDecision{
		TaskID:    task.ID,
		Status:    model.TaskRejected,
		DecidedBy: approverID,
		Notes:     notes,
		At:        now,
	}, t, model.EventHITLRejected)
}

// ListTasks returns the tenant's tasks awaiting a decision, oldest first.
func (e *Engine) ListTasks(ctx context.Context, tenantID string) ([]model.TaskExecution, error) {
	return e.store.ListTasks(ctx, tenantID, model.TaskAwaitingHITL)
}

// loadGate loads a pending task with its enrollment and definition.
func (e *Engine) loadGate(ctx context.Context, tenantID, taskID string) (model.TaskExecution, model.Enrollment, model.WorkflowDefinition, error) {
	task, err := e.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return model.TaskExecution{}, model.Enrollment{}, model.WorkflowDefinition{}, err
	}
	if task.Status != model.TaskAwaitingHITL {
		return model.TaskExecution{}, model.Enrollment{}, model.WorkflowDefinition{}, model.NewConflictError(
			fmt.Sprintf("task %q already %s", task.ID, task.Status),
		)
	}
	enr, err := e.store.GetEnrollment(ctx, tenantID, task.EnrollmentID)
	if err != nil {
		return model.TaskExecution{}, model.Enrollment{}, model.WorkflowDefinition{}, err
	}
	if enr.Status != model.EnrollmentAwaitingHITL || enr.CurrentStep != task.StepIndex {
		return model.TaskExecution{}, model.Enrollment{}, model.WorkflowDefinition{}, model.NewConflictError(
			fmt.Sprintf("enrollment %q is %s and no longer awaiting task %q", enr.ID, enr.Status, task.ID),
		)
	}
	def, err := e.store.GetDefinition(ctx, tenantID, enr.WorkflowID)
	if err != nil {
		return model.TaskExecution{}, model.Enrollment{}, model.WorkflowDefinition{}, err
	}
	return task, enr, def, nil
}

// decide writes the task decision and the enrollment transition together.
func (e *Engine) decide(
	ctx context.Context,
	task model.TaskExecution,
	enr model.Enrollment,
	d TaskDecision,
	t Transition,
	eventType string,
) (HITLDecision, error) {
	if err := checkTransition(enr.Status, t.To); err != nil {
		return HITLDecision{}, err
	}
	decided, updated, err := e.store.DecideTask(ctx, d, t)
	if errors.Is(err, ErrStale) {
		e.noteStale(ctx, enr, err)
		return HITLDecision{}, model.NewConflictError(
			fmt.Sprintf("enrollment %q changed while deciding task %q", enr.ID, task.ID),
		)
	}
	if err != nil {
		return HITLDecision{}, err
	}

	decision := "approved"
	if d.Status == model.TaskRejected {
		decision = "rejected"
	}
	e.metrics.RecordHITLDecision(decision)
	e.log(ctx).Info("hitl task decided",
		zap.String("task_id", decided.ID),
		zap.String("enrollment_id", updated.ID),
		zap.String("decision", decision),
		zap.String("decided_by", d.DecidedBy),
		zap.String("enrollment_status", string(updated.Status)),
	)

	data := map[string]any{"task_id": decided.ID, "notes": decided.Notes}
	e.emit(ctx, eventType, updated, enr.Status, d.DecidedBy, data)
	switch updated.Status {
	case model.EnrollmentCompleted:
		e.emit(ctx, model.EventEnrollmentCompleted, updated, "", d.DecidedBy, nil)
	case model.EnrollmentCancelled:
		e.emit(ctx, model.EventEnrollmentCancelled, updated, "", d.DecidedBy, nil)
	case model.EnrollmentPaused:
		e.emit(ctx, model.EventEnrollmentPaused, updated, "", d.DecidedBy, nil)
	}
	return HITLDecision{Task: decided, Enrollment: updated}, nil
}
