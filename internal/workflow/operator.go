package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/definition"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// cancelAttempts bounds how often an operator cancel re-reads an enrollment
// that a worker advanced between the read and the write.
const cancelAttempts = 3

// CreateWorkflow validates and stores a new definition at version 1.
func (e *Engine) CreateWorkflow(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if err := e.validator.Check(def); err != nil {
		return model.WorkflowDefinition{}, err
	}

	now := e.now()
	def.Version = 1
	def.CreatedAt = now
	def.UpdatedAt = now
	if err := e.store.CreateDefinition(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}

	e.log(ctx).Info("workflow created",
		zap.String("workflow_id", def.ID),
		zap.String("tenant_id", def.TenantID),
		zap.Int("steps", len(def.Steps)),
	)
	return def, nil
}

// UpdateWorkflow replaces a definition's content. Definitions are immutable
// while enrollments are in flight: the update is rejected with CONFLICT when
// any non-terminal enrollment references the workflow. Otherwise the version
// is incremented.
func (e *Engine) UpdateWorkflow(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	existing, err := e.store.GetDefinition(ctx, def.TenantID, def.ID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if err := e.validator.Check(def); err != nil {
		return model.WorkflowDefinition{}, err
	}

	open, err := e.store.OpenEnrollments(ctx, def.TenantID, def.ID, "")
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if len(open) > 0 {
		return model.WorkflowDefinition{}, model.NewConflictError(
			fmt.Sprintf("workflow %q has %d open enrollments and cannot be changed", def.ID, len(open)),
		)
	}

	def.Version = existing.Version + 1
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = e.now()
	if err := e.store.UpdateDefinition(ctx, def, existing.Version); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// GetWorkflow returns one of the tenant's definitions.
func (e *Engine) GetWorkflow(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	return e.store.GetDefinition(ctx, tenantID, id)
}

// ListWorkflows returns the tenant's definitions.
func (e *Engine) ListWorkflows(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	return e.store.ListDefinitions(ctx, tenantID)
}

// ActivateWorkflow subscribes a definition to its triggers.
func (e *Engine) ActivateWorkflow(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	return e.setActive(ctx, tenantID, id, true)
}

// PauseWorkflow stops new enrollments. Enrollments already in flight keep
// running.
func (e *Engine) PauseWorkflow(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	return e.setActive(ctx, tenantID, id, false)
}

func (e *Engine) setActive(ctx context.Context, tenantID, id string, active bool) (model.WorkflowDefinition, error) {
	if err := e.store.SetDefinitionActive(ctx, tenantID, id, active); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return e.store.GetDefinition(ctx, tenantID, id)
}

// CancelWorkflowResult reports a workflow cancellation.
type CancelWorkflowResult struct {
	Workflow  model.WorkflowDefinition `json:"workflow"`
	Cancelled int                      `json:"cancelled"`
}

// CancelWorkflow deactivates a definition and cancels every open enrollment.
// Enrollments that reach a terminal state concurrently are left alone.
func (e *Engine) CancelWorkflow(ctx context.Context, tenantID, id, actorID string) (result CancelWorkflowResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.cancel",
		observability.AttrTenantID.String(tenantID),
		observability.AttrWorkflowID.String(id),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	def, err := e.setActive(ctx, tenantID, id, false)
	if err != nil {
		return CancelWorkflowResult{}, err
	}

	open, err := e.store.OpenEnrollments(ctx, tenantID, id, "")
	if err != nil {
		return CancelWorkflowResult{}, err
	}

	result.Workflow = def
	var errs []error
	for _, enr := range open {
		cancelled, err := e.cancelWithRetry(ctx, tenantID, enr.ID, actorID, "workflow cancelled")
		switch {
		case err == nil && cancelled:
			result.Cancelled++
		case err == nil, model.CodeOf(err) == model.ErrInvalidTransition:
		default:
			errs = append(errs, fmt.Errorf("cancelling enrollment %s: %w", enr.ID, err))
		}
	}
	return result, errors.Join(errs...)
}

// Summary counts a workflow's enrollments per status. Every status is
// present in the result.
func (e *Engine) Summary(ctx context.Context, tenantID, workflowID string) (model.StatusSummary, error) {
	if _, err := e.store.GetDefinition(ctx, tenantID, workflowID); err != nil {
		return model.StatusSummary{}, err
	}
	counts, err := e.store.CountByStatus(ctx, tenantID, workflowID)
	if err != nil {
		return model.StatusSummary{}, err
	}
	summary := model.StatusSummary{
		WorkflowID: workflowID,
		Counts:     make(map[model.EnrollmentStatus]int, len(model.AllEnrollmentStatuses)),
	}
	for _, s := range model.AllEnrollmentStatuses {
		summary.Counts[s] = counts[s]
	}
	return summary, nil
}

// ListEnrollments returns one page of the tenant's enrollments.
func (e *Engine) ListEnrollments(ctx context.Context, tenantID string, filter model.EnrollmentFilter) ([]model.Enrollment, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, model.NewBadRequestError(fmt.Sprintf("unknown enrollment status %q", filter.Status))
	}
	return e.store.ListEnrollments(ctx, tenantID, filter)
}

// GetEnrollment returns one of the tenant's enrollments.
func (e *Engine) GetEnrollment(ctx context.Context, tenantID, id string) (model.Enrollment, error) {
	return e.store.GetEnrollment(ctx, tenantID, id)
}

// History returns an enrollment's lifecycle events, oldest first.
func (e *Engine) History(ctx context.Context, tenantID, id string) ([]model.LifecycleEvent, error) {
	return e.store.ListEvents(ctx, tenantID, id)
}

// ListDispatches returns the messages sent for an enrollment.
func (e *Engine) ListDispatches(ctx context.Context, tenantID, id string) ([]model.DispatchedMessage, error) {
	if _, err := e.store.GetEnrollment(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return e.store.ListDispatches(ctx, tenantID, id)
}

// CancelEnrollment moves an open enrollment to CANCELLED. Cancelling an
// already cancelled enrollment is a no-op; other terminal statuses yield
// INVALID_TRANSITION.
func (e *Engine) CancelEnrollment(ctx context.Context, tenantID, id, actorID string) (model.Enrollment, error) {
	if _, err := e.cancelWithRetry(ctx, tenantID, id, actorID, ""); err != nil {
		return model.Enrollment{}, err
	}
	return e.store.GetEnrollment(ctx, tenantID, id)
}

// cancelWithRetry re-reads the enrollment when a worker advanced it between
// the read and the conditional write.
func (e *Engine) cancelWithRetry(ctx context.Context, tenantID, id, actorID, reason string) (bool, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		enr, err := e.store.GetEnrollment(ctx, tenantID, id)
		if err != nil {
			return false, err
		}
		cancelled, err := e.cancel(ctx, enr, actorID, reason)
		if errors.Is(err, ErrStale) {
			continue
		}
		return cancelled, err
	}
	return false, model.NewConflictError(fmt.Sprintf("enrollment %q is changing too quickly to cancel, retry", id))
}

// cancel applies the unconditional cancel edge to enr. It reports whether
// this call performed the cancellation.
func (e *Engine) cancel(ctx context.Context, enr model.Enrollment, actorID, reason string) (bool, error) {
	if enr.Status == model.EnrollmentCancelled {
		return false, nil
	}
	updated, err := e.apply(ctx, enr, Transition{
		EnrollmentID: enr.ID,
		From:         openStatuses,
		ExpectStep:   AnyStep,
		To:           model.EnrollmentCancelled,
		At:           e.now(),
	})
	if err != nil {
		return false, err
	}

	var data map[string]any
	if reason != "" {
		data = map[string]any{"reason": reason}
	}
	e.emit(ctx, model.EventEnrollmentCancelled, updated, enr.Status, actorID, data)
	return true, nil
}

// PauseEnrollment suspends an ACTIVE enrollment. Its schedule is cleared and
// recomputed on resume.
func (e *Engine) PauseEnrollment(ctx context.Context, tenantID, id, actorID string) (model.Enrollment, error) {
	enr, err := e.store.GetEnrollment(ctx, tenantID, id)
	if err != nil {
		return model.Enrollment{}, err
	}
	if enr.Status != model.EnrollmentActive {
		return model.Enrollment{}, model.NewInvalidTransitionError(enr.Status, model.EnrollmentPaused)
	}

	updated, err := e.apply(ctx, enr, Transition{
		EnrollmentID: enr.ID,
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   enr.CurrentStep,
		To:           model.EnrollmentPaused,
		ToStep:       enr.CurrentStep,
		At:           e.now(),
	})
	if errors.Is(err, ErrStale) {
		return model.Enrollment{}, model.NewConflictError(fmt.Sprintf("enrollment %q changed concurrently, retry", id))
	}
	if err != nil {
		return model.Enrollment{}, err
	}

	e.emit(ctx, model.EventEnrollmentPaused, updated, enr.Status, actorID, nil)
	return updated, nil
}

// ResumeEnrollment reactivates a PAUSED enrollment. The current step's delay
// is measured from the resume instant, so missed time is not caught up. An
// enrollment paused past its last step completes.
func (e *Engine) ResumeEnrollment(ctx context.Context, tenantID, id, actorID string) (model.Enrollment, error) {
	enr, err := e.store.GetEnrollment(ctx, tenantID, id)
	if err != nil {
		return model.Enrollment{}, err
	}
	if enr.Status != model.EnrollmentPaused {
		return model.Enrollment{}, model.NewInvalidTransitionError(enr.Status, model.EnrollmentActive)
	}
	def, err := e.store.GetDefinition(ctx, tenantID, enr.WorkflowID)
	if err != nil {
		return model.Enrollment{}, err
	}

	now := e.now()
	t := Transition{
		EnrollmentID: enr.ID,
		From:         []model.EnrollmentStatus{model.EnrollmentPaused},
		ExpectStep:   enr.CurrentStep,
		ToStep:       enr.CurrentStep,
		At:           now,
	}
	if step, ok := def.StepAt(enr.CurrentStep); ok {
		due := Resolve(now, step.Delay)
		t.To = model.EnrollmentActive
		t.NextScheduledAt = &due
	} else {
		t.To = model.EnrollmentCompleted
		t.CompletedAt = &now
	}

	updated, err := e.apply(ctx, enr, t)
	if errors.Is(err, ErrStale) {
		return model.Enrollment{}, model.NewConflictError(fmt.Sprintf("enrollment %q changed concurrently, retry", id))
	}
	if err != nil {
		return model.Enrollment{}, err
	}

	e.emitOutcome(ctx, model.EventEnrollmentResumed, updated, enr.Status, actorID, nil)
	return updated, nil
}
