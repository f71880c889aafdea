package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/channel"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// Execution outcomes.
const (
	ExecDispatched   = "DISPATCHED"
	ExecRecovered    = "RECOVERED"
	ExecSkipped      = "SKIPPED"
	ExecAwaitingHITL = "AWAITING_HITL"
	ExecCompleted    = "COMPLETED"
	ExecFailed       = "FAILED"
	ExecDiscarded    = "DISCARDED"
)

// ExecutionResult reports what one Execute call did. Enrollment is the
// stored state after the call; Message and Task are set when a message was
// finalized or a HITL task raised.
type ExecutionResult struct {
	Outcome    string                   `json:"outcome"`
	Enrollment model.Enrollment         `json:"enrollment"`
	Message    *model.DispatchedMessage `json:"message,omitempty"`
	Task       *model.TaskExecution     `json:"task,omitempty"`
}

const leaseExpiredError = "dispatch lease expired"

// Execute runs the step at the enrollment's current index. Concurrent calls
// for the same enrollment are safe: exactly one writes the step's message or
// task and advances the enrollment, the others return ExecDiscarded.
func (e *Engine) Execute(ctx context.Context, enr model.Enrollment) (result ExecutionResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.execute", observability.EnrollmentAttrs(enr)...)
	defer func() { observability.EndSpanWithError(span, err) }()

	if enr.Status != model.EnrollmentActive {
		return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr}, nil
	}

	// 1. Load definition and step.
	def, err := e.store.GetDefinition(ctx, enr.TenantID, enr.WorkflowID)
	if err != nil {
		if model.CodeOf(err) == model.ErrNotFound {
			return e.fail(ctx, enr, fmt.Sprintf("workflow %q not found", enr.WorkflowID))
		}
		return ExecutionResult{}, fmt.Errorf("load workflow: %w", err)
	}
	step, ok := def.StepAt(enr.CurrentStep)
	if !ok {
		return e.complete(ctx, enr)
	}

	// 2. Load lead for conditions and personalization.
	lead, err := e.leads.GetLead(ctx, enr.TenantID, enr.LeadID)
	if err != nil {
		if model.CodeOf(err) == model.ErrNotFound {
			return e.fail(ctx, enr, fmt.Sprintf("lead %q not found", enr.LeadID))
		}
		return ExecutionResult{}, fmt.Errorf("load lead: %w", err)
	}

	// 3. Branch condition.
	scope := Scope{Lead: &lead, Metadata: enr.Metadata, Group: enr.Group()}
	if !Evaluate(step.Condition, scope) {
		return e.skip(ctx, enr, def)
	}

	// 4. HITL gate.
	if step.HITL {
		return e.raiseGate(ctx, enr, step)
	}

	// 5. Channel action.
	return e.dispatch(ctx, enr, def, step, lead)
}

// complete finishes an enrollment whose step index is past the last step.
func (e *Engine) complete(ctx context.Context, enr model.Enrollment) (ExecutionResult, error) {
	now := e.now()
	updated, err := e.apply(ctx, enr, Transition{
		EnrollmentID: enr.ID,
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   enr.CurrentStep,
		To:           model.EnrollmentCompleted,
		ToStep:       enr.CurrentStep,
		CompletedAt:  &now,
		At:           now,
	})
	if errors.Is(err, ErrStale) {
		return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr}, nil
	}
	if err != nil {
		return ExecutionResult{}, err
	}
	e.emit(ctx, model.EventEnrollmentCompleted, updated, enr.Status, "", nil)
	return ExecutionResult{Outcome: ExecCompleted, Enrollment: updated}, nil
}

// fail moves the enrollment to FAILED. These errors need manual attention
// and are never retried by the scanner.
func (e *Engine) fail(ctx context.Context, enr model.Enrollment, reason string) (ExecutionResult, error) {
	now := e.now()
	updated, err := e.apply(ctx, enr, Transition{
		EnrollmentID: enr.ID,
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   enr.CurrentStep,
		To:           model.EnrollmentFailed,
		ToStep:       enr.CurrentStep,
		LastError:    reason,
		At:           now,
	})
	if errors.Is(err, ErrStale) {
		return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr}, nil
	}
	if err != nil {
		return ExecutionResult{}, err
	}

	e.log(ctx).Error("enrollment failed",
		zap.String("tenant_id", enr.TenantID),
		zap.String("workflow_id", enr.WorkflowID),
		zap.String("enrollment_id", enr.ID),
		zap.Int("step", enr.CurrentStep),
		zap.String("reason", reason),
	)
	e.emit(ctx, model.EventEnrollmentFailed, updated, enr.Status, "", map[string]any{"error": reason})
	return ExecutionResult{Outcome: ExecFailed, Enrollment: updated}, nil
}

// skip advances past a step whose branch condition is false. No message or
// task is recorded.
func (e *Engine) skip(ctx context.Context, enr model.Enrollment, def model.WorkflowDefinition) (ExecutionResult, error) {
	updated, err := e.apply(ctx, enr, advance(enr, def, model.EnrollmentActive, e.now()))
	if errors.Is(err, ErrStale) {
		return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr}, nil
	}
	if err != nil {
		return ExecutionResult{}, err
	}
	e.metrics.RecordStepSkipped("condition")
	e.emitOutcome(ctx, model.EventStepSkipped, updated, enr.Status, "",
		map[string]any{"skipped_step": enr.CurrentStep, "reason": "condition"})
	return ExecutionResult{Outcome: ExecSkipped, Enrollment: updated}, nil
}

// raiseGate records the HITL task and suspends the enrollment in one write.
func (e *Engine) raiseGate(ctx context.Context, enr model.Enrollment, step model.Step) (ExecutionResult, error) {
	now := e.now()
	task := model.TaskExecution{
		ID:           uuid.New().String(),
		TenantID:     enr.TenantID,
		EnrollmentID: enr.ID,
		WorkflowID:   enr.WorkflowID,
		LeadID:       enr.LeadID,
		StepIndex:    enr.CurrentStep,
		Status:       model.TaskAwaitingHITL,
		CreatedAt:    now,
	}
	updated, err := e.store.BeginHITL(ctx, task, Transition{
		EnrollmentID: enr.ID,
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   enr.CurrentStep,
		To:           model.EnrollmentAwaitingHITL,
		ToStep:       enr.CurrentStep,
		At:           now,
	})
	if errors.Is(err, ErrStale) || errors.Is(err, ErrDuplicate) {
		e.noteStale(ctx, enr, ErrStale)
		return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr}, nil
	}
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("begin hitl: %w", err)
	}

	e.log(ctx).Info("step awaiting approval",
		zap.String("enrollment_id", enr.ID),
		zap.String("task_id", task.ID),
		zap.Int("step", enr.CurrentStep),
	)
	e.emit(ctx, model.EventHITLRequested, updated, enr.Status, "", map[string]any{
		"task_id":   task.ID,
		"step_name": step.Name,
		"urgency":   "HIGH",
	})
	return ExecutionResult{Outcome: ExecAwaitingHITL, Enrollment: updated, Task: &task}, nil
}

// dispatch claims the (enrollment, step) message slot, sends, and finalizes
// the message together with the advance.
func (e *Engine) dispatch(
	ctx context.Context,
	enr model.Enrollment,
	def model.WorkflowDefinition,
	step model.Step,
	lead model.LeadSnapshot,
) (ExecutionResult, error) {
	// 1. Pick the variant and compose. Malformed content fails the enrollment
	// before anything is claimed.
	action := step.Action
	variant := enr.Group()
	if variant == model.GroupB && step.VariantB != nil {
		action = *step.VariantB
	}
	trackingID := uuid.New().String()
	msg, err := channel.Compose(action, lead, trackingID, e.tracker)
	if err == nil {
		err = e.sender.Check(msg)
	}
	if err != nil {
		if errors.Is(err, channel.ErrMalformed) {
			return e.fail(ctx, enr, err.Error())
		}
		return ExecutionResult{}, err
	}

	// 2. Claim the slot.
	claim := model.DispatchedMessage{
		ID:           uuid.New().String(),
		TenantID:     enr.TenantID,
		EnrollmentID: enr.ID,
		StepIndex:    enr.CurrentStep,
		Channel:      msg.Channel,
		Variant:      variant,
		Status:       model.DeliveryPending,
		TrackingID:   trackingID,
		ClaimedAt:    e.now(),
	}
	claimed, err := e.store.ClaimDispatch(ctx, claim)
	if errors.Is(err, ErrStale) {
		// Cancelled, paused or advanced since the scan read it.
		e.noteStale(ctx, enr, err)
		return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr}, nil
	}
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("claim dispatch: %w", err)
	}
	if !claimed {
		return e.recoverClaim(ctx, enr, def)
	}

	// 3. Send. A transport failure is recorded and the enrollment still
	// advances.
	sendCtx, span := observability.StartSpan(ctx, "channel.send",
		observability.AttrChannel.String(string(msg.Channel)),
	)
	start := e.now()
	rec, sendErr := e.sender.Send(sendCtx, msg)
	observability.EndSpanWithError(span, sendErr)
	sentAt := e.now()
	claim.SentAt = &sentAt
	if sendErr != nil {
		claim.Status = model.DeliveryFailed
		claim.Error = sendErr.Error()
		e.log(ctx).Warn("send failed, advancing",
			zap.String("enrollment_id", enr.ID),
			zap.Int("step", enr.CurrentStep),
			zap.String("channel", string(msg.Channel)),
			zap.Error(sendErr),
		)
	} else {
		claim.Status = rec.Status
		claim.ProviderMessageID = rec.ProviderID
	}
	e.metrics.RecordDispatch(string(msg.Channel), string(claim.Status), sentAt.Sub(start))

	// 4. Finalize and advance.
	updated, err := e.store.CompleteDispatch(ctx, claim, advance(enr, def, model.EnrollmentActive, sentAt))
	if errors.Is(err, ErrStale) {
		e.noteStale(ctx, enr, err)
		return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr, Message: &claim}, nil
	}
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("complete dispatch: %w", err)
	}

	e.emitOutcome(ctx, model.EventStepDispatched, updated, enr.Status, "", map[string]any{
		"dispatched_step": enr.CurrentStep,
		"channel":         string(claim.Channel),
		"status":          string(claim.Status),
		"tracking_id":     claim.TrackingID,
	})
	return ExecutionResult{Outcome: ExecDispatched, Enrollment: updated, Message: &claim}, nil
}

// recoverClaim handles a lost claim. A live PENDING claim belongs to another
// worker and is left alone. An expired PENDING claim is marked FAILED and the
// enrollment advanced. A finalized message whose enrollment never advanced is
// advanced now.
func (e *Engine) recoverClaim(ctx context.Context, enr model.Enrollment, def model.WorkflowDefinition) (ExecutionResult, error) {
	existing, err := e.store.GetDispatch(ctx, enr.ID, enr.CurrentStep)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("load claimed dispatch: %w", err)
	}
	now := e.now()

	var updated model.Enrollment
	if existing.Status == model.DeliveryPending {
		if now.Sub(existing.ClaimedAt) < e.lease {
			return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr}, nil
		}
		existing.Status = model.DeliveryFailed
		existing.Error = leaseExpiredError
		updated, err = e.store.CompleteDispatch(ctx, existing, advance(enr, def, model.EnrollmentActive, now))
		if err == nil {
			e.metrics.RecordDispatch(string(existing.Channel), string(existing.Status), 0)
			e.log(ctx).Warn("dispatch lease expired, advancing",
				zap.String("enrollment_id", enr.ID),
				zap.Int("step", enr.CurrentStep),
				zap.Time("claimed_at", existing.ClaimedAt),
			)
		}
	} else {
		updated, err = e.apply(ctx, enr, advance(enr, def, model.EnrollmentActive, now))
	}
	if errors.Is(err, ErrStale) {
		e.noteStale(ctx, enr, err)
		return ExecutionResult{Outcome: ExecDiscarded, Enrollment: enr}, nil
	}
	if err != nil {
		return ExecutionResult{}, err
	}

	e.emitOutcome(ctx, model.EventStepDispatched, updated, enr.Status, "", map[string]any{
		"dispatched_step": enr.CurrentStep,
		"channel":         string(existing.Channel),
		"status":          string(existing.Status),
		"tracking_id":     existing.TrackingID,
		"recovered":       true,
	})
	return ExecutionResult{Outcome: ExecRecovered, Enrollment: updated, Message: &existing}, nil
}
