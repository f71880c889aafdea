package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// ProcessTrigger enrolls the lead into every active workflow of the tenant
// that subscribes to the trigger type. Each workflow is handled in isolation:
// a failure yields a FAILED outcome and is joined into the returned error,
// and the remaining workflows are still processed.
func (e *Engine) ProcessTrigger(ctx context.Context, ev model.TriggerEvent) (outcomes []model.EnrollmentOutcome, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.trigger",
		observability.AttrTenantID.String(ev.TenantID),
		observability.AttrLeadID.String(ev.LeadID),
		observability.AttrTriggerType.String(ev.TriggerType),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	var details []model.FieldError
	if ev.TenantID == "" {
		details = append(details, model.FieldError{Field: "tenant_id", Code: "required", Message: "tenant_id is required"})
	}
	if ev.LeadID == "" {
		details = append(details, model.FieldError{Field: "lead_id", Code: "required", Message: "lead_id is required"})
	}
	if ev.TriggerType == "" {
		details = append(details, model.FieldError{Field: "trigger_type", Code: "required", Message: "trigger_type is required"})
	}
	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}

	// 1. Read-through lookup of subscribed workflows.
	defs, err := e.store.FindSubscribed(ctx, ev.TenantID, ev.TriggerType)
	if err != nil {
		return nil, fmt.Errorf("find subscribed workflows: %w", err)
	}

	// 2. The lead is only needed for trigger conditions; load it at most once.
	var (
		lead       model.LeadSnapshot
		leadErr    error
		leadLoaded bool
	)
	loadLead := func() (model.LeadSnapshot, error) {
		if !leadLoaded {
			lead, leadErr = e.leads.GetLead(ctx, ev.TenantID, ev.LeadID)
			leadLoaded = true
		}
		return lead, leadErr
	}

	// 3. Enroll per workflow, isolating failures.
	var errs []error
	outcomes = make([]model.EnrollmentOutcome, 0, len(defs))
	for _, def := range defs {
		out, enrollErr := e.enroll(ctx, def, ev, loadLead)
		if enrollErr != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, enrollErr))
			out = model.EnrollmentOutcome{
				WorkflowID: def.ID,
				Outcome:    model.OutcomeFailed,
				Error:      enrollErr.Error(),
			}
			e.log(ctx).Error("enrollment failed",
				zap.String("tenant_id", ev.TenantID),
				zap.String("workflow_id", def.ID),
				zap.String("lead_id", ev.LeadID),
				zap.Error(enrollErr),
			)
		}
		e.metrics.RecordEnrollment(out.Outcome)
		outcomes = append(outcomes, out)
	}

	return outcomes, errors.Join(errs...)
}

func (e *Engine) enroll(
	ctx context.Context,
	def model.WorkflowDefinition,
	ev model.TriggerEvent,
	loadLead func() (model.LeadSnapshot, error),
) (model.EnrollmentOutcome, error) {
	// 1. Trigger conditions.
	if def.TriggerConditions != nil {
		lead, err := loadLead()
		if err != nil {
			return model.EnrollmentOutcome{}, fmt.Errorf("load lead: %w", err)
		}
		if !Evaluate(def.TriggerConditions, Scope{Lead: &lead, Metadata: ev.Metadata}) {
			return model.EnrollmentOutcome{WorkflowID: def.ID, Outcome: model.OutcomeSkippedConditions}, nil
		}
	}

	// 2. Build the enrollment. The first step is scheduled from now; an empty
	// workflow completes immediately.
	now := e.now()
	enr := model.Enrollment{
		ID:              uuid.New().String(),
		TenantID:        ev.TenantID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		LeadID:          ev.LeadID,
		ABGroup:         groupFor(def.ABTest, e.draw),
		TriggerType:     ev.TriggerType,
		Metadata:        ev.Metadata,
		EnrolledAt:      now,
		UpdatedAt:       now,
	}
	if first, ok := def.StepAt(0); ok {
		due := Resolve(now, first.Delay)
		enr.Status = model.EnrollmentActive
		enr.NextScheduledAt = &due
	} else {
		enr.Status = model.EnrollmentCompleted
		enr.CompletedAt = &now
	}

	// 3. Atomic create-or-skip.
	created, err := e.store.CreateEnrollment(ctx, enr)
	if err != nil {
		return model.EnrollmentOutcome{}, fmt.Errorf("create enrollment: %w", err)
	}
	if !created {
		return model.EnrollmentOutcome{WorkflowID: def.ID, Outcome: model.OutcomeSkippedExisting}, nil
	}

	data := map[string]any{"trigger_type": ev.TriggerType}
	if enr.ABGroup != nil {
		data["ab_group"] = *enr.ABGroup
	}
	e.emit(ctx, model.EventEnrollmentCreated, enr, "", "", data)
	if enr.Status == model.EnrollmentCompleted {
		e.emit(ctx, model.EventEnrollmentCompleted, enr, "", "", nil)
	}

	e.log(ctx).Info("lead enrolled",
		zap.String("tenant_id", enr.TenantID),
		zap.String("workflow_id", enr.WorkflowID),
		zap.String("lead_id", enr.LeadID),
		zap.String("enrollment_id", enr.ID),
		zap.String("ab_group", enr.Group()),
	)
	return model.EnrollmentOutcome{
		WorkflowID:   def.ID,
		EnrollmentID: enr.ID,
		Outcome:      model.OutcomeEnrolled,
	}, nil
}
