package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/idempotency"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// EngagementResult reports the effect of one engagement signal.
type EngagementResult struct {
	Message   model.DispatchedMessage `json:"message"`
	Duplicate bool                    `json:"duplicate"`
	Paused    int                     `json:"paused,omitempty"`
}

// RecordEngagement applies an open, click, reply, delivery, bounce or
// unsubscribe signal to the message identified by its tracking id. Signals
// carrying an event id are de-duplicated; pixel hits without one are counted
// as received.
func (e *Engine) RecordEngagement(ctx context.Context, ev model.EngagementEvent) (result EngagementResult, err error) {
	if ev.TrackingID == "" {
		return EngagementResult{}, model.NewBadRequestError("tracking_id is required")
	}
	switch ev.Kind {
	case model.EngagementOpen, model.EngagementClick, model.EngagementReply,
		model.EngagementDelivered, model.EngagementBounced, model.EngagementUnsubscribe:
	default:
		return EngagementResult{}, model.NewBadRequestError(fmt.Sprintf("unknown engagement kind %q", ev.Kind))
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}

	// 1. De-duplicate provider retries. A claim whose processing fails is
	// released so the retry is counted.
	if ev.EventID != "" && e.deduper != nil {
		key := idempotency.FormatKey("engagement", ev.TrackingID+":"+ev.Kind+":"+ev.EventID)
		first, claimErr := e.deduper.Claim(ctx, key, e.dedupeTTL)
		if claimErr != nil {
			return EngagementResult{}, fmt.Errorf("claim engagement event: %w", claimErr)
		}
		if !first {
			e.metrics.RecordEngagement(ev.Kind, "duplicate")
			return EngagementResult{Duplicate: true}, nil
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := e.deduper.Release(context.WithoutCancel(ctx), key); relErr != nil {
				e.log(ctx).Warn("failed to release engagement claim", zap.String("key", key), zap.Error(relErr))
			}
		}()
	}

	// 2. Resolve the message and its enrollment.
	msg, err := e.store.FindByTracking(ctx, ev.TrackingID)
	if err != nil {
		if model.CodeOf(err) == model.ErrNotFound {
			e.metrics.RecordEngagement(ev.Kind, "unknown")
		}
		return EngagementResult{}, err
	}
	enr, err := e.store.GetEnrollment(ctx, msg.TenantID, msg.EnrollmentID)
	if err != nil {
		return EngagementResult{}, err
	}

	// 3. Apply.
	result = EngagementResult{Message: msg}
	switch ev.Kind {
	case model.EngagementOpen, model.EngagementClick, model.EngagementReply:
		result.Message, err = e.store.IncrementEngagement(ctx, ev.TrackingID, ev.Kind, ev.OccurredAt)
		if err != nil {
			return EngagementResult{}, err
		}
		if err = e.store.TouchEngagement(ctx, enr.ID, ev.OccurredAt); err != nil {
			return EngagementResult{}, err
		}

	case model.EngagementDelivered:
		result.Message, err = e.setDelivery(ctx, msg, []model.DeliveryStatus{model.DeliverySent}, model.DeliveryDelivered)
		if err != nil {
			return EngagementResult{}, err
		}

	case model.EngagementBounced:
		result.Message, err = e.setDelivery(ctx, msg,
			[]model.DeliveryStatus{model.DeliverySent, model.DeliveryDelivered}, model.DeliveryBounced)
		if err != nil {
			return EngagementResult{}, err
		}

	case model.EngagementUnsubscribe:
		result.Paused, err = e.pauseLead(ctx, enr.TenantID, enr.LeadID, "unsubscribe")
		if err != nil {
			return EngagementResult{}, err
		}
	}

	// 4. Publish for lead scoring.
	e.metrics.RecordEngagement(ev.Kind, "recorded")
	data := map[string]any{
		"tracking_id": ev.TrackingID,
		"message_id":  msg.ID,
		"channel":     string(msg.Channel),
	}
	if ev.URL != "" {
		data["url"] = ev.URL
	}
	e.emit(ctx, model.EventEngagementPrefix+ev.Kind, enr, "", "", data)
	return result, nil
}

// setDelivery moves a message's delivery status forward. A message already
// past from is left as is.
func (e *Engine) setDelivery(ctx context.Context, msg model.DispatchedMessage, from []model.DeliveryStatus, to model.DeliveryStatus) (model.DispatchedMessage, error) {
	updated, err := e.store.SetDeliveryStatus(ctx, msg.TrackingID, from, to)
	if errors.Is(err, ErrStale) {
		return msg, nil
	}
	return updated, err
}

// pauseLead pauses every ACTIVE enrollment of a lead. Enrollments that
// change concurrently are skipped.
func (e *Engine) pauseLead(ctx context.Context, tenantID, leadID, reason string) (int, error) {
	open, err := e.store.OpenEnrollments(ctx, tenantID, "", leadID)
	if err != nil {
		return 0, err
	}
	paused := 0
	for _, enr := range open {
		if enr.Status != model.EnrollmentActive {
			continue
		}
		updated, err := e.apply(ctx, enr, Transition{
			EnrollmentID: enr.ID,
			From:         []model.EnrollmentStatus{model.EnrollmentActive},
			ExpectStep:   AnyStep,
			To:           model.EnrollmentPaused,
			At:           e.now(),
		})
		if errors.Is(err, ErrStale) {
			continue
		}
		if err != nil {
			return paused, err
		}
		paused++
		e.log(ctx).Info("enrollment paused",
			zap.String("enrollment_id", enr.ID),
			zap.String("lead_id", leadID),
			zap.String("reason", reason),
		)
		e.emit(ctx, model.EventEnrollmentPaused, updated, enr.Status, "", map[string]any{"reason": reason})
	}
	return paused, nil
}
