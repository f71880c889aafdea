package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// contractEpoch is second-aligned so PostgreSQL round trips compare equal.
var contractEpoch = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

// testStoreContract runs the behaviour every Store implementation must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("definitions", func(t *testing.T) { contractDefinitions(t, newStore(t)) })
	t.Run("create enrollment is unique per open pair", func(t *testing.T) { contractOpenPair(t, newStore(t)) })
	t.Run("concurrent create enrolls once", func(t *testing.T) { contractConcurrentCreate(t, newStore(t)) })
	t.Run("transition is compare and swap", func(t *testing.T) { contractTransition(t, newStore(t)) })
	t.Run("due enrollments", func(t *testing.T) { contractDue(t, newStore(t)) })
	t.Run("list and count", func(t *testing.T) { contractListing(t, newStore(t)) })
	t.Run("dispatch claim and completion", func(t *testing.T) { contractDispatch(t, newStore(t)) })
	t.Run("engagement counters", func(t *testing.T) { contractEngagement(t, newStore(t)) })
	t.Run("hitl tasks", func(t *testing.T) { contractTasks(t, newStore(t)) })
	t.Run("events", func(t *testing.T) { contractEvents(t, newStore(t)) })
}

func contractDefinition(id string) model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:       id,
		TenantID: "tenant-1",
		Name:     "Workflow " + id,
		Version:  1,
		Triggers: []string{"lead.created"},
		ABTest:   model.ABTest{Enabled: true, SplitPercentage: 40},
		Active:   true,
		Steps: []model.Step{
			{Order: 1, Delay: model.Delay{Value: 0, Unit: model.DelayMinutes}, Action: emailAction("Hi", "Hello")},
			{Order: 2, Delay: model.Delay{Value: 1, Unit: model.DelayDays}, HITL: true},
		},
		CreatedAt: contractEpoch,
		UpdatedAt: contractEpoch,
	}
}

func contractEnrollment(id, workflowID, leadID string, next time.Time) model.Enrollment {
	return model.Enrollment{
		ID:              id,
		TenantID:        "tenant-1",
		WorkflowID:      workflowID,
		WorkflowVersion: 1,
		LeadID:          leadID,
		Status:          model.EnrollmentActive,
		NextScheduledAt: &next,
		TriggerType:     "lead.created",
		EnrolledAt:      contractEpoch,
		UpdatedAt:       contractEpoch,
	}
}

func mustCreateDefinition(t *testing.T, s Store, def model.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, s.CreateDefinition(context.Background(), def))
}

func mustEnroll(t *testing.T, s Store, enr model.Enrollment) {
	t.Helper()
	created, err := s.CreateEnrollment(context.Background(), enr)
	require.NoError(t, err)
	require.True(t, created, "enrollment %s not created", enr.ID)
}

func contractDefinitions(t *testing.T, s Store) {
	ctx := context.Background()
	def := contractDefinition("wf-b")
	def.TriggerConditions = &model.Condition{Rules: []model.ConditionRule{{Field: "lead.status", Operator: model.OpEquals, Value: "NEW"}}}
	mustCreateDefinition(t, s, def)

	err := s.CreateDefinition(ctx, def)
	assert.Equal(t, model.ErrConflict, model.CodeOf(err))

	got, err := s.GetDefinition(ctx, "tenant-1", "wf-b")
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, def.Triggers, got.Triggers)
	assert.Equal(t, def.ABTest, got.ABTest)
	require.Len(t, got.Steps, 2)
	assert.True(t, got.Steps[1].HITL)
	require.NotNil(t, got.TriggerConditions)
	assert.Equal(t, "NEW", got.TriggerConditions.Rules[0].Value)

	_, err = s.GetDefinition(ctx, "tenant-2", "wf-b")
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err), "definitions are tenant scoped")

	other := contractDefinition("wf-a")
	other.Name = "Another"
	other.Active = false
	mustCreateDefinition(t, s, other)

	list, err := s.ListDefinitions(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wf-a", list[0].ID, "ordered by name")

	subscribed, err := s.FindSubscribed(ctx, "tenant-1", "lead.created")
	require.NoError(t, err)
	require.Len(t, subscribed, 1, "inactive definitions are not subscribed")
	assert.Equal(t, "wf-b", subscribed[0].ID)

	require.NoError(t, s.SetDefinitionActive(ctx, "tenant-1", "wf-a", true))
	subscribed, err = s.FindSubscribed(ctx, "tenant-1", "lead.created")
	require.NoError(t, err)
	assert.Len(t, subscribed, 2)

	err = s.SetDefinitionActive(ctx, "tenant-2", "wf-a", false)
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))

	update := def
	update.Name = "Renamed"
	update.Version = 2
	require.NoError(t, s.UpdateDefinition(ctx, update, 1))
	err = s.UpdateDefinition(ctx, update, 1)
	assert.Equal(t, model.ErrConflict, model.CodeOf(err), "stale version")

	got, err = s.GetDefinition(ctx, "tenant-1", "wf-b")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, 2, got.Version)
}

func contractOpenPair(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateDefinition(t, s, contractDefinition("wf-1"))

	mustEnroll(t, s, contractEnrollment("enr-1", "wf-1", "lead-1", contractEpoch))

	created, err := s.CreateEnrollment(ctx, contractEnrollment("enr-2", "wf-1", "lead-1", contractEpoch))
	require.NoError(t, err)
	assert.False(t, created, "second open enrollment for the same pair")

	mustEnroll(t, s, contractEnrollment("enr-3", "wf-1", "lead-2", contractEpoch))

	// Cancelling frees the pair.
	_, err = s.Transition(ctx, Transition{
		EnrollmentID: "enr-1",
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   AnyStep,
		To:           model.EnrollmentCancelled,
		At:           contractEpoch,
	})
	require.NoError(t, err)
	mustEnroll(t, s, contractEnrollment("enr-4", "wf-1", "lead-1", contractEpoch))
}

func contractConcurrentCreate(t *testing.T, s Store) {
	mustCreateDefinition(t, s, contractDefinition("wf-1"))

	const workers = 16
	var wg sync.WaitGroup
	var created atomic.Int32
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CreateEnrollment(context.Background(),
				contractEnrollment(fmt.Sprintf("enr-%d", i), "wf-1", "lead-1", contractEpoch))
			if err != nil {
				errs <- err
				return
			}
			if ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("CreateEnrollment() error = %v", err)
	}
	assert.Equal(t, int32(1), created.Load())
}

func contractTransition(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateDefinition(t, s, contractDefinition("wf-1"))
	mustEnroll(t, s, contractEnrollment("enr-1", "wf-1", "lead-1", contractEpoch))

	next := contractEpoch.Add(24 * time.Hour)
	advanced, err := s.Transition(ctx, Transition{
		EnrollmentID:    "enr-1",
		From:            []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:      0,
		To:              model.EnrollmentActive,
		ToStep:          1,
		NextScheduledAt: &next,
		At:              contractEpoch,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.CurrentStep)
	require.NotNil(t, advanced.NextScheduledAt)
	assert.True(t, advanced.NextScheduledAt.Equal(next))

	// Same guard again loses.
	_, err = s.Transition(ctx, Transition{
		EnrollmentID:    "enr-1",
		From:            []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:      0,
		To:              model.EnrollmentActive,
		ToStep:          1,
		NextScheduledAt: &next,
		At:              contractEpoch,
	})
	assert.True(t, errors.Is(err, ErrStale), "got %v", err)

	// Wrong status loses.
	_, err = s.Transition(ctx, Transition{
		EnrollmentID: "enr-1",
		From:         []model.EnrollmentStatus{model.EnrollmentPaused},
		ExpectStep:   AnyStep,
		To:           model.EnrollmentActive,
		At:           contractEpoch,
	})
	assert.True(t, errors.Is(err, ErrStale), "got %v", err)

	// AnyStep keeps the stored step.
	paused, err := s.Transition(ctx, Transition{
		EnrollmentID: "enr-1",
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   AnyStep,
		To:           model.EnrollmentPaused,
		ToStep:       7,
		At:           contractEpoch,
	})
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentPaused, paused.Status)
	assert.Equal(t, 1, paused.CurrentStep)
	assert.Nil(t, paused.NextScheduledAt)

	failed, err := s.Transition(ctx, Transition{
		EnrollmentID: "enr-1",
		From:         []model.EnrollmentStatus{model.EnrollmentPaused},
		ExpectStep:   1,
		To:           model.EnrollmentFailed,
		ToStep:       1,
		LastError:    "boom",
		At:           contractEpoch,
	})
	require.NoError(t, err)
	assert.Equal(t, "boom", failed.LastError)

	_, err = s.Transition(ctx, Transition{
		EnrollmentID: "missing",
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   AnyStep,
		To:           model.EnrollmentPaused,
		At:           contractEpoch,
	})
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))
}

func contractDue(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateDefinition(t, s, contractDefinition("wf-1"))

	mustEnroll(t, s, contractEnrollment("enr-c", "wf-1", "lead-1", contractEpoch.Add(-time.Minute)))
	mustEnroll(t, s, contractEnrollment("enr-b", "wf-1", "lead-2", contractEpoch.Add(-time.Hour)))
	mustEnroll(t, s, contractEnrollment("enr-a", "wf-1", "lead-3", contractEpoch.Add(-time.Minute)))
	mustEnroll(t, s, contractEnrollment("enr-future", "wf-1", "lead-4", contractEpoch.Add(time.Minute)))
	mustEnroll(t, s, contractEnrollment("enr-now", "wf-1", "lead-5", contractEpoch))

	due, err := s.DueEnrollments(ctx, contractEpoch, 10)
	require.NoError(t, err)
	ids := make([]string, len(due))
	for i, enr := range due {
		ids[i] = enr.ID
	}
	assert.Equal(t, []string{"enr-b", "enr-a", "enr-c", "enr-now"}, ids, "earliest first, ties by id")

	due, err = s.DueEnrollments(ctx, contractEpoch, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func contractListing(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateDefinition(t, s, contractDefinition("wf-1"))
	for i := range 5 {
		enr := contractEnrollment(fmt.Sprintf("enr-%d", i), "wf-1", fmt.Sprintf("lead-%d", i), contractEpoch)
		enr.EnrolledAt = contractEpoch.Add(time.Duration(i) * time.Minute)
		mustEnroll(t, s, enr)
	}
	_, err := s.Transition(ctx, Transition{
		EnrollmentID: "enr-0",
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   AnyStep,
		To:           model.EnrollmentCancelled,
		At:           contractEpoch,
	})
	require.NoError(t, err)

	page, total, err := s.ListEnrollments(ctx, "tenant-1", model.EnrollmentFilter{WorkflowID: "wf-1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "enr-4", page[0].ID, "newest first")

	page, total, err = s.ListEnrollments(ctx, "tenant-1", model.EnrollmentFilter{Status: model.EnrollmentCancelled})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, "enr-0", page[0].ID)

	page, _, err = s.ListEnrollments(ctx, "tenant-1", model.EnrollmentFilter{Page: 9, PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, page)

	open, err := s.OpenEnrollments(ctx, "tenant-1", "wf-1", "")
	require.NoError(t, err)
	assert.Len(t, open, 4)
	open, err = s.OpenEnrollments(ctx, "tenant-1", "", "lead-3")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "enr-3", open[0].ID)

	counts, err := s.CountByStatus(ctx, "tenant-1", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 4, counts[model.EnrollmentActive])
	assert.Equal(t, 1, counts[model.EnrollmentCancelled])

	_, err = s.GetEnrollment(ctx, "tenant-2", "enr-1")
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))
}

func contractMessage(id, enrollmentID string, step int) model.DispatchedMessage {
	return model.DispatchedMessage{
		ID:           id,
		TenantID:     "tenant-1",
		EnrollmentID: enrollmentID,
		StepIndex:    step,
		Channel:      model.ChannelEmail,
		Variant:      model.GroupA,
		Status:       model.DeliveryPending,
		TrackingID:   "trk-" + id,
		ClaimedAt:    contractEpoch,
	}
}

func contractDispatch(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateDefinition(t, s, contractDefinition("wf-1"))
	mustEnroll(t, s, contractEnrollment("enr-1", "wf-1", "lead-1", contractEpoch))

	claimed, err := s.ClaimDispatch(ctx, contractMessage("msg-1", "enr-1", 0))
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimDispatch(ctx, contractMessage("msg-2", "enr-1", 0))
	require.NoError(t, err)
	assert.False(t, claimed, "one message per (enrollment, step)")

	pending, err := s.GetDispatch(ctx, "enr-1", 0)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, pending.Status)
	assert.Equal(t, "msg-1", pending.ID)

	sentAt := contractEpoch.Add(time.Second)
	final := pending
	final.Status = model.DeliverySent
	final.ProviderMessageID = "prov-1"
	final.SentAt = &sentAt
	next := contractEpoch.Add(24 * time.Hour)
	advance := Transition{
		EnrollmentID:    "enr-1",
		From:            []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:      0,
		To:              model.EnrollmentActive,
		ToStep:          1,
		NextScheduledAt: &next,
		At:              sentAt,
	}
	enr, err := s.CompleteDispatch(ctx, final, advance)
	require.NoError(t, err)
	assert.Equal(t, 1, enr.CurrentStep)

	// A finalized message cannot be finalized twice.
	_, err = s.CompleteDispatch(ctx, final, advance)
	assert.True(t, errors.Is(err, ErrStale), "got %v", err)

	got, err := s.FindByTracking(ctx, "trk-msg-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySent, got.Status)
	assert.Equal(t, "prov-1", got.ProviderMessageID)

	// The message outcome is kept when only the advance loses.
	claimed, err = s.ClaimDispatch(ctx, contractMessage("msg-3", "enr-1", 1))
	require.NoError(t, err)
	require.True(t, claimed)
	failed := contractMessage("msg-3", "enr-1", 1)
	failed.Status = model.DeliveryFailed
	failed.Error = "smtp down"
	_, err = s.CompleteDispatch(ctx, failed, Transition{
		EnrollmentID: "enr-1",
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   0,
		To:           model.EnrollmentActive,
		ToStep:       1,
		At:           sentAt,
	})
	assert.True(t, errors.Is(err, ErrStale), "got %v", err)
	kept, err := s.GetDispatch(ctx, "enr-1", 1)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryFailed, kept.Status)
	assert.Equal(t, "smtp down", kept.Error)

	list, err := s.ListDispatches(ctx, "tenant-1", "enr-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 0, list[0].StepIndex)

	_, err = s.FindByTracking(ctx, "trk-unknown")
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))

	// Claims follow the enrollment row, not the caller's snapshot.
	_, err = s.ClaimDispatch(ctx, contractMessage("msg-4", "enr-1", 0))
	assert.True(t, errors.Is(err, ErrStale), "step already passed: got %v", err)

	mustEnroll(t, s, contractEnrollment("enr-2", "wf-1", "lead-2", contractEpoch))
	_, err = s.Transition(ctx, Transition{
		EnrollmentID: "enr-2",
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   AnyStep,
		To:           model.EnrollmentCancelled,
		At:           contractEpoch,
	})
	require.NoError(t, err)
	claimed, err = s.ClaimDispatch(ctx, contractMessage("msg-5", "enr-2", 0))
	assert.True(t, errors.Is(err, ErrStale), "cancelled enrollment: got %v", err)
	assert.False(t, claimed)
	_, err = s.GetDispatch(ctx, "enr-2", 0)
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))

	_, err = s.ClaimDispatch(ctx, contractMessage("msg-6", "enr-missing", 0))
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))
}

func contractEngagement(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateDefinition(t, s, contractDefinition("wf-1"))
	mustEnroll(t, s, contractEnrollment("enr-1", "wf-1", "lead-1", contractEpoch))
	_, err := s.ClaimDispatch(ctx, contractMessage("msg-1", "enr-1", 0))
	require.NoError(t, err)
	msg := contractMessage("msg-1", "enr-1", 0)
	msg.Status = model.DeliverySent
	_, err = s.CompleteDispatch(ctx, msg, Transition{
		EnrollmentID: "enr-1",
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   0,
		To:           model.EnrollmentCompleted,
		ToStep:       1,
		CompletedAt:  &contractEpoch,
		At:           contractEpoch,
	})
	require.NoError(t, err)

	first := contractEpoch.Add(time.Hour)
	later := contractEpoch.Add(2 * time.Hour)
	_, err = s.IncrementEngagement(ctx, "trk-msg-1", model.EngagementOpen, later)
	require.NoError(t, err)
	got, err := s.IncrementEngagement(ctx, "trk-msg-1", model.EngagementClick, first)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OpenCount)
	assert.Equal(t, 1, got.ClickCount)
	require.NotNil(t, got.FirstEngagedAt)
	assert.True(t, got.FirstEngagedAt.Equal(later), "first engagement is set once")
	require.NotNil(t, got.LastEngagedAt)
	assert.True(t, got.LastEngagedAt.Equal(later), "last engagement never moves back")

	_, err = s.IncrementEngagement(ctx, "trk-msg-1", model.EngagementBounced, first)
	assert.Equal(t, model.ErrBadRequest, model.CodeOf(err))

	delivered, err := s.SetDeliveryStatus(ctx, "trk-msg-1", []model.DeliveryStatus{model.DeliverySent}, model.DeliveryDelivered)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryDelivered, delivered.Status)
	_, err = s.SetDeliveryStatus(ctx, "trk-msg-1", []model.DeliveryStatus{model.DeliverySent}, model.DeliveryDelivered)
	assert.True(t, errors.Is(err, ErrStale), "got %v", err)

	require.NoError(t, s.TouchEngagement(ctx, "enr-1", later))
	require.NoError(t, s.TouchEngagement(ctx, "enr-1", first))
	enr, err := s.GetEnrollment(ctx, "tenant-1", "enr-1")
	require.NoError(t, err)
	require.NotNil(t, enr.LastEngagedAt)
	assert.True(t, enr.LastEngagedAt.Equal(later))
}

func contractTasks(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateDefinition(t, s, contractDefinition("wf-1"))
	mustEnroll(t, s, contractEnrollment("enr-1", "wf-1", "lead-1", contractEpoch))

	task := model.TaskExecution{
		ID:           "task-1",
		TenantID:     "tenant-1",
		EnrollmentID: "enr-1",
		WorkflowID:   "wf-1",
		LeadID:       "lead-1",
		StepIndex:    0,
		Status:       model.TaskAwaitingHITL,
		CreatedAt:    contractEpoch,
	}
	gate := Transition{
		EnrollmentID: "enr-1",
		From:         []model.EnrollmentStatus{model.EnrollmentActive},
		ExpectStep:   0,
		To:           model.EnrollmentAwaitingHITL,
		ToStep:       0,
		At:           contractEpoch,
	}
	enr, err := s.BeginHITL(ctx, task, gate)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentAwaitingHITL, enr.Status)

	dup := task
	dup.ID = "task-2"
	_, err = s.BeginHITL(ctx, dup, gate)
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)

	awaiting, err := s.ListTasks(ctx, "tenant-1", model.TaskAwaitingHITL)
	require.NoError(t, err)
	require.Len(t, awaiting, 1)
	assert.Equal(t, "task-1", awaiting[0].ID)

	byStep, err := s.GetTaskForStep(ctx, "enr-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "task-1", byStep.ID)

	// A decision whose transition loses writes nothing.
	_, _, err = s.DecideTask(ctx, TaskDecision{TaskID: "task-1", Status: model.TaskApproved, DecidedBy: "u", At: contractEpoch},
		Transition{EnrollmentID: "enr-1", From: []model.EnrollmentStatus{model.EnrollmentAwaitingHITL}, ExpectStep: 3, To: model.EnrollmentActive, ToStep: 4, At: contractEpoch})
	assert.True(t, errors.Is(err, ErrStale), "got %v", err)
	still, err := s.GetTask(ctx, "tenant-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskAwaitingHITL, still.Status)

	decidedAt := contractEpoch.Add(time.Hour)
	reject := Transition{
		EnrollmentID: "enr-1",
		From:         []model.EnrollmentStatus{model.EnrollmentAwaitingHITL},
		ExpectStep:   0,
		To:           model.EnrollmentCancelled,
		ToStep:       0,
		At:           decidedAt,
	}
	decided, enr, err := s.DecideTask(ctx, TaskDecision{
		TaskID: "task-1", Status: model.TaskRejected, DecidedBy: "reviewer", Notes: "not a fit", At: decidedAt,
	}, reject)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRejected, decided.Status)
	assert.Equal(t, "reviewer", decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)
	assert.Equal(t, model.EnrollmentCancelled, enr.Status)

	_, _, err = s.DecideTask(ctx, TaskDecision{TaskID: "task-1", Status: model.TaskApproved, At: decidedAt}, reject)
	assert.Equal(t, model.ErrConflict, model.CodeOf(err))

	_, err = s.GetTask(ctx, "tenant-2", "task-1")
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))
}

func contractEvents(t *testing.T, s Store) {
	ctx := context.Background()
	mustCreateDefinition(t, s, contractDefinition("wf-1"))
	mustEnroll(t, s, contractEnrollment("enr-1", "wf-1", "lead-1", contractEpoch))

	for i, typ := range []string{model.EventEnrollmentCreated, model.EventStepDispatched, model.EventEnrollmentCompleted} {
		require.NoError(t, s.AppendEvent(ctx, model.LifecycleEvent{
			ID:           fmt.Sprintf("ev-%d", i),
			Type:         typ,
			TenantID:     "tenant-1",
			EnrollmentID: "enr-1",
			WorkflowID:   "wf-1",
			LeadID:       "lead-1",
			StepIndex:    i,
			ToStatus:     model.EnrollmentActive,
			Data:         map[string]any{"n": "v"},
			OccurredAt:   contractEpoch.Add(time.Duration(3-i) * -time.Minute),
		}))
	}

	events, err := s.ListEvents(ctx, "tenant-1", "enr-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventEnrollmentCreated, events[0].Type)
	assert.Equal(t, model.EventEnrollmentCompleted, events[2].Type)
	assert.Equal(t, "v", events[1].Data["n"])

	_, err = s.ListEvents(ctx, "tenant-2", "enr-1")
	assert.Equal(t, model.ErrNotFound, model.CodeOf(err))
}
