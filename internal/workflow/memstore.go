package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments. A single mutex serializes every write, which gives the same
// atomicity as the conditional updates of the PostgreSQL store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]model.WorkflowDefinition // key: definition ID
	enrollments map[string]model.Enrollment         // key: enrollment ID
	openPairs   map[string]string                   // key: workflowID|leadID -> enrollment ID
	messages    map[string]model.DispatchedMessage  // key: enrollmentID|step
	tracking    map[string]string                   // key: tracking ID -> message key
	tasks       map[string]model.TaskExecution      // key: task ID
	taskSteps   map[string]string                   // key: enrollmentID|step -> task ID
	events      map[string][]model.LifecycleEvent   // key: enrollment ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]model.WorkflowDefinition),
		enrollments: make(map[string]model.Enrollment),
		openPairs:   make(map[string]string),
		messages:    make(map[string]model.DispatchedMessage),
		tracking:    make(map[string]string),
		tasks:       make(map[string]model.TaskExecution),
		taskSteps:   make(map[string]string),
		events:      make(map[string][]model.LifecycleEvent),
	}
}

func pairKey(workflowID, leadID string) string { return workflowID + "|" + leadID }

func stepKey(enrollmentID string, step int) string {
	return fmt.Sprintf("%s|%d", enrollmentID, step)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// --- Definitions ---

func (s *MemoryStore) CreateDefinition(_ context.Context, def model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow %q already exists", def.ID))
	}
	s.definitions[def.ID] = def
	return nil
}

func (s *MemoryStore) UpdateDefinition(_ context.Context, def model.WorkflowDefinition, expectVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.definitions[def.ID]
	if !exists || existing.TenantID != def.TenantID {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", def.ID))
	}
	if existing.Version != expectVersion {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d, got %d)", def.ID, expectVersion, existing.Version),
		)
	}
	def.CreatedAt = existing.CreatedAt
	s.definitions[def.ID] = def
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.definitions[id]
	if !exists || def.TenantID != tenantID {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return def, nil
}

func (s *MemoryStore) ListDefinitions(_ context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.definitions {
		if def.TenantID == tenantID {
			result = append(result, def)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) FindSubscribed(_ context.Context, tenantID, triggerType string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, def := range s.definitions {
		if def.TenantID == tenantID && def.Active && def.SubscribesTo(triggerType) {
			result = append(result, def)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) SetDefinitionActive(_ context.Context, tenantID, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.definitions[id]
	if !exists || def.TenantID != tenantID {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	def.Active = active
	def.UpdatedAt = time.Now().UTC()
	s.definitions[id] = def
	return nil
}

// --- Enrollments ---

func (s *MemoryStore) CreateEnrollment(_ context.Context, enr model.Enrollment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(enr.WorkflowID, enr.LeadID)
	if _, open := s.openPairs[key]; open {
		return false, nil
	}
	if _, exists := s.enrollments[enr.ID]; exists {
		return false, model.NewConflictError(fmt.Sprintf("enrollment %q already exists", enr.ID))
	}
	s.enrollments[enr.ID] = enr
	if enr.Status != model.EnrollmentCancelled {
		s.openPairs[key] = enr.ID
	}
	return true, nil
}

func (s *MemoryStore) GetEnrollment(_ context.Context, tenantID, id string) (model.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enr, exists := s.enrollments[id]
	if !exists || enr.TenantID != tenantID {
		return model.Enrollment{}, model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", id))
	}
	return enr, nil
}

func (s *MemoryStore) ListEnrollments(_ context.Context, tenantID string, filter model.EnrollmentFilter) ([]model.Enrollment, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Enrollment
	for _, enr := range s.enrollments {
		if enr.TenantID != tenantID {
			continue
		}
		if filter.WorkflowID != "" && enr.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.LeadID != "" && enr.LeadID != filter.LeadID {
			continue
		}
		if filter.Status != "" && enr.Status != filter.Status {
			continue
		}
		matched = append(matched, enr)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].EnrolledAt.Equal(matched[j].EnrolledAt) {
			return matched[i].EnrolledAt.After(matched[j].EnrolledAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	offset, limit := pageBounds(filter.Page, filter.PageSize)
	if offset >= total {
		return []model.Enrollment{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) OpenEnrollments(_ context.Context, tenantID, workflowID, leadID string) ([]model.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Enrollment
	for _, enr := range s.enrollments {
		if enr.TenantID != tenantID || enr.Status.Terminal() {
			continue
		}
		if workflowID != "" && enr.WorkflowID != workflowID {
			continue
		}
		if leadID != "" && enr.LeadID != leadID {
			continue
		}
		result = append(result, enr)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *MemoryStore) DueEnrollments(_ context.Context, now time.Time, limit int) ([]model.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.Enrollment
	for _, enr := range s.enrollments {
		if enr.Status == model.EnrollmentActive && enr.NextScheduledAt != nil && !enr.NextScheduledAt.After(now) {
			due = append(due, enr)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].NextScheduledAt, due[j].NextScheduledAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) Transition(_ context.Context, t Transition) (model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(t)
}

// applyLocked performs the conditional update. Caller holds s.mu.
func (s *MemoryStore) applyLocked(t Transition) (model.Enrollment, error) {
	enr, exists := s.enrollments[t.EnrollmentID]
	if !exists {
		return model.Enrollment{}, model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", t.EnrollmentID))
	}
	if !statusIn(enr.Status, t.From) {
		return model.Enrollment{}, ErrStale
	}
	if t.ExpectStep != AnyStep {
		if enr.CurrentStep != t.ExpectStep {
			return model.Enrollment{}, ErrStale
		}
		enr.CurrentStep = t.ToStep
	}

	enr.Status = t.To
	enr.NextScheduledAt = t.NextScheduledAt
	if t.CompletedAt != nil {
		enr.CompletedAt = t.CompletedAt
	}
	if t.LastError != "" {
		enr.LastError = t.LastError
	}
	enr.UpdatedAt = t.At
	s.enrollments[enr.ID] = enr

	if enr.Status == model.EnrollmentCancelled {
		key := pairKey(enr.WorkflowID, enr.LeadID)
		if s.openPairs[key] == enr.ID {
			delete(s.openPairs, key)
		}
	}
	return enr, nil
}

func (s *MemoryStore) TouchEngagement(_ context.Context, enrollmentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enr, exists := s.enrollments[enrollmentID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", enrollmentID))
	}
	if enr.LastEngagedAt == nil || at.After(*enr.LastEngagedAt) {
		enr.LastEngagedAt = &at
		s.enrollments[enrollmentID] = enr
	}
	return nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, tenantID, workflowID string) (map[model.EnrollmentStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.EnrollmentStatus]int)
	for _, enr := range s.enrollments {
		if enr.TenantID == tenantID && enr.WorkflowID == workflowID {
			counts[enr.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event model.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.EnrollmentID] = append(s.events[event.EnrollmentID], event)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, tenantID, enrollmentID string) ([]model.LifecycleEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enr, exists := s.enrollments[enrollmentID]
	if !exists || enr.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", enrollmentID))
	}

	events := s.events[enrollmentID]
	result := make([]model.LifecycleEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

// --- Dispatched messages ---

func (s *MemoryStore) ClaimDispatch(_ context.Context, msg model.DispatchedMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enr, exists := s.enrollments[msg.EnrollmentID]
	if !exists {
		return false, model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", msg.EnrollmentID))
	}
	if enr.Status != model.EnrollmentActive || enr.CurrentStep != msg.StepIndex {
		return false, ErrStale
	}

	key := stepKey(msg.EnrollmentID, msg.StepIndex)
	if _, exists := s.messages[key]; exists {
		return false, nil
	}
	if _, taken := s.tracking[msg.TrackingID]; taken {
		return false, model.NewConflictError(fmt.Sprintf("tracking id %q already in use", msg.TrackingID))
	}
	msg.Status = model.DeliveryPending
	s.messages[key] = msg
	s.tracking[msg.TrackingID] = key
	return true, nil
}

func (s *MemoryStore) GetDispatch(_ context.Context, enrollmentID string, stepIndex int) (model.DispatchedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, exists := s.messages[stepKey(enrollmentID, stepIndex)]
	if !exists {
		return model.DispatchedMessage{}, model.NewNotFoundError(
			fmt.Sprintf("no message for enrollment %q step %d", enrollmentID, stepIndex),
		)
	}
	return msg, nil
}

func (s *MemoryStore) CompleteDispatch(_ context.Context, msg model.DispatchedMessage, t Transition) (model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey(msg.EnrollmentID, msg.StepIndex)
	stored, exists := s.messages[key]
	if !exists || stored.Status != model.DeliveryPending {
		return model.Enrollment{}, ErrStale
	}
	stored.Status = msg.Status
	stored.ProviderMessageID = msg.ProviderMessageID
	stored.Error = msg.Error
	stored.SentAt = msg.SentAt
	stored.Variant = msg.Variant
	s.messages[key] = stored

	return s.applyLocked(t)
}

func (s *MemoryStore) FindByTracking(_ context.Context, trackingID string) (model.DispatchedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, exists := s.tracking[trackingID]
	if !exists {
		return model.DispatchedMessage{}, model.NewNotFoundError(fmt.Sprintf("tracking id %q not found", trackingID))
	}
	return s.messages[key], nil
}

func (s *MemoryStore) IncrementEngagement(_ context.Context, trackingID, kind string, at time.Time) (model.DispatchedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, exists := s.tracking[trackingID]
	if !exists {
		return model.DispatchedMessage{}, model.NewNotFoundError(fmt.Sprintf("tracking id %q not found", trackingID))
	}
	msg := s.messages[key]
	switch kind {
	case model.EngagementOpen:
		msg.OpenCount++
	case model.EngagementClick:
		msg.ClickCount++
	case model.EngagementReply:
		msg.ReplyCount++
	default:
		return model.DispatchedMessage{}, model.NewBadRequestError(fmt.Sprintf("engagement kind %q has no counter", kind))
	}
	if msg.FirstEngagedAt == nil {
		msg.FirstEngagedAt = &at
	}
	if msg.LastEngagedAt == nil || at.After(*msg.LastEngagedAt) {
		msg.LastEngagedAt = &at
	}
	s.messages[key] = msg
	return msg, nil
}

func (s *MemoryStore) SetDeliveryStatus(_ context.Context, trackingID string, from []model.DeliveryStatus, status model.DeliveryStatus) (model.DispatchedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, exists := s.tracking[trackingID]
	if !exists {
		return model.DispatchedMessage{}, model.NewNotFoundError(fmt.Sprintf("tracking id %q not found", trackingID))
	}
	msg := s.messages[key]
	matched := false
	for _, candidate := range from {
		if msg.Status == candidate {
			matched = true
			break
		}
	}
	if !matched {
		return model.DispatchedMessage{}, ErrStale
	}
	msg.Status = status
	s.messages[key] = msg
	return msg, nil
}

func (s *MemoryStore) ListDispatches(_ context.Context, tenantID, enrollmentID string) ([]model.DispatchedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.DispatchedMessage
	for _, msg := range s.messages {
		if msg.TenantID == tenantID && msg.EnrollmentID == enrollmentID {
			result = append(result, msg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StepIndex < result[j].StepIndex })
	return result, nil
}

// --- Tasks ---

func (s *MemoryStore) BeginHITL(_ context.Context, task model.TaskExecution, t Transition) (model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey(task.EnrollmentID, task.StepIndex)
	if _, exists := s.taskSteps[key]; exists {
		return model.Enrollment{}, ErrDuplicate
	}
	enr, err := s.applyLocked(t)
	if err != nil {
		return model.Enrollment{}, err
	}
	s.tasks[task.ID] = task
	s.taskSteps[key] = task.ID
	return enr, nil
}

func (s *MemoryStore) GetTask(_ context.Context, tenantID, id string) (model.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, exists := s.tasks[id]
	if !exists || task.TenantID != tenantID {
		return model.TaskExecution{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	return task, nil
}

func (s *MemoryStore) GetTaskForStep(_ context.Context, enrollmentID string, stepIndex int) (model.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.taskSteps[stepKey(enrollmentID, stepIndex)]
	if !exists {
		return model.TaskExecution{}, model.NewNotFoundError(
			fmt.Sprintf("no task for enrollment %q step %d", enrollmentID, stepIndex),
		)
	}
	return s.tasks[id], nil
}

func (s *MemoryStore) ListTasks(_ context.Context, tenantID string, status model.TaskStatus) ([]model.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TaskExecution
	for _, task := range s.tasks {
		if task.TenantID != tenantID {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}
		result = append(result, task)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) DecideTask(_ context.Context, d TaskDecision, t Transition) (model.TaskExecution, model.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, exists := s.tasks[d.TaskID]
	if !exists {
		return model.TaskExecution{}, model.Enrollment{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", d.TaskID))
	}
	if task.Status != model.TaskAwaitingHITL {
		return model.TaskExecution{}, model.Enrollment{}, model.NewConflictError(
			fmt.Sprintf("task %q already %s", d.TaskID, task.Status),
		)
	}
	enr, err := s.applyLocked(t)
	if err != nil {
		return model.TaskExecution{}, model.Enrollment{}, err
	}

	at := d.At
	task.Status = d.Status
	task.DecidedBy = d.DecidedBy
	task.Notes = d.Notes
	task.DecidedAt = &at
	s.tasks[task.ID] = task
	return task, enr, nil
}

// Len returns the number of stored enrollments. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.enrollments)
}

// pageBounds converts 1-based page numbers into an offset and limit.
func pageBounds(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 25
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return (page - 1) * pageSize, pageSize
}
