package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Uniqueness of open
// (workflow, lead) pairs and of per-step messages and tasks is enforced by
// indexes; every enrollment mutation is a single conditional UPDATE.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Definitions ---

const definitionColumns = `id, tenant_id, name, description, version, triggers, trigger_conditions,
	ab_enabled, ab_split, active, steps, created_at, updated_at`

func (s *PgStore) CreateDefinition(ctx context.Context, def model.WorkflowDefinition) error {
	steps, conditions, err := marshalDefinition(def)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		def.ID, def.TenantID, def.Name, def.Description, def.Version, def.Triggers, conditions,
		def.ABTest.Enabled, def.ABTest.SplitPercentage, def.Active, steps, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("workflow %q already exists", def.ID))
	}
	return nil
}

func (s *PgStore) UpdateDefinition(ctx context.Context, def model.WorkflowDefinition, expectVersion int) error {
	steps, conditions, err := marshalDefinition(def)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET
			name = $1,
			description = $2,
			version = $3,
			triggers = $4,
			trigger_conditions = $5,
			ab_enabled = $6,
			ab_split = $7,
			active = $8,
			steps = $9,
			updated_at = $10
		WHERE id = $11 AND tenant_id = $12 AND version = $13`,
		def.Name, def.Description, def.Version, def.Triggers, conditions,
		def.ABTest.Enabled, def.ABTest.SplitPercentage, def.Active, steps, def.UpdatedAt,
		def.ID, def.TenantID, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("update workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetDefinition(ctx, def.TenantID, def.ID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d)", def.ID, expectVersion),
		)
	}
	return nil
}

func (s *PgStore) GetDefinition(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow definition: %w", err)
	}
	return def, nil
}

func (s *PgStore) ListDefinitions(ctx context.Context, tenantID string) ([]model.WorkflowDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE tenant_id = $1
		ORDER BY name, id`,
		tenantID,
	)
}

func (s *PgStore) FindSubscribed(ctx context.Context, tenantID, triggerType string) ([]model.WorkflowDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE tenant_id = $1 AND active AND $2 = ANY (triggers)
		ORDER BY id`,
		tenantID, triggerType,
	)
}

func (s *PgStore) SetDefinitionActive(ctx context.Context, tenantID, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET active = $1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4`,
		active, time.Now().UTC(), id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("update workflow active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return nil
}

func (s *PgStore) queryDefinitions(ctx context.Context, sql string, args ...any) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow definitions: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		result = append(result, def)
	}
	return result, rows.Err()
}

func marshalDefinition(def model.WorkflowDefinition) (steps, conditions []byte, err error) {
	if def.Steps == nil {
		def.Steps = []model.Step{}
	}
	steps, err = json.Marshal(def.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	if def.TriggerConditions != nil {
		conditions, err = json.Marshal(def.TriggerConditions)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal trigger conditions: %w", err)
		}
	}
	return steps, conditions, nil
}

func scanDefinition(row pgx.Row) (model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var steps, conditions []byte
	err := row.Scan(
		&def.ID, &def.TenantID, &def.Name, &def.Description, &def.Version, &def.Triggers, &conditions,
		&def.ABTest.Enabled, &def.ABTest.SplitPercentage, &def.Active, &steps, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if conditions != nil {
		def.TriggerConditions = &model.Condition{}
		if err := json.Unmarshal(conditions, def.TriggerConditions); err != nil {
			return model.WorkflowDefinition{}, fmt.Errorf("unmarshal trigger conditions: %w", err)
		}
	}
	return def, nil
}

// --- Enrollments ---

const enrollmentColumns = `id, tenant_id, workflow_id, workflow_version, lead_id, status, current_step,
	next_scheduled_at, ab_group, trigger_type, metadata, last_error,
	enrolled_at, updated_at, completed_at, last_engaged_at`

func (s *PgStore) CreateEnrollment(ctx context.Context, enr model.Enrollment) (bool, error) {
	var metadata []byte
	if enr.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(enr.Metadata); err != nil {
			return false, fmt.Errorf("marshal enrollment metadata: %w", err)
		}
	}

	// The partial unique index on (workflow_id, lead_id) turns a racing
	// second insert into a no-op.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT DO NOTHING`,
		enr.ID, enr.TenantID, enr.WorkflowID, enr.WorkflowVersion, enr.LeadID, string(enr.Status), enr.CurrentStep,
		enr.NextScheduledAt, enr.ABGroup, enr.TriggerType, metadata, enr.LastError,
		enr.EnrolledAt, enr.UpdatedAt, enr.CompletedAt, enr.LastEngagedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert enrollment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PgStore) GetEnrollment(ctx context.Context, tenantID, id string) (model.Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	enr, err := scanEnrollment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Enrollment{}, model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", id))
	}
	if err != nil {
		return model.Enrollment{}, fmt.Errorf("query enrollment: %w", err)
	}
	return enr, nil
}

func (s *PgStore) ListEnrollments(ctx context.Context, tenantID string, filter model.EnrollmentFilter) ([]model.Enrollment, int, error) {
	where := "tenant_id = $1"
	args := []any{tenantID}
	argIdx := 2

	if filter.WorkflowID != "" {
		where += fmt.Sprintf(" AND workflow_id = $%d", argIdx)
		args = append(args, filter.WorkflowID)
		argIdx++
	}
	if filter.LeadID != "" {
		where += fmt.Sprintf(" AND lead_id = $%d", argIdx)
		args = append(args, filter.LeadID)
		argIdx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM enrollments WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	offset, limit := pageBounds(filter.Page, filter.PageSize)
	query := fmt.Sprintf(`
		SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE %s
		ORDER BY enrolled_at DESC, id
		LIMIT $%d OFFSET $%d`, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	result, err := queryEnrollments(ctx, s.pool, query, args...)
	if err != nil {
		return nil, 0, err
	}
	if result == nil {
		result = []model.Enrollment{}
	}
	return result, total, nil
}

func (s *PgStore) OpenEnrollments(ctx context.Context, tenantID, workflowID, leadID string) ([]model.Enrollment, error) {
	return queryEnrollments(ctx, s.pool, `
		SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE tenant_id = $1
		  AND status IN ('ACTIVE', 'PAUSED', 'AWAITING_HITL')
		  AND ($2 = '' OR workflow_id = $2)
		  AND ($3 = '' OR lead_id = $3)
		ORDER BY id`,
		tenantID, workflowID, leadID,
	)
}

func (s *PgStore) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryEnrollments(ctx, s.pool, `
		SELECT `+enrollmentColumns+`
		FROM enrollments
		WHERE status = 'ACTIVE' AND next_scheduled_at <= $1
		ORDER BY next_scheduled_at, id
		LIMIT $2`,
		now, limit,
	)
}

func (s *PgStore) Transition(ctx context.Context, t Transition) (model.Enrollment, error) {
	return transition(ctx, s.pool, t)
}

// transition is the compare-and-swap UPDATE every state change goes through.
func transition(ctx context.Context, q querier, t Transition) (model.Enrollment, error) {
	from := make([]string, len(t.From))
	for i, status := range t.From {
		from[i] = string(status)
	}

	row := q.QueryRow(ctx, `
		UPDATE enrollments SET
			status = $1,
			current_step = CASE WHEN $2::int = -1 THEN current_step ELSE $3::int END,
			next_scheduled_at = $4,
			completed_at = COALESCE($5, completed_at),
			last_error = CASE WHEN $6::text = '' THEN last_error ELSE $6::text END,
			updated_at = $7
		WHERE id = $8
		  AND status = ANY ($9)
		  AND ($2::int = -1 OR current_step = $2::int)
		RETURNING `+enrollmentColumns,
		string(t.To), t.ExpectStep, t.ToStep, t.NextScheduledAt, t.CompletedAt, t.LastError, t.At,
		t.EnrollmentID, from,
	)
	enr, err := scanEnrollment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM enrollments WHERE id = $1)`, t.EnrollmentID,
		).Scan(&exists); err != nil {
			return model.Enrollment{}, fmt.Errorf("check enrollment: %w", err)
		}
		if !exists {
			return model.Enrollment{}, model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", t.EnrollmentID))
		}
		return model.Enrollment{}, ErrStale
	}
	if err != nil {
		return model.Enrollment{}, fmt.Errorf("transition enrollment: %w", err)
	}
	return enr, nil
}

func (s *PgStore) TouchEngagement(ctx context.Context, enrollmentID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments SET last_engaged_at = GREATEST(last_engaged_at, $2)
		WHERE id = $1`,
		enrollmentID, at,
	)
	if err != nil {
		return fmt.Errorf("touch enrollment engagement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", enrollmentID))
	}
	return nil
}

func (s *PgStore) CountByStatus(ctx context.Context, tenantID, workflowID string) (map[model.EnrollmentStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*)
		FROM enrollments
		WHERE tenant_id = $1 AND workflow_id = $2
		GROUP BY status`,
		tenantID, workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("count enrollments by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.EnrollmentStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[model.EnrollmentStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *PgStore) AppendEvent(ctx context.Context, event model.LifecycleEvent) error {
	var data []byte
	if event.Data != nil {
		var err error
		if data, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollment_events (
			id, tenant_id, enrollment_id, workflow_id, lead_id, type,
			step_index, from_status, to_status, actor_id, data, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		event.ID, event.TenantID, event.EnrollmentID, event.WorkflowID, event.LeadID, event.Type,
		event.StepIndex, string(event.FromStatus), string(event.ToStatus), event.ActorID, data, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert enrollment event: %w", err)
	}
	return nil
}

func (s *PgStore) ListEvents(ctx context.Context, tenantID, enrollmentID string) ([]model.LifecycleEvent, error) {
	if _, err := s.GetEnrollment(ctx, tenantID, enrollmentID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, enrollment_id, workflow_id, lead_id, type,
		       step_index, from_status, to_status, actor_id, data, occurred_at
		FROM enrollment_events
		WHERE enrollment_id = $1
		ORDER BY occurred_at, id`,
		enrollmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query enrollment events: %w", err)
	}
	defer rows.Close()

	var result []model.LifecycleEvent
	for rows.Next() {
		var ev model.LifecycleEvent
		var from, to string
		var data []byte
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.EnrollmentID, &ev.WorkflowID, &ev.LeadID, &ev.Type,
			&ev.StepIndex, &from, &to, &ev.ActorID, &data, &ev.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan enrollment event: %w", err)
		}
		ev.FromStatus = model.EnrollmentStatus(from)
		ev.ToStatus = model.EnrollmentStatus(to)
		if data != nil {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func queryEnrollments(ctx context.Context, q querier, sql string, args ...any) ([]model.Enrollment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query enrollments: %w", err)
	}
	defer rows.Close()

	var result []model.Enrollment
	for rows.Next() {
		enr, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		result = append(result, enr)
	}
	return result, rows.Err()
}

func scanEnrollment(row pgx.Row) (model.Enrollment, error) {
	var enr model.Enrollment
	var status string
	var metadata []byte
	err := row.Scan(
		&enr.ID, &enr.TenantID, &enr.WorkflowID, &enr.WorkflowVersion, &enr.LeadID, &status, &enr.CurrentStep,
		&enr.NextScheduledAt, &enr.ABGroup, &enr.TriggerType, &metadata, &enr.LastError,
		&enr.EnrolledAt, &enr.UpdatedAt, &enr.CompletedAt, &enr.LastEngagedAt,
	)
	if err != nil {
		return model.Enrollment{}, err
	}
	enr.Status = model.EnrollmentStatus(status)
	if metadata != nil {
		if err := json.Unmarshal(metadata, &enr.Metadata); err != nil {
			return model.Enrollment{}, fmt.Errorf("unmarshal enrollment metadata: %w", err)
		}
	}
	return enr, nil
}

// --- Dispatched messages ---

const messageColumns = `id, tenant_id, enrollment_id, step_index, channel, variant, status, tracking_id,
	provider_message_id, error, claimed_at, sent_at, open_count, click_count, reply_count,
	first_engaged_at, last_engaged_at`

// ClaimDispatch locks the enrollment row for the length of the insert, so a
// concurrent cancel or pause either lands first and the claim is refused, or
// waits for the claim to commit.
func (s *PgStore) ClaimDispatch(ctx context.Context, msg model.DispatchedMessage) (bool, error) {
	claimed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			status string
			step   int
		)
		err := tx.QueryRow(ctx, `
			SELECT status, current_step FROM enrollments
			WHERE id = $1
			FOR SHARE`,
			msg.EnrollmentID,
		).Scan(&status, &step)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NewNotFoundError(fmt.Sprintf("enrollment %q not found", msg.EnrollmentID))
		}
		if err != nil {
			return fmt.Errorf("lock enrollment: %w", err)
		}
		if model.EnrollmentStatus(status) != model.EnrollmentActive || step != msg.StepIndex {
			return ErrStale
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO dispatched_messages (
				id, tenant_id, enrollment_id, step_index, channel, variant, status, tracking_id, claimed_at
			) VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8)
			ON CONFLICT (enrollment_id, step_index) DO NOTHING`,
			msg.ID, msg.TenantID, msg.EnrollmentID, msg.StepIndex, string(msg.Channel), msg.Variant,
			msg.TrackingID, msg.ClaimedAt,
		)
		if err != nil {
			return fmt.Errorf("claim dispatch: %w", err)
		}
		claimed = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *PgStore) GetDispatch(ctx context.Context, enrollmentID string, stepIndex int) (model.DispatchedMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM dispatched_messages
		WHERE enrollment_id = $1 AND step_index = $2`,
		enrollmentID, stepIndex,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DispatchedMessage{}, model.NewNotFoundError(
			fmt.Sprintf("no message for enrollment %q step %d", enrollmentID, stepIndex),
		)
	}
	if err != nil {
		return model.DispatchedMessage{}, fmt.Errorf("query dispatched message: %w", err)
	}
	return msg, nil
}

func (s *PgStore) CompleteDispatch(ctx context.Context, msg model.DispatchedMessage, t Transition) (model.Enrollment, error) {
	var enr model.Enrollment
	transitionLost := false

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE dispatched_messages SET
				status = $1,
				provider_message_id = $2,
				error = $3,
				sent_at = $4,
				variant = $5
			WHERE enrollment_id = $6 AND step_index = $7 AND status = 'PENDING'`,
			string(msg.Status), msg.ProviderMessageID, msg.Error, msg.SentAt, msg.Variant,
			msg.EnrollmentID, msg.StepIndex,
		)
		if err != nil {
			return fmt.Errorf("finalize dispatched message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStale
		}

		enr, err = transition(ctx, tx, t)
		if errors.Is(err, ErrStale) {
			// Keep the message outcome; only the advance is discarded.
			transitionLost = true
			return nil
		}
		return err
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	if transitionLost {
		return model.Enrollment{}, ErrStale
	}
	return enr, nil
}

func (s *PgStore) FindByTracking(ctx context.Context, trackingID string) (model.DispatchedMessage, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM dispatched_messages
		WHERE tracking_id = $1`,
		trackingID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DispatchedMessage{}, model.NewNotFoundError(fmt.Sprintf("tracking id %q not found", trackingID))
	}
	if err != nil {
		return model.DispatchedMessage{}, fmt.Errorf("query dispatched message: %w", err)
	}
	return msg, nil
}

func (s *PgStore) IncrementEngagement(ctx context.Context, trackingID, kind string, at time.Time) (model.DispatchedMessage, error) {
	switch kind {
	case model.EngagementOpen, model.EngagementClick, model.EngagementReply:
	default:
		return model.DispatchedMessage{}, model.NewBadRequestError(fmt.Sprintf("engagement kind %q has no counter", kind))
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE dispatched_messages SET
			open_count = open_count + CASE WHEN $2 = 'open' THEN 1 ELSE 0 END,
			click_count = click_count + CASE WHEN $2 = 'click' THEN 1 ELSE 0 END,
			reply_count = reply_count + CASE WHEN $2 = 'reply' THEN 1 ELSE 0 END,
			first_engaged_at = COALESCE(first_engaged_at, $3),
			last_engaged_at = GREATEST(last_engaged_at, $3)
		WHERE tracking_id = $1
		RETURNING `+messageColumns,
		trackingID, kind, at,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.DispatchedMessage{}, model.NewNotFoundError(fmt.Sprintf("tracking id %q not found", trackingID))
	}
	if err != nil {
		return model.DispatchedMessage{}, fmt.Errorf("increment engagement: %w", err)
	}
	return msg, nil
}

func (s *PgStore) SetDeliveryStatus(ctx context.Context, trackingID string, from []model.DeliveryStatus, status model.DeliveryStatus) (model.DispatchedMessage, error) {
	expected := make([]string, len(from))
	for i, st := range from {
		expected[i] = string(st)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE dispatched_messages SET status = $2
		WHERE tracking_id = $1 AND status = ANY ($3)
		RETURNING `+messageColumns,
		trackingID, string(status), expected,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.FindByTracking(ctx, trackingID); err != nil {
			return model.DispatchedMessage{}, err
		}
		return model.DispatchedMessage{}, ErrStale
	}
	if err != nil {
		return model.DispatchedMessage{}, fmt.Errorf("set delivery status: %w", err)
	}
	return msg, nil
}

func (s *PgStore) ListDispatches(ctx context.Context, tenantID, enrollmentID string) ([]model.DispatchedMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM dispatched_messages
		WHERE tenant_id = $1 AND enrollment_id = $2
		ORDER BY step_index`,
		tenantID, enrollmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query dispatched messages: %w", err)
	}
	defer rows.Close()

	var result []model.DispatchedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatched message: %w", err)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func scanMessage(row pgx.Row) (model.DispatchedMessage, error) {
	var msg model.DispatchedMessage
	var channel, status string
	err := row.Scan(
		&msg.ID, &msg.TenantID, &msg.EnrollmentID, &msg.StepIndex, &channel, &msg.Variant, &status, &msg.TrackingID,
		&msg.ProviderMessageID, &msg.Error, &msg.ClaimedAt, &msg.SentAt, &msg.OpenCount, &msg.ClickCount, &msg.ReplyCount,
		&msg.FirstEngagedAt, &msg.LastEngagedAt,
	)
	if err != nil {
		return model.DispatchedMessage{}, err
	}
	msg.Channel = model.Channel(channel)
	msg.Status = model.DeliveryStatus(status)
	return msg, nil
}

// --- Tasks ---

const taskColumns = `id, tenant_id, enrollment_id, workflow_id, lead_id, step_index, status,
	notes, decided_by, created_at, decided_at`

func (s *PgStore) BeginHITL(ctx context.Context, task model.TaskExecution, t Transition) (model.Enrollment, error) {
	var enr model.Enrollment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO task_executions (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (enrollment_id, step_index) DO NOTHING`,
			task.ID, task.TenantID, task.EnrollmentID, task.WorkflowID, task.LeadID, task.StepIndex,
			string(task.Status), task.Notes, task.DecidedBy, task.CreatedAt, task.DecidedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task execution: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicate
		}
		enr, err = transition(ctx, tx, t)
		return err
	})
	if err != nil {
		return model.Enrollment{}, err
	}
	return enr, nil
}

func (s *PgStore) GetTask(ctx context.Context, tenantID, id string) (model.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM task_executions
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaskExecution{}, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	if err != nil {
		return model.TaskExecution{}, fmt.Errorf("query task execution: %w", err)
	}
	return task, nil
}

func (s *PgStore) GetTaskForStep(ctx context.Context, enrollmentID string, stepIndex int) (model.TaskExecution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM task_executions
		WHERE enrollment_id = $1 AND step_index = $2`,
		enrollmentID, stepIndex,
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaskExecution{}, model.NewNotFoundError(
			fmt.Sprintf("no task for enrollment %q step %d", enrollmentID, stepIndex),
		)
	}
	if err != nil {
		return model.TaskExecution{}, fmt.Errorf("query task execution: %w", err)
	}
	return task, nil
}

func (s *PgStore) ListTasks(ctx context.Context, tenantID string, status model.TaskStatus) ([]model.TaskExecution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM task_executions
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at, id`,
		tenantID, string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("query task executions: %w", err)
	}
	defer rows.Close()

	var result []model.TaskExecution
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task execution: %w", err)
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func (s *PgStore) DecideTask(ctx context.Context, d TaskDecision, t Transition) (model.TaskExecution, model.Enrollment, error) {
	var task model.TaskExecution
	var enr model.Enrollment

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE task_executions SET
				status = $1,
				decided_by = $2,
				notes = $3,
				decided_at = $4
			WHERE id = $5 AND status = 'AWAITING_HITL'
			RETURNING `+taskColumns,
			string(d.Status), d.DecidedBy, d.Notes, d.At, d.TaskID,
		)
		var err error
		task, err = scanTask(row)
		if errors.Is(err, pgx.ErrNoRows) {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM task_executions WHERE id = $1`, d.TaskID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return model.NewNotFoundError(fmt.Sprintf("task %q not found", d.TaskID))
			}
			if err != nil {
				return fmt.Errorf("query task status: %w", err)
			}
			return model.NewConflictError(fmt.Sprintf("task %q already %s", d.TaskID, current))
		}
		if err != nil {
			return fmt.Errorf("decide task execution: %w", err)
		}

		enr, err = transition(ctx, tx, t)
		return err
	})
	if err != nil {
		return model.TaskExecution{}, model.Enrollment{}, err
	}
	return task, enr, nil
}

func scanTask(row pgx.Row) (model.TaskExecution, error) {
	var task model.TaskExecution
	var status string
	err := row.Scan(
		&task.ID, &task.TenantID, &task.EnrollmentID, &task.WorkflowID, &task.LeadID, &task.StepIndex, &status,
		&task.Notes, &task.DecidedBy, &task.CreatedAt, &task.DecidedAt,
	)
	if err != nil {
		return model.TaskExecution{}, err
	}
	task.Status = model.TaskStatus(status)
	return task, nil
}
