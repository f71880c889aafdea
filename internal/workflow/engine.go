package workflow

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/channel"
	"github.com/soshogle/nexrel-crm-sub028/internal/definition"
	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

const (
	defaultBatchSize     = 200
	defaultDispatchLease = 10 * time.Minute
	defaultDedupeTTL     = 72 * time.Hour
)

// LeadReader is the Lead/Contact store collaborator.
type LeadReader interface {
	GetLead(ctx context.Context, tenantID, leadID string) (model.LeadSnapshot, error)
}

// Sender delivers composed messages. Check reports channel.ErrMalformed for
// messages that can never be sent; Send performs the transport call.
type Sender interface {
	Check(msg channel.Message) error
	Send(ctx context.Context, msg channel.Message) (channel.Receipt, error)
}

// Deduper claims an idempotency key for ttl. Claim returns false when the
// key was already claimed; Release frees a key whose processing failed.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// EventPublisher fans lifecycle events out to external consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event model.LifecycleEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.LifecycleEvent) error { return nil }

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now. Tests use it to pin instants.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandom replaces the A/B bucketing draw.
func WithRandom(draw func() float64) Option {
	return func(e *Engine) { e.draw = draw }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithDeduper enables engagement de-duplication by event id.
func WithDeduper(d Deduper, ttl time.Duration) Option {
	return func(e *Engine) {
		e.deduper = d
		if ttl > 0 {
			e.dedupeTTL = ttl
		}
	}
}

// WithBatchSize bounds the number of enrollments one due scan handles.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithDispatchLease sets how long a PENDING dispatch claim is honoured
// before another worker may mark it failed and move on.
func WithDispatchLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lease = d
		}
	}
}

// WithValidator replaces the definition validator, for example to restrict
// custom actions to registered handlers.
func WithValidator(v *definition.Validator) Option {
	return func(e *Engine) {
		if v != nil {
			e.validator = v
		}
	}
}

// WithTracker enables open and click tracking links in outgoing email.
func WithTracker(t *channel.Tracker) Option {
	return func(e *Engine) { e.tracker = t }
}

// Engine runs drip-campaign enrollments: it enrolls leads on triggers,
// executes due steps, gates HITL steps and records engagement.
type Engine struct {
	store     Store
	leads     LeadReader
	sender    Sender
	publisher EventPublisher
	deduper   Deduper
	validator *definition.Validator
	logger    *zap.Logger
	metrics   *observability.Metrics

	now       func() time.Time
	draw      func() float64
	batchSize int
	lease     time.Duration
	dedupeTTL time.Duration
	tracker   *channel.Tracker
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, leads LeadReader, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		leads:     leads,
		sender:    sender,
		publisher: nopPublisher{},
		validator: definition.NewValidator(),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		draw:      rand.Float64,
		batchSize: defaultBatchSize,
		lease:     defaultDispatchLease,
		dedupeTTL: defaultDedupeTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the engine's store.
func (e *Engine) Store() Store { return e.store }

// Tracker returns the link tracker, or nil when tracking is off.
func (e *Engine) Tracker() *channel.Tracker { return e.tracker }

func (e *Engine) log(ctx context.Context) *zap.Logger {
	return observability.LoggerFrom(ctx, e.logger)
}

// apply validates the lifecycle edge from enr's current status and performs
// the conditional write. ErrStale is counted and returned unwrapped.
func (e *Engine) apply(ctx context.Context, enr model.Enrollment, t Transition) (model.Enrollment, error) {
	if err := checkTransition(enr.Status, t.To); err != nil {
		return model.Enrollment{}, err
	}
	updated, err := e.store.Transition(ctx, t)
	if err != nil {
		e.noteStale(ctx, enr, err)
		return model.Enrollment{}, err
	}
	return updated, nil
}

// noteStale logs and counts a lost compare-and-swap.
func (e *Engine) noteStale(ctx context.Context, enr model.Enrollment, err error) {
	if !errors.Is(err, ErrStale) {
		return
	}
	e.metrics.RecordTransitionConflict()
	e.log(ctx).Debug("discarding stale enrollment update",
		zap.String("enrollment_id", enr.ID),
		zap.Int("step", enr.CurrentStep),
		zap.String("status", string(enr.Status)),
	)
}

// advance builds the transition that moves enr past its current step: ACTIVE
// at the next step with its delay resolved from at, or COMPLETED when no
// steps remain.
func advance(enr model.Enrollment, def model.WorkflowDefinition, from model.EnrollmentStatus, at time.Time) Transition {
	next := enr.CurrentStep + 1
	t := Transition{
		EnrollmentID: enr.ID,
		From:         []model.EnrollmentStatus{from},
		ExpectStep:   enr.CurrentStep,
		ToStep:       next,
		At:           at,
	}
	if step, ok := def.StepAt(next); ok {
		due := Resolve(at, step.Delay)
		t.To = model.EnrollmentActive
		t.NextScheduledAt = &due
	} else {
		t.To = model.EnrollmentCompleted
		t.CompletedAt = &at
	}
	return t
}

// emit appends a lifecycle event to the enrollment history and publishes it.
// Both are best effort: the state change has already been committed.
func (e *Engine) emit(ctx context.Context, eventType string, enr model.Enrollment, from model.EnrollmentStatus, actorID string, data map[string]any) {
	if from != "" && from != enr.Status {
		e.metrics.RecordTransition(string(from), string(enr.Status))
	}

	event := model.LifecycleEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		TenantID:     enr.TenantID,
		EnrollmentID: enr.ID,
		WorkflowID:   enr.WorkflowID,
		LeadID:       enr.LeadID,
		StepIndex:    enr.CurrentStep,
		FromStatus:   from,
		ToStatus:     enr.Status,
		ActorID:      actorID,
		Data:         data,
		OccurredAt:   e.now(),
	}
	if enr.ID != "" {
		if err := e.store.AppendEvent(ctx, event); err != nil {
			e.log(ctx).Warn("failed to append enrollment event",
				zap.String("enrollment_id", enr.ID),
				zap.String("event", eventType),
				zap.Error(err),
			)
		}
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log(ctx).Warn("failed to publish lifecycle event",
			zap.String("event", eventType),
			zap.Error(err),
		)
	}
}

// emitOutcome emits the event matching the status an enrollment landed in.
func (e *Engine) emitOutcome(ctx context.Context, stepEvent string, enr model.Enrollment, from model.EnrollmentStatus, actorID string, data map[string]any) {
	e.emit(ctx, stepEvent, enr, from, actorID, data)
	if enr.Status == model.EnrollmentCompleted {
		e.emit(ctx, model.EventEnrollmentCompleted, enr, "", actorID, nil)
	}
}
