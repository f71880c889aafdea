package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// TriggerProcessor enrolls leads for a trigger event.
type TriggerProcessor interface {
	ProcessTrigger(ctx context.Context, ev model.TriggerEvent) ([]model.EnrollmentOutcome, error)
}

// ConsumerConfig configures a TriggerConsumer.
type ConsumerConfig struct {
	Name          string
	FilterSubject string
	AckWait       time.Duration
	MaxDeliver    int
	FetchWait     time.Duration
	BatchSize     int
}

// TriggerConsumer feeds trigger events from a durable pull consumer into
// the engine. Malformed payloads are terminated; processing failures are
// redelivered up to MaxDeliver times. Redelivery is safe because enrollment
// creation skips existing (workflow, lead) pairs.
type TriggerConsumer struct {
	consumer  jetstream.Consumer
	processor TriggerProcessor
	cfg       ConsumerConfig
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewTriggerConsumer creates or updates the durable consumer on stream.
func NewTriggerConsumer(
	ctx context.Context,
	stream jetstream.Stream,
	processor TriggerProcessor,
	cfg ConsumerConfig,
	logger *zap.Logger,
	metrics *observability.Metrics,
) (*TriggerConsumer, error) {
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("events: create consumer %s: %w", cfg.Name, err)
	}
	return &TriggerConsumer{
		consumer:  consumer,
		processor: processor,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

// Run fetches and handles messages until ctx is cancelled.
func (c *TriggerConsumer) Run(ctx context.Context) error {
	c.logger.Info("trigger consumer started",
		zap.String("consumer", c.cfg.Name),
		zap.String("subject", c.cfg.FilterSubject),
	)
	for {
		if ctx.Err() != nil {
			c.logger.Debug("trigger consumer stopping")
			return nil
		}

		batch, err := c.consumer.Fetch(c.cfg.BatchSize, jetstream.FetchMaxWait(c.cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Timeouts and reconnects are normal.
			c.logger.Debug("trigger fetch failed", zap.Error(err))
			continue
		}
		for msg := range batch.Messages() {
			c.Handle(ctx, msg)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) && ctx.Err() == nil {
			c.logger.Debug("trigger batch ended with error", zap.Error(err))
		}
	}
}

// Handle processes one trigger message and acknowledges it.
func (c *TriggerConsumer) Handle(ctx context.Context, msg jetstream.Msg) {
	ctx, span := observability.StartSpan(observability.ExtractTraceContext(ctx, msg.Headers()), "events.trigger")
	defer span.End()

	ev, err := decodeTrigger(msg)
	if err != nil {
		c.logger.Warn("dropping malformed trigger", zap.String("subject", msg.Subject()), zap.Error(err))
		c.metrics.RecordTriggerConsumed("malformed")
		c.settle(msg.Term())
		return
	}

	logger := c.logger.With(
		zap.String("tenant_id", ev.TenantID),
		zap.String("lead_id", ev.LeadID),
		zap.String("trigger_type", ev.TriggerType),
	)
	outcomes, err := c.processor.ProcessTrigger(observability.WithLogger(ctx, logger), ev)
	switch {
	case err == nil:
		c.metrics.RecordTriggerConsumed("processed")
		logger.Debug("trigger processed",
			zap.Int("workflows", len(outcomes)),
			zap.Any("metadata", observability.RedactMetadata(ev.Metadata)),
		)
		c.settle(msg.Ack())
	case model.CodeOf(err) == model.ErrValidationError:
		logger.Warn("dropping invalid trigger", zap.Error(err))
		c.metrics.RecordTriggerConsumed("invalid")
		c.settle(msg.Term())
	default:
		logger.Warn("trigger processing failed, redelivering", zap.Error(err))
		c.metrics.RecordTriggerConsumed("retry")
		c.settle(msg.NakWithDelay(backoff(msg)))
	}
}

func (c *TriggerConsumer) settle(err error) {
	if err != nil {
		c.logger.Warn("failed to acknowledge trigger", zap.Error(err))
	}
}

// decodeTrigger parses the payload. The tenant is the last subject token, as
// in nexrel.triggers.<tenant>. A payload naming a different tenant is
// rejected, since publish permissions are granted per subject.
func decodeTrigger(msg jetstream.Msg) (model.TriggerEvent, error) {
	var ev model.TriggerEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		return model.TriggerEvent{}, fmt.Errorf("decode trigger: %w", err)
	}

	subject := msg.Subject()
	i := strings.LastIndexByte(subject, '.')
	if i < 0 || i == len(subject)-1 {
		return model.TriggerEvent{}, fmt.Errorf("decode trigger: subject %q names no tenant", subject)
	}
	tenant := subject[i+1:]
	if ev.TenantID != "" && ev.TenantID != tenant {
		return model.TriggerEvent{}, fmt.Errorf("decode trigger: payload tenant %q does not match subject tenant %q", ev.TenantID, tenant)
	}
	ev.TenantID = tenant
	return ev, nil
}

// backoff grows the redelivery delay with the delivery count.
func backoff(msg jetstream.Msg) time.Duration {
	delay := time.Second
	if meta, err := msg.Metadata(); err == nil {
		for i := uint64(1); i < meta.NumDelivered && delay < time.Minute; i++ {
			delay *= 2
		}
	}
	return min(delay, time.Minute)
}
