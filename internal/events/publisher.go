package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/soshogle/nexrel-crm-sub028/internal/observability"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

// Publisher publishes lifecycle events on <prefix>.<event type>, for example
// nexrel.events.enrollment.completed.
type Publisher struct {
	js     jetstream.JetStream
	prefix string
}

// NewPublisher creates a publisher for subjects under prefix.
func NewPublisher(js jetstream.JetStream, prefix string) *Publisher {
	return &Publisher{js: js, prefix: prefix}
}

// Publish stores the event in the stream with the caller's trace context in
// the message headers. The event id doubles as the JetStream message id, so
// a retried publish is stored once.
func (p *Publisher) Publish(ctx context.Context, event model.LifecycleEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", event.Type, err)
	}
	msg := &nats.Msg{Subject: p.Subject(event.Type), Data: data, Header: nats.Header{}}
	observability.InjectTraceContext(ctx, msg.Header)
	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	return nil
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}
