// Package channel delivers composed step messages over email, SMS, voice
// and registered custom handlers.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/soshogle/nexrel-crm-sub028/model"
)

// ErrMalformed marks a message that can never be delivered as composed, for
// example a missing recipient or an unknown custom handler. Sends that fail
// with it are not retried.
var ErrMalformed = errors.New("channel: malformed message")

// Message is a fully personalized step action ready for a transport.
type Message struct {
	Channel    model.Channel
	TenantID   string
	TrackingID string
	To         string
	Subject    string
	Body       string
	Script     string
	Handler    string
	Params     map[string]any
	Lead       model.LeadSnapshot
}

// Receipt is what a provider reports for an accepted send.
type Receipt struct {
	ProviderID string
	Status     model.DeliveryStatus
}

// EmailSender sends email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (Receipt, error)
}

// SMSSender sends text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (Receipt, error)
}

// CallPlacer places outbound voice calls.
type CallPlacer interface {
	PlaceCall(ctx context.Context, to, script string) (Receipt, error)
}

// Router sends a Message through the transport for its channel.
type Router struct {
	email    EmailSender
	sms      SMSSender
	voice    CallPlacer
	handlers *HandlerRegistry
}

// NewRouter creates a router. Any transport may be nil; messages for that
// channel are then rejected as malformed.
func NewRouter(email EmailSender, sms SMSSender, voice CallPlacer, handlers *HandlerRegistry) *Router {
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &Router{email: email, sms: sms, voice: voice, handlers: handlers}
}

// Check reports ErrMalformed when msg cannot be sent by this router.
func (r *Router) Check(msg Message) error {
	switch msg.Channel {
	case model.ChannelEmail:
		if r.email == nil {
			return fmt.Errorf("%w: no email transport configured", ErrMalformed)
		}
		if msg.To == "" {
			return fmt.Errorf("%w: lead %q has no email address", ErrMalformed, msg.Lead.ID)
		}
	case model.ChannelSMS:
		if r.sms == nil {
			return fmt.Errorf("%w: no sms transport configured", ErrMalformed)
		}
		if msg.To == "" {
			return fmt.Errorf("%w: lead %q has no phone number", ErrMalformed, msg.Lead.ID)
		}
	case model.ChannelVoice:
		if r.voice == nil {
			return fmt.Errorf("%w: no voice transport configured", ErrMalformed)
		}
		if msg.To == "" {
			return fmt.Errorf("%w: lead %q has no phone number", ErrMalformed, msg.Lead.ID)
		}
	case model.ChannelCustom:
		if _, ok := r.handlers.Get(msg.Handler); !ok {
			return fmt.Errorf("%w: custom handler %q is not registered", ErrMalformed, msg.Handler)
		}
	default:
		return fmt.Errorf("%w: unknown channel %q", ErrMalformed, msg.Channel)
	}
	return nil
}

// Send delivers msg. A Receipt with an empty status is reported as SENT.
func (r *Router) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := r.Check(msg); err != nil {
		return Receipt{}, err
	}

	var (
		rec Receipt
		err error
	)
	switch msg.Channel {
	case model.ChannelEmail:
		rec, err = r.email.SendEmail(ctx, msg.To, msg.Subject, msg.Body)
	case model.ChannelSMS:
		rec, err = r.sms.SendSMS(ctx, msg.To, msg.Body)
	case model.ChannelVoice:
		rec, err = r.voice.PlaceCall(ctx, msg.To, msg.Script)
	case model.ChannelCustom:
		h, _ := r.handlers.Get(msg.Handler)
		rec, err = h.Handle(ctx, msg)
	}
	if err != nil {
		return Receipt{}, err
	}
	if rec.Status == "" {
		rec.Status = model.DeliverySent
	}
	return rec, nil
}
