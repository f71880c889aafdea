// Package events connects the engine to NATS JetStream: lifecycle events are
// published for downstream consumers and trigger events are consumed from a
// durable pull consumer.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/soshogle/nexrel-crm-sub028/internal/config"
)

// ErrNotConnected is returned by HealthCheck while the connection is down.
var ErrNotConnected = errors.New("events: not connected to nats")

// Client owns the NATS connection and its JetStream context.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// Connect dials NATS and makes sure the configured stream exists.
func Connect(ctx context.Context, cfg config.EventsConfig, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("nexrel-dripd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect %s: %w", cfg.URL, err)
	}
	c, err := NewClient(ctx, nc, cfg.Stream, streamSubjects(cfg))
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an open connection and ensures the stream exists with
// the given subjects.
func NewClient(ctx context.Context, nc *nats.Conn, streamName string, subjects []string) (*Client, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("events: jetstream: %w", err)
	}
	stream, err := EnsureStream(ctx, js, streamName, subjects)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream creates the stream or updates its subjects. Messages carrying
// the same Nats-Msg-Id within the duplicate window are stored once.
func EnsureStream(ctx context.Context, js jetstream.JetStream, name string, subjects []string) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("events: ensure stream %s: %w", name, err)
	}
	return stream, nil
}

func streamSubjects(cfg config.EventsConfig) []string {
	return []string{cfg.TriggerSubject, cfg.EventPrefix + ".>"}
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() jetstream.JetStream { return c.js }

// Stream returns the engine stream.
func (c *Client) Stream() jetstream.Stream { return c.stream }

// HealthCheck reports whether the connection is up.
func (c *Client) HealthCheck(context.Context) error {
	if c.nc.Status() != nats.CONNECTED {
		return fmt.Errorf("%w: status %s", ErrNotConnected, c.nc.Status())
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() error {
	return c.nc.Drain()
}
