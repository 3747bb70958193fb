// Package events provides the optional NATS publish/subscribe client for
// fanning delivery-report (ack) events out to external consumers. The
// client is connected at startup when an address is configured; no
// component of the core calls PublishAck, so nothing is published unless
// a caller does.
//
// # Configuration
//
//	{
//	  "events": {
//	    "address": "nats://localhost:4222",
//	    "dlr-subject": "bearerbox.dlr"
//	  }
//	}
//
// # Usage
//
// The package exposes a singleton client, initialized once at startup:
//
//	events.Connect()
//	events.GetClient().PublishAck(msg)
//
// # Thread Safety
//
// All Client methods are safe for concurrent use.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/kannelcore/bearerbox/internal/blog"
	"github.com/kannelcore/bearerbox/internal/message"
	"github.com/kannelcore/bearerbox/internal/wire"
	"github.com/nats-io/nats.go"
)

var (
	clientOnce     sync.Once
	clientInstance *Client
)

// Client wraps a NATS connection with subscription management.
type Client struct {
	conn          *nats.Conn
	subscriptions []*nats.Subscription
	mu            sync.Mutex
}

// MessageHandler is a callback invoked for every event received on a
// subscribed subject.
type MessageHandler func(subject string, data []byte)

// Connect initializes the singleton event-bus client using the global Keys
// config. A missing address leaves the bus disabled — callers of GetClient
// must tolerate a nil return, since bearerbox must run without NATS present.
func Connect() {
	clientOnce.Do(func() {
		if Keys.Address == "" {
			blog.Info("events: no address configured, DLR event bus disabled")
			return
		}

		client, err := NewClient(nil)
		if err != nil {
			blog.Warnf("events: connection failed: %v", err)
			return
		}

		clientInstance = client
	})
}

// GetClient returns the singleton client, or nil if the event bus is
// disabled or failed to connect.
func GetClient() *Client {
	return clientInstance
}

// NewClient creates a new event-bus client. If cfg is nil, the global Keys
// config is used.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Keys
	}

	if cfg.Address == "" {
		return nil, fmt.Errorf("events: address is required")
	}

	var opts []nats.Option

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	if cfg.CredsFilePath != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFilePath))
	}

	opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			blog.Warnf("events: disconnected: %v", err)
		}
	}))

	opts = append(opts, nats.ReconnectHandler(func(nc *nats.Conn) {
		blog.Infof("events: reconnected to %s", nc.ConnectedUrl())
	}))

	opts = append(opts, nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
		blog.Errorf("events: %v", err)
	}))

	nc, err := nats.Connect(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect failed: %w", err)
	}

	blog.Infof("events: connected to %s", cfg.Address)

	return &Client{
		conn:          nc,
		subscriptions: make([]*nats.Subscription, 0),
	}, nil
}

// Subscribe registers a handler for messages on the given subject.
func (c *Client) Subscribe(subject string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("events: subscribe to '%s' failed: %w", subject, err)
	}

	c.subscriptions = append(c.subscriptions, sub)
	blog.Infof("events: subscribed to '%s'", subject)
	return nil
}

// SubscribeQueue registers a handler with a queue group, so that only one
// consumer process in the group receives each event.
func (c *Client) SubscribeQueue(subject, queue string, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("events: queue subscribe to '%s' (queue: %s) failed: %w", subject, queue, err)
	}

	c.subscriptions = append(c.subscriptions, sub)
	blog.Infof("events: queue subscribed to '%s' (queue: %s)", subject, queue)
	return nil
}

// PublishAck publishes an ack message using bearerbox's own wire codec
// (§3/§6.1), so that external DLR consumers can share the same framing
// format used between the bearerbox core and box connections.
func (c *Client) PublishAck(m *message.Message) error {
	if m.Kind != message.KindAck {
		return fmt.Errorf("events: PublishAck requires an ack message, got %s", m.Kind)
	}
	return c.Publish(Keys.DLRSubject, wire.Pack(m))
}

// Publish sends raw data to the specified subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("events: publish to '%s' failed: %w", subject, err)
	}
	return nil
}

// Request sends a request and waits for a response, bounded by ctx.
func (c *Client) Request(subject string, data []byte, ctx context.Context) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("events: request to '%s' failed: %w", subject, err)
	}
	return msg.Data, nil
}

// Flush flushes the connection buffer so that all published events have
// been sent before returning.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// Close unsubscribes everything and closes the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			blog.Warnf("events: unsubscribe failed: %v", err)
		}
	}
	c.subscriptions = nil

	if c.conn != nil {
		c.conn.Close()
		blog.Info("events: connection closed")
	}
}

// IsConnected reports whether the client currently has an active connection.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Connection returns the underlying NATS connection for advanced usage.
func (c *Client) Connection() *nats.Conn {
	return c.conn
}
