// Package bus carries task lifecycle events between the dispatcher, the
// controller and out-of-process callbacks. NATS is used when a server URL
// is configured; otherwise an in-process bus serves the same interface.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// MessageBus is a publish/subscribe transport. Implementations must be
// safe for concurrent use.
type MessageBus interface {
	// Publish sends data to every subscriber of subject and returns
	// without waiting for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. Supports "*" for one token
	// and ">" for the remaining tokens.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe delivers each message to exactly one member of the
	// queue group.
	QueueSubscribe(ctx context.Context, subject, queue string, handler MessageHandler) (Subscription, error)

	Close() error
}

// MessageHandler processes one incoming message.
type MessageHandler func(msg *Message)

// Message is an incoming message.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds connection settings for NATS.
type Config struct {
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "nats://localhost:4222",
		Name:    "agentremote",
		Timeout: 5 * time.Second,
	}
}

// Open returns a NATS bus when cfg.URL is set and an in-process bus otherwise.
func Open(cfg Config) (MessageBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}
