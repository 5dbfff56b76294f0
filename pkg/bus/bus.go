// Package bus provides the orchestration engine's transport-agnostic
// publish/subscribe abstraction. The engine only ever needs fire-and-forget
// fan-out for its typed event stream (pkg/events) and the rate governor's
// quota signals, so the interface is deliberately narrow: no request/reply,
// no persistent queues. The default implementation is in-memory; NATS is
// available as a config-selectable transport for multi-process deployments.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// MessageBus is the engine's publish/subscribe transport.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Each subscription's handler runs on its own goroutine and receives
	// that subscription's messages one at a time, in order.
	// Supports wildcards: "ccswarm.events.*" matches "ccswarm.events.abc".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages. The return value is ignored
// by this package's transports; it exists so a handler signature can double
// as a responder if a future transport needs one.
type MessageHandler func(msg *Message) []byte

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// Config holds configuration for creating a NATS-backed MessageBus.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is a client identifier for debugging/monitoring.
	Name string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:  "nats://localhost:4222",
		Name: "ccswarm",
	}
}
