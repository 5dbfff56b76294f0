// Package events provides the orchestration engine's typed event bus: a
// thin wrapper over pkg/bus.MessageBus that replaces untyped subject strings
// with a closed Kind enum, matching the event-emitter pattern observed
// throughout the teacher's orchestrator package.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ccswarm/engine/pkg/bus"
)

// Kind enumerates every lifecycle event the engine emits.
type Kind string

const (
	KindInitialized Kind = "initialized"

	KindResourceCalculated Kind = "resource:calculated"

	KindInstanceCreated    Kind = "instance:created"
	KindInstanceReady      Kind = "instance:ready"
	KindInstanceReleased   Kind = "instance:released"
	KindInstanceRecycling  Kind = "instance:recycling"
	KindInstanceRecycled   Kind = "instance:recycled"
	KindInstanceTerminated Kind = "instance:terminated"
	KindInstanceError      Kind = "instance:error"

	KindWorkAdded     Kind = "work:added"
	KindWorkAssigned  Kind = "work:assigned"
	KindWorkCompleted Kind = "work:completed"
	KindWorkRetry     Kind = "work:retry"
	KindWorkFailed    Kind = "work:failed"

	KindQuotaWarning      Kind = "quota:warning"
	KindQuotaDepleted     Kind = "quota:depleted"
	KindQuotaReset        Kind = "quota:reset"
	KindQuotaBackoffSet   Kind = "quota:backoff-set"
	KindQuotaBackoffClear Kind = "quota:backoff-cleared"

	KindWorkflowStart    Kind = "workflow:start"
	KindWorkflowComplete Kind = "workflow:complete"
	KindWorkflowError    Kind = "workflow:error"
)

const subjectPrefix = "ccswarm.events."

// Event is a single typed lifecycle event.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	ItemID    string         `json:"item_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Handler processes a delivered event.
type Handler func(Event)

// subscription wraps a bus.Subscription so Unsubscribe stays type-free to
// callers of this package.
type subscription struct {
	inner bus.Subscription
}

func (s *subscription) Unsubscribe() error { return s.inner.Unsubscribe() }

// Bus is the engine's typed publish/subscribe surface. Delivery is
// best-effort and asynchronous: Publish hands the event to the transport
// and returns without waiting for any subscriber's handler to run. With
// the in-memory transport, an event is dropped for a subscription whose
// buffer is full.
type Bus struct {
	transport bus.MessageBus
}

// New wraps an existing message bus transport (in-memory by default, NATS
// when configured) with the engine's typed event surface.
func New(transport bus.MessageBus) *Bus {
	return &Bus{transport: transport}
}

// NewInMemory constructs a Bus backed by the default in-process transport.
func NewInMemory() *Bus {
	return New(bus.NewMemoryBus())
}

// NewNATS constructs a Bus backed by a NATS connection, for deployments
// where the workflow driver and an external observer run as separate
// processes sharing one event stream.
func NewNATS(cfg bus.Config) (*Bus, error) {
	transport, err := bus.NewNATSBus(cfg)
	if err != nil {
		return nil, err
	}
	return New(transport), nil
}

// Publish emits an event to all subscribers of its kind. The timestamp is
// stamped if not already set.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return b.transport.Publish(ctx, subjectPrefix+string(evt.Kind), data)
}

// Subscribe registers handler for events of the given kind.
func (b *Bus) Subscribe(ctx context.Context, kind Kind, handler Handler) (Unsubscriber, error) {
	sub, err := b.transport.Subscribe(ctx, subjectPrefix+string(kind), func(msg *bus.Message) []byte {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return nil
		}
		handler(evt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &subscription{inner: sub}, nil
}

// SubscribeAll registers handler for every event kind, using the bus
// wildcard subject.
func (b *Bus) SubscribeAll(ctx context.Context, handler Handler) (Unsubscriber, error) {
	sub, err := b.transport.Subscribe(ctx, subjectPrefix+">", func(msg *bus.Message) []byte {
		var evt Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return nil
		}
		handler(evt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &subscription{inner: sub}, nil
}

// Close shuts down the underlying transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}

// Unsubscriber cancels a subscription.
type Unsubscriber interface {
	Unsubscribe() error
}
