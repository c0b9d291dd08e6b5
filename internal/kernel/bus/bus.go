// Package bus implements the kernel's typed, priority-ordered event
// bus: publish assigns a monotonic sequence, records the event, then
// fans it out to subscribers matching the event's kind.
package bus

import (
	"context"
	"errors"

	"github.com/kandev/agentkernel/internal/kernel/event"
)

// Common bus errors, per the kernel's error taxonomy.
var (
	ErrBusClosed           = errors.New("bus: closed")
	ErrQueueFull           = errors.New("bus: queue full")
	ErrUnknownSubscription = errors.New("bus: unknown subscription")
)

// Handler receives events matching its subscription's kind. Handlers
// are invoked with their events in (priority desc, sequence asc)
// order; an error returned from a handler is logged and counted, but
// never kills the bus.
type Handler func(ctx context.Context, ev *event.Event) error

// Recorder is the subset of the session recorder the bus depends on.
// Publish writes to the recorder synchronously before delivery, so a
// recorded log never contains an event it failed to record.
type Recorder interface {
	Append(ev *event.Event) error
}

// EventBus is the contract every backend (in-memory, NATS) satisfies.
type EventBus interface {
	// Publish assigns the next sequence, records the event, and
	// delivers it to matching subscribers. Returns the assigned
	// sequence.
	Publish(ctx context.Context, kind event.Kind, sourceID string, payload any, priority event.Priority, metadata map[string]string) (uint64, error)

	// Subscribe registers a handler for a kind and returns a
	// subscription id.
	Subscribe(kind event.Kind, handler Handler) (string, error)

	// Unsubscribe removes a handler. In-flight invocations to it
	// finish; it receives no further events.
	Unsubscribe(subscriptionID string) error

	// QueueLength reports the current backlog size. Observability
	// only, not a synchronization primitive.
	QueueLength() int

	// Close stops delivering new events and releases resources. Safe
	// to call once; a second call is a no-op.
	Close() error
}
