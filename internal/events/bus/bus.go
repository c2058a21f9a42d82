// Package bus provides a minimal event bus abstraction used for
// best-effort, out-of-process fan-out of connection_status events.
// It is adapted from the teacher's internal/events/bus package; this
// module only needs Publish/Subscribe/Close (the process entry point
// publishes connection_status), not queue groups or request/reply.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an Event with a fresh ID and the current UTC time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a published event. A returned error is logged by
// the bus and never propagated to the publisher.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the bus abstraction both MemoryEventBus and NATSEventBus
// implement.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
