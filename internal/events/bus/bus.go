// Package bus carries runtime events between processes. Publishers mirror
// what they have already persisted; subscribers are observers only, and
// replay always comes from the durable buffers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps a fresh id and UTC timestamp on an event.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one delivered event. A returned error is logged,
// never retried.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is a live handler registration.
type Subscription interface {
	// Unsubscribe stops deliveries. Safe to call more than once.
	Unsubscribe() error

	// IsValid reports whether the subscription still receives events.
	IsValid() bool
}

// EventBus publishes events to subjects and fans them out to matching
// subscribers. Subjects are dot-separated; patterns use the NATS
// wildcards * (exactly one token) and > (one or more trailing tokens).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

var (
	_ EventBus = (*MemoryEventBus)(nil)
	_ EventBus = (*NATSEventBus)(nil)
)
