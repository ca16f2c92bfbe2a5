package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wheelhouse-ai/wheelhouse/internal/common/logger"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus dispatches events in process. It is the backend when no
// NATS URL is configured and honors the same subject grammar, so code
// written against it behaves identically on a real broker.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[int64]*memorySubscription
	nextID int64
	closed bool
	log    *logger.Logger
}

// NewMemoryEventBus returns an empty in-process bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs: make(map[int64]*memorySubscription),
		log:  log,
	}
}

type memorySubscription struct {
	id      int64
	subject string
	pattern []string
	handler EventHandler
	bus     *MemoryEventBus
	active  atomic.Bool
}

// Unsubscribe stops deliveries and removes the registration.
func (s *memorySubscription) Unsubscribe() error {
	s.active.Store(false)
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

// IsValid reports whether the subscription still receives events.
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// Publish fans the event out to every matching subscriber. Handlers run
// on their own goroutines so a slow subscriber never blocks the
// publisher; delivery order across events is therefore not guaranteed.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	tokens := strings.Split(subject, ".")
	var targets []*memorySubscription
	for _, sub := range b.subs {
		if sub.active.Load() && matchSubject(sub.pattern, tokens) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		go b.dispatch(ctx, subject, sub, event)
	}

	b.log.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

func (b *MemoryEventBus) dispatch(ctx context.Context, subject string, sub *memorySubscription, ev *Event) {
	if err := sub.handler(ctx, ev); err != nil {
		b.log.Error("event handler failed",
			zap.String("subject", subject),
			zap.String("event_type", ev.Type),
			zap.Error(err))
	}
}

// Subscribe registers a handler for a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		subject: subject,
		pattern: strings.Split(subject, "."),
		handler: handler,
		bus:     b,
	}
	sub.active.Store(true)
	b.subs[sub.id] = sub

	b.log.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// Close invalidates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = make(map[int64]*memorySubscription)
	b.log.Info("memory event bus closed")
}

// IsConnected reports whether the bus still accepts traffic.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matchSubject reports whether the subject tokens match the pattern
// tokens. Wildcards apply to whole tokens only, as on NATS: a literal
// "ev*" never matches anything but itself.
func matchSubject(pattern, subject []string) bool {
	for i, tok := range pattern {
		if tok == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
