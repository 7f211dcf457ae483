// Package bus is the in-process publish/subscribe fabric of the collaboration
// core. Delivery is asynchronous and at-most-once: each subscriber has a
// buffered channel and a slow subscriber loses events rather than blocking
// publishers. The bus never replays history; durable record-keeping belongs to
// the event log, which the bus can optionally write through to.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"

	"github.com/suokelife/concord/internal/eventlog"
	"github.com/suokelife/concord/internal/model"
)

// Handler processes one event. Handlers run on the subscriber's own goroutine;
// a panic inside a handler is recovered and counted, never propagated.
type Handler func(ctx context.Context, ev model.Event)

const defaultBufferSize = 256

type subscription struct {
	pattern string
	ch      chan model.Event
}

// Bus routes events to subscribers by exact type or glob pattern. The pattern
// "*" mirrors every event, which the Redis relay and audit hooks rely on.
type Bus struct {
	mu     sync.RWMutex
	exact  map[string][]*subscription
	globs  []*subscription
	closed bool

	bufferSize int
	store      eventlog.Store // nil disables write-through
	logger     *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscriber channel depth.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithStore enables write-through persistence: every published event is
// appended to the store before delivery, and Publish surfaces store errors.
func WithStore(store eventlog.Store) Option {
	return func(b *Bus) { b.store = store }
}

// New creates a bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		exact:      make(map[string][]*subscription),
		bufferSize: defaultBufferSize,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish persists the event when write-through is enabled, then fans it out
// to matching subscribers. It returns the event ID. A store failure is
// returned after delivery: subscribers still see the event, callers that need
// durability can react.
func (b *Bus) Publish(ctx context.Context, ev model.Event) (string, error) {
	if ev.ID == "" {
		ev = model.NewEvent(ev.Type, ev.Payload)
	}

	var storeErr error
	if b.store != nil {
		if err := b.store.SaveEvent(ctx, ev); err != nil {
			b.logger.Error("event persistence failed", "type", ev.Type, "event_id", ev.ID, "error", err)
			storeErr = fmt.Errorf("bus: persist event: %w", err)
		}
	}

	b.Dispatch(ev)
	return ev.ID, storeErr
}

// Dispatch delivers the event to subscribers without touching the store. The
// Redis relay uses it for inbound events that the originating process already
// persisted.
func (b *Bus) Dispatch(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.exact[ev.Type] {
		b.deliver(sub, ev)
	}
	for _, sub := range b.globs {
		if ok, _ := path.Match(sub.pattern, ev.Type); ok {
			b.deliver(sub, ev)
		}
	}
}

func (b *Bus) deliver(sub *subscription, ev model.Event) {
	select {
	case sub.ch <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("subscriber buffer full, event dropped", "type", ev.Type, "pattern", sub.pattern)
	}
}

// Subscribe registers a handler for one exact event type and returns an
// unsubscribe function. Unsubscribing twice is safe.
func (b *Bus) Subscribe(eventType string, h Handler) func() {
	sub := b.start(eventType, h)

	b.mu.Lock()
	b.exact[eventType] = append(b.exact[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.exact[eventType]
		for i, s := range subs {
			if s == sub {
				b.exact[eventType] = append(subs[:i], subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
}

// SubscribePattern registers a handler for every event type matching a glob
// pattern (path.Match syntax; "*" matches everything since event types contain
// no slashes). Invalid patterns return an error.
func (b *Bus) SubscribePattern(pattern string, h Handler) (func(), error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bus: invalid pattern %q: %w", pattern, err)
	}
	sub := b.start(pattern, h)

	b.mu.Lock()
	b.globs = append(b.globs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.globs {
			if s == sub {
				b.globs = append(b.globs[:i], b.globs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}, nil
}

// start spins up the delivery goroutine for one subscription.
func (b *Bus) start(pattern string, h Handler) *subscription {
	sub := &subscription{pattern: pattern, ch: make(chan model.Event, b.bufferSize)}
	go func() {
		for ev := range sub.ch {
			b.invoke(h, ev)
		}
	}()
	return sub
}

func (b *Bus) invoke(h Handler, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.logger.Error("handler panic recovered", "type", ev.Type, "event_id", ev.ID, "panic", r)
		}
	}()
	h(context.Background(), ev)
}

// Published returns the count of events dispatched to subscribers.
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped returns the count of events dropped due to full subscriber buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Panics returns the count of recovered handler panics.
func (b *Bus) Panics() int64 { return b.panics.Load() }

// Close tears down every subscription. Publishing after Close is a silent
// no-op for delivery, though write-through persistence still happens.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.exact {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.globs {
		close(sub.ch)
	}
	b.exact = make(map[string][]*subscription)
	b.globs = nil
}
