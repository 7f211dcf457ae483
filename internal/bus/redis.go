package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/suokelife/concord/internal/model"
)

// DefaultChannelPrefix namespaces relay traffic on shared Redis instances.
const DefaultChannelPrefix = "concord.events"

// seenTTL bounds how long inbound event IDs are remembered for echo
// suppression.
const seenTTL = 30 * time.Second

// RedisRelay bridges the in-process bus to Redis Pub/Sub so multiple agent
// processes share one event space. Outbound: every local event is mirrored to
// the channel "<prefix>.<event type>". Inbound: events from other processes
// are dispatched locally without write-through, since the originating process
// already persisted them.
type RedisRelay struct {
	client redis.UniversalClient
	bus    *Bus
	prefix string
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time // inbound IDs, suppress re-forwarding
	sent map[string]time.Time // outbound IDs, suppress self-delivery
}

// NewRedisRelay wires a relay between the bus and a Redis client. Call Run to
// start it.
func NewRedisRelay(client redis.UniversalClient, b *Bus, prefix string, logger *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		bus:    b,
		prefix: prefix,
		logger: logger,
		seen:   make(map[string]time.Time),
		sent:   make(map[string]time.Time),
	}
}

// Run relays until ctx is cancelled. It subscribes to all relay channels,
// mirrors local events outward, and dispatches remote events locally.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+".*")
	defer pubsub.Close()

	// Confirm the subscription before mirroring outbound, so a paired process
	// starting at the same time cannot miss our first events.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("bus: redis subscribe: %w", err)
	}

	unsubscribe, err := r.bus.SubscribePattern("*", func(ctx context.Context, ev model.Event) {
		r.forward(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("bus: relay mirror: %w", err)
	}
	defer unsubscribe()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus: redis subscription closed")
			}
			r.inbound(msg.Payload)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, ev model.Event) {
	if r.remember(r.seen, ev.ID, false) {
		return
	}
	r.remember(r.sent, ev.ID, true)
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("relay marshal failed", "event_id", ev.ID, "error", err)
		return
	}
	channel := r.prefix + "." + ev.Type
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		r.logger.Warn("relay publish failed", "channel", channel, "error", err)
	}
}

func (r *RedisRelay) inbound(payload string) {
	var ev model.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("relay received malformed event", "error", err)
		return
	}
	// Redis echoes our own publications back; drop them.
	if r.remember(r.sent, ev.ID, false) {
		return
	}
	r.remember(r.seen, ev.ID, true)
	r.bus.Dispatch(ev)
}

// remember checks an ID against one suppression set, pruning expired entries,
// and records it when mark is true. It reports whether the ID was present.
func (r *RedisRelay) remember(set map[string]time.Time, id string, mark bool) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range set {
		if now.Sub(t) > seenTTL {
			delete(set, k)
		}
	}
	_, present := set[id]
	if mark && !present {
		set[id] = now
	}
	return present
}
