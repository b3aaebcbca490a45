// Package eventbus publishes container lifecycle events over Redis pub/sub
// so the admin live-stream endpoint (and any other interested listener) can
// observe deploys, stops, extensions, and reclamations as they happen.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel lifecycle events are published on.
const Channel = "ctfrange:events"

// EventType names a lifecycle transition.
type EventType string

const (
	EventDeployed EventType = "deployed"
	EventStopped  EventType = "stopped"
	EventExtended EventType = "extended"
	EventExpired  EventType = "expired"
	EventSwept    EventType = "swept"
)

// Event is the payload published for every lifecycle transition.
type Event struct {
	Type        EventType `json:"type"`
	ContainerID string    `json:"container_id"`
	UserUUID    string    `json:"user_uuid,omitempty"`
	Port        int       `json:"port,omitempty"`
	Timestamp   int64     `json:"timestamp"`
}

// client is the subset of *redis.Client the bus needs, narrowed so it can be
// faked in tests without a real Redis connection.
type client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Bus publishes and subscribes to lifecycle events.
type Bus struct {
	rdb    client
	logger *slog.Logger
}

// New wraps an already-connected Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Bus {
	return &Bus{rdb: rdb, logger: logger}
}

// Publish emits ev on Channel. Failures are logged, not returned: losing a
// lifecycle notification must never fail the underlying orchestration
// operation that triggered it.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("marshaling lifecycle event", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		b.logger.Warn("publishing lifecycle event", "error", err, "type", ev.Type)
	}
}

// Subscribe returns a channel of decoded events for Channel. The caller must
// drain it until ctx is cancelled; the underlying pub/sub is closed when ctx
// is done.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	sub := b.rdb.Subscribe(ctx, Channel)
	out := make(chan Event)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("decoding lifecycle event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
