// internal/bus/redis.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatrelay/pkg/logger"
)

// pubSub is the part of *redis.Client the bus uses.
type pubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBus carries domain events from the CRUD layer over Redis pub/sub.
type RedisBus struct {
	rdb     pubSub
	channel string
	logger  *logger.Logger
}

func NewRedisBus(rdb *redis.Client, channel string, log *logger.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, channel: channel, logger: log}
}

// Publish sends an event to every signaling process subscribed.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe applies every event on the channel until ctx is done.
// Malformed or unknown events are logged and dropped.
func (b *RedisBus) Subscribe(ctx context.Context, d *Dispatcher) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription confirmation so publish errors surface early.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.logger.Info("Subscribed to event bus", "channel", b.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, d, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) handle(ctx context.Context, d *Dispatcher, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.logger.Warn("Dropping malformed bus event", "error", err)
		return
	}

	n, err := d.Apply(ctx, ev)
	if err != nil {
		b.logger.Warn("Dropping bus event", "event_id", ev.ID, "type", ev.Type, "error", err)
		return
	}
	b.logger.Debug("Applied bus event", "event_id", ev.ID, "type", ev.Type, "recipients", n)
}
