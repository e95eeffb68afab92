package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay mirrors events between hubs running in different processes.
type Relay interface {
	Publish(ctx context.Context, origin string, ev Event) error
	// Run blocks, calling deliver for every event that did not originate
	// from origin, until ctx is done.
	Run(ctx context.Context, origin string, deliver func(Event)) error
}

type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay uses a Redis pub/sub channel as the shared bus.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// NewRedisRelay creates a relay on channel.
func NewRedisRelay(client *redis.Client, channel string, log *zap.Logger) *RedisRelay {
	if channel == "" {
		channel = "presence:events"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisRelay{client: client, channel: channel, log: log}
}

// Publish sends ev tagged with the publishing hub's origin.
func (r *RedisRelay) Publish(ctx context.Context, origin string, ev Event) error {
	payload, err := json.Marshal(envelope{Origin: origin, Event: ev})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Run subscribes to the channel and forwards foreign events.
func (r *RedisRelay) Run(ctx context.Context, origin string, deliver func(Event)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("dropping malformed relay message", zap.Error(err))
				continue
			}
			if env.Origin == origin {
				continue
			}
			deliver(env.Event)
		}
	}
}
