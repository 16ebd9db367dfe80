package storage

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ConfigReloadChannel carries reload requests to every worker sharing the
// Redis backend.
const ConfigReloadChannel = "psp:config_reload"

type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (ps *RedisPubSub) Publish(ctx context.Context, channel string, message []byte) error {
	return ps.client.Publish(ctx, channel, message).Err()
}

// Subscribe delivers message payloads until ctx is done.
func (ps *RedisPubSub) Subscribe(ctx context.Context, channel string) <-chan []byte {
	pubsub := ps.client.Subscribe(ctx, channel)
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
