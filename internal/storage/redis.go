package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/saga"
	"github.com/redis/go-redis/v9"
)

const (
	sagaKeyPrefix    = "saga:"
	sagaEventsStream = "saga_events"
	sagaEventsMaxLen = 100000
)

func NewRedisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL must be set")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// RedisSagaStore keeps the latest snapshot under saga:{id} and appends every
// save to the saga_events stream in the same MULTI block.
type RedisSagaStore struct {
	client *redis.Client
}

func NewRedisSagaStore(client *redis.Client) *RedisSagaStore {
	return &RedisSagaStore{client: client}
}

func (r *RedisSagaStore) Save(ctx context.Context, snap *saga.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", snap.ID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sagaKeyPrefix+snap.ID, data, 0)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: sagaEventsStream,
		MaxLen: sagaEventsMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      snap.ID,
			"state":   string(snap.State),
			"psp":     snap.PSP(),
			"entries": len(snap.History),
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save saga %s: %w", snap.ID, err)
	}
	return nil
}

func (r *RedisSagaStore) Get(ctx context.Context, id string) (*saga.Snapshot, error) {
	data, err := r.client.Get(ctx, sagaKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get saga %s: %w", id, err)
	}
	return decodeSnapshot(data)
}

type RedisKV struct {
	client *redis.Client
	prefix string
}

func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
