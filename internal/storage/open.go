package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Backend struct {
	Kind        string
	RedisURL    string
	DatabaseURL string
	SQLitePath  string
	// MaxConns caps the PostgreSQL pool; 0 keeps the pgx default.
	MaxConns int32
}

// Stores is what the worker persists to. Sagas go to the selected backend;
// the KV lives in Redis for the redis backend and in process memory
// otherwise.
type Stores struct {
	Sagas SagaStore
	KV    KV
	// Reloads is set only on the redis backend.
	Reloads *RedisPubSub
	close   []func()
}

func (s *Stores) Close() {
	for i := len(s.close) - 1; i >= 0; i-- {
		s.close[i]()
	}
}

func Open(ctx context.Context, b Backend) (*Stores, error) {
	switch b.Kind {
	case BackendMemory, "":
		kv := NewMemoryKV()
		kv.StartSweeper(ctx, time.Minute)
		return &Stores{Sagas: NewMemorySagaStore(), KV: kv}, nil

	case BackendRedis:
		client, err := NewRedisClient(b.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &Stores{
			Sagas:   NewRedisSagaStore(client),
			KV:      NewRedisKV(client, "psp:"),
			Reloads: NewRedisPubSub(client),
			close:   []func(){func() { client.Close() }},
		}, nil

	case BackendPostgres:
		pool, err := NewPostgresPool(ctx, b.DatabaseURL, b.MaxConns)
		if err != nil {
			return nil, err
		}
		store := NewPostgresSagaStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		kv := NewMemoryKV()
		kv.StartSweeper(ctx, time.Minute)
		return &Stores{Sagas: store, KV: kv, close: []func(){pool.Close}}, nil

	case BackendSQLite:
		store, err := NewSQLiteSagaStore(b.SQLitePath)
		if err != nil {
			return nil, err
		}
		kv := NewMemoryKV()
		kv.StartSweeper(ctx, time.Minute)
		return &Stores{Sagas: store, KV: kv, close: []func(){func() { store.Close() }}}, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", b.Kind)
	}
}
