package storage

import (
	"context"
	"errors"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/saga"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

var ErrNotFound = errors.New("storage: not found")

// SagaStore persists saga snapshots by transaction id. Save overwrites the
// previous snapshot; history only ever grows, so the latest snapshot carries
// the full audit trail.
type SagaStore interface {
	Save(ctx context.Context, snap *saga.Snapshot) error
	Get(ctx context.Context, id string) (*saga.Snapshot, error)
}

// HistoryStore is implemented by stores that keep the audit trail in its
// own table, one row per transition.
type HistoryStore interface {
	History(ctx context.Context, id string) ([]saga.Entry, error)
}

// KV is a byte store with per-key expiry. A zero ttl never expires.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

func encodeSnapshot(snap *saga.Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func decodeSnapshot(data []byte) (*saga.Snapshot, error) {
	var snap saga.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
