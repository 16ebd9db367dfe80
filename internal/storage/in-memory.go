package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/saga"
)

// MemorySagaStore keeps encoded snapshots in process memory. It survives
// nothing and is meant for tests and single-process demos.
type MemorySagaStore struct {
	mu    sync.RWMutex
	sagas map[string][]byte
}

func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{sagas: make(map[string][]byte)}
}

func (m *MemorySagaStore) Save(ctx context.Context, snap *saga.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode saga %s: %w", snap.ID, err)
	}
	m.mu.Lock()
	m.sagas[snap.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *MemorySagaStore) Get(ctx context.Context, id string) (*saga.Snapshot, error) {
	m.mu.RLock()
	data, ok := m.sagas[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSnapshot(data)
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

func (it memoryItem) expired(now time.Time) bool {
	return !it.expires.IsZero() && !now.Before(it.expires)
}

// MemoryKV is an in-process KV. Expired keys are invisible immediately and
// removed by the sweeper.
type MemoryKV struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{items: make(map[string]memoryItem), now: time.Now}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || it.expired(m.now()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// StartSweeper drops expired keys every interval until ctx is done.
func (m *MemoryKV) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *MemoryKV) sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, it := range m.items {
		if it.expired(now) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}
