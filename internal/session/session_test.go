package session

import (
	"context"
	"testing"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryKV(), 0)
	assert.Equal(t, DefaultTTL, m.ttl)

	s, err := m.Create(ctx, "order-1", 4200, "USD")
	require.NoError(t, err)
	assert.Len(t, s.Token, 43)
	assert.Equal(t, s.CreatedAt.Add(DefaultTTL), s.ExpiresAt)

	got, err := m.Validate(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, "order-1", got.OrderID)
	assert.Equal(t, int64(4200), got.Amount)

	require.NoError(t, m.Close(ctx, s.Token))
	_, err = m.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Validate(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewManager(storage.NewMemoryKV(), time.Hour)
	m.now = func() time.Time { return now }

	s, err := m.Create(ctx, "order-2", 100, "EUR")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = m.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, ErrExpired)

	other, err := m.Create(ctx, "order-3", 100, "EUR")
	require.NoError(t, err)
	assert.NotEqual(t, s.Token, other.Token)
}

func TestSessionExpiresOnTheStoreClock(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryKV(), 50*time.Millisecond)

	s, err := m.Create(ctx, "order-4", 100, "EUR")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = m.Validate(ctx, s.Token)
	assert.ErrorIs(t, err, ErrExpired)
}
