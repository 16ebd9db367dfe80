package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/JosineyJr/psp-orchestrator/internal/storage"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

const (
	DefaultTTL = 900 * time.Second

	// expiredRetention keeps a lapsed session readable so it reports
	// ErrExpired rather than ErrNotFound.
	expiredRetention = 15 * time.Minute
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrExpired  = errors.New("session: expired")
)

// Session binds a checkout to an order before a transaction exists.
type Session struct {
	Token     string    `json:"token"`
	OrderID   string    `json:"orderId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Manager struct {
	kv  storage.KV
	ttl time.Duration
	now func() time.Time
}

func NewManager(kv storage.KV, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{kv: kv, ttl: ttl, now: time.Now}
}

func (m *Manager) Create(ctx context.Context, orderID string, amount int64, currency string) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	s := &Session{
		Token:     token,
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	if err := m.kv.Set(ctx, key(token), data, m.ttl+expiredRetention); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return s, nil
}

func (m *Manager) Validate(ctx context.Context, token string) (*Session, error) {
	data, err := m.kv.Get(ctx, key(token))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !m.now().Before(s.ExpiresAt) {
		return nil, ErrExpired
	}
	return &s, nil
}

// Close ends a session once its order is paid or abandoned.
func (m *Manager) Close(ctx context.Context, token string) error {
	return m.kv.Delete(ctx, key(token))
}

func key(token string) string {
	return "session:" + token
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
