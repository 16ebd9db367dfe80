package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
)

const DefaultTolerance = 300 * time.Second

// Verifier authenticates PSP callbacks signed with a shared secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

type Option func(*Verifier)

func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) { v.tolerance = d }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Sign returns the hex HMAC-SHA256 of "{timestamp}.{body}".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks freshness first, then the signature. Rejections are
// *payments.Error with kind REPLAY_DETECTED or SIGNATURE_INVALID.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return &payments.Error{
			Kind:    payments.KindReplayDetected,
			Message: fmt.Sprintf("unparseable timestamp %q", timestamp),
		}
	}
	// Whole seconds, so timestamps centuries away cannot overflow a Duration.
	skew := v.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew < 0 || skew > int64(v.tolerance/time.Second) {
		return &payments.Error{
			Kind:    payments.KindReplayDetected,
			Message: fmt.Sprintf("timestamp %d is outside the %s window", ts, v.tolerance),
		}
	}

	expected := Sign(string(v.secret), timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &payments.Error{
			Kind:    payments.KindSignatureInvalid,
			Message: "signature mismatch",
		}
	}
	return nil
}
