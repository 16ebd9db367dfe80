package payments

import (
	"time"
)

type CanonicalStatus string

const (
	StatusAuthorized CanonicalStatus = "AUTHORIZED"
	StatusCaptured   CanonicalStatus = "CAPTURED"
	StatusSettled    CanonicalStatus = "SETTLED"
	StatusDeclined   CanonicalStatus = "DECLINED"
	StatusPending    CanonicalStatus = "PENDING"
	StatusFailed     CanonicalStatus = "FAILED"
	StatusRefunded   CanonicalStatus = "REFUNDED"
	StatusVoided     CanonicalStatus = "VOIDED"

	// StatusUnknown is returned for unmapped provider statuses and always
	// requires manual review.
	StatusUnknown CanonicalStatus = "UNKNOWN"
)

// Instrument is the tokenized payment method handed out by the vault.
type Instrument struct {
	Token string `json:"token"`
	Last4 string `json:"last4,omitempty"`
	BIN   string `json:"bin,omitempty"`
}

// Transaction amounts are integer minor units.
type Transaction struct {
	ID            string     `json:"id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	CardBIN       string     `json:"cardBin"`
	CaptureAmount int64      `json:"captureAmount,omitempty"`
	Instrument    Instrument `json:"instrument"`
	RequestedAt   time.Time  `json:"requestedAt"`
}

// CaptureTarget is the amount to capture when the caller did not ask for a
// partial capture.
func (t Transaction) CaptureTarget() int64 {
	if t.CaptureAmount > 0 && t.CaptureAmount <= t.Amount {
		return t.CaptureAmount
	}
	return t.Amount
}

// RawResponse is what a PSP answered, in its own vocabulary.
type RawResponse struct {
	PSP       string            `json:"psp"`
	Status    string            `json:"status"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Reference string            `json:"reference,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}
