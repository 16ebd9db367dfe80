package status

import (
	"testing"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	n := NewNormalizer(Table{
		"adyen": {"Authorised": payments.StatusAuthorized, "Refused": payments.StatusDeclined},
		"mpgs":  {"PARTIALLY_CAPTURED": payments.StatusCaptured},
	})

	tests := []struct {
		provider string
		raw      string
		want     payments.CanonicalStatus
	}{
		{"MPGS", "APPROVED", payments.StatusAuthorized},
		{"mpgs", "declined", payments.StatusDeclined},
		{"MPGS", "Captured", payments.StatusCaptured},
		{"MPGS", "partially_captured", payments.StatusCaptured},
		{"STRIPE", "succeeded", payments.StatusCaptured},
		{"stripe", "REQUIRES_ACTION", payments.StatusPending},
		{"SIMULATOR", "3ds_required", payments.StatusPending},
		{"ADYEN", "authorised", payments.StatusAuthorized},
		{"ADYEN", "REFUSED", payments.StatusDeclined},
		{"STRIPE", "APPROVED", payments.StatusUnknown},
		{"PAYPAL", "COMPLETED", payments.StatusUnknown},
		{"MPGS", "", payments.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.provider, tt.raw))
		})
	}
}

func TestParseCanonical(t *testing.T) {
	c, ok := ParseCanonical("authorized")
	assert.True(t, ok)
	assert.Equal(t, payments.StatusAuthorized, c)

	_, ok = ParseCanonical("approved")
	assert.False(t, ok)
}

func TestDiagnoseDecline(t *testing.T) {
	tests := []struct {
		code   string
		reason string
	}{
		{"51", "insufficient funds"},
		{"05", "do not honor"},
		{" 54 ", "card expired"},
		{"62", "declined by issuer (code 62)"},
		{"", "declined by issuer"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			d := DiagnoseDecline(tt.code)
			assert.Equal(t, tt.reason, d.Reason)
			assert.NotEmpty(t, d.Action)
		})
	}
}
