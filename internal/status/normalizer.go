package status

import (
	"strings"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
)

const (
	ProviderMPGS      = "MPGS"
	ProviderStripe    = "STRIPE"
	ProviderSimulator = "SIMULATOR"
)

// Table maps provider -> raw status -> canonical status.
type Table map[string]map[string]payments.CanonicalStatus

var defaultTable = Table{
	ProviderMPGS: {
		"APPROVED":         payments.StatusAuthorized,
		"APPROVED_PENDING": payments.StatusPending,
		"PENDING":          payments.StatusPending,
		"DECLINED":         payments.StatusDeclined,
		"CAPTURED":         payments.StatusCaptured,
		"SETTLED":          payments.StatusSettled,
		"REFUNDED":         payments.StatusRefunded,
		"VOIDED":           payments.StatusVoided,
		"FAILURE":          payments.StatusFailed,
	},
	ProviderStripe: {
		"SUCCEEDED":               payments.StatusCaptured,
		"REQUIRES_CAPTURE":        payments.StatusAuthorized,
		"REQUIRES_ACTION":         payments.StatusPending,
		"PROCESSING":              payments.StatusPending,
		"REQUIRES_PAYMENT_METHOD": payments.StatusDeclined,
		"CANCELED":                payments.StatusVoided,
		"REFUNDED":                payments.StatusRefunded,
	},
	ProviderSimulator: {
		"APPROVED":     payments.StatusAuthorized,
		"DECLINED":     payments.StatusDeclined,
		"3DS_REQUIRED": payments.StatusPending,
		"CAPTURED":     payments.StatusCaptured,
		"SETTLED":      payments.StatusSettled,
		"REFUNDED":     payments.StatusRefunded,
		"VOIDED":       payments.StatusVoided,
		"ERROR":        payments.StatusFailed,
	},
}

// Normalizer translates provider vocabularies to canonical statuses. It is
// read-only after construction.
type Normalizer struct {
	table Table
}

// NewNormalizer returns a normalizer seeded with the built-in provider tables
// and the given overrides merged on top.
func NewNormalizer(extra Table) *Normalizer {
	n := &Normalizer{table: make(Table, len(defaultTable)+len(extra))}
	n.merge(defaultTable)
	n.merge(extra)
	return n
}

func (n *Normalizer) merge(t Table) {
	for provider, statuses := range t {
		key := strings.ToUpper(provider)
		m, ok := n.table[key]
		if !ok {
			m = make(map[string]payments.CanonicalStatus, len(statuses))
			n.table[key] = m
		}
		for raw, canonical := range statuses {
			m[strings.ToUpper(raw)] = canonical
		}
	}
}

// Normalize never fails: anything unmapped is StatusUnknown.
func (n *Normalizer) Normalize(provider, raw string) payments.CanonicalStatus {
	statuses, ok := n.table[strings.ToUpper(provider)]
	if !ok {
		return payments.StatusUnknown
	}
	canonical, ok := statuses[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return payments.StatusUnknown
	}
	return canonical
}

// ParseCanonical converts a configured status name, returning false for names
// outside the canonical set.
func ParseCanonical(s string) (payments.CanonicalStatus, bool) {
	c := payments.CanonicalStatus(strings.ToUpper(s))
	switch c {
	case payments.StatusAuthorized, payments.StatusCaptured, payments.StatusSettled,
		payments.StatusDeclined, payments.StatusPending, payments.StatusFailed,
		payments.StatusRefunded, payments.StatusVoided, payments.StatusUnknown:
		return c, true
	}
	return "", false
}
