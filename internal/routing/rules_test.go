package routing

import (
	"testing"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minAmount(v int64) *int64 { return &v }

func TestEvaluateOrdersByPriority(t *testing.T) {
	rules := []Rule{
		{Priority: 30, Target: "catch-all"},
		{Priority: 10, Currencies: []string{"USD"}, Target: "stripe-us"},
		{Priority: 20, Target: "adyen"},
		{Priority: 10, Target: "mpgs"},
		{Priority: 20, Target: "checkout"},
	}
	tx := &payments.Transaction{ID: "tx-1", Amount: 1000, Currency: "USD", CardBIN: "411111"}

	got, err := Evaluate(tx, rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"stripe-us", "mpgs", "adyen", "checkout", "catch-all"}, got)

	// input is not reordered
	assert.Equal(t, "catch-all", rules[0].Target)
}

func TestEvaluateConditions(t *testing.T) {
	rules := []Rule{
		{Name: "eur-only", Priority: 1, Currencies: []string{"EUR"}, Target: "eur-psp"},
		{Name: "high-value", Priority: 2, MinAmount: minAmount(50000), Target: "high-value-psp"},
		{Name: "visa", Priority: 3, BINPrefixes: []string{"4", "51"}, Target: "visa-psp"},
		{Name: "eur-visa-large", Priority: 4, Currencies: []string{"eur"}, MinAmount: minAmount(100), BINPrefixes: []string{"41"}, Target: "combo-psp"},
	}

	tests := []struct {
		name string
		tx   payments.Transaction
		want []string
	}{
		{
			name: "currency is case-insensitive",
			tx:   payments.Transaction{Amount: 100, Currency: "eur", CardBIN: "411111"},
			want: []string{"eur-psp", "visa-psp", "combo-psp"},
		},
		{
			name: "min amount is inclusive",
			tx:   payments.Transaction{Amount: 50000, Currency: "USD", CardBIN: "370000"},
			want: []string{"high-value-psp"},
		},
		{
			name: "bin prefix list",
			tx:   payments.Transaction{Amount: 10, Currency: "USD", CardBIN: "510510"},
			want: []string{"visa-psp"},
		},
		{
			name: "all conditions must hold",
			tx:   payments.Transaction{Amount: 99, Currency: "EUR", CardBIN: "411111"},
			want: []string{"eur-psp", "visa-psp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(&tt.tx, rules)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateDeduplicatesTargets(t *testing.T) {
	rules := []Rule{
		{Priority: 1, Currencies: []string{"USD"}, Target: "stripe"},
		{Priority: 2, Target: "mpgs"},
		{Priority: 3, Target: "stripe"},
	}
	got, err := Evaluate(&payments.Transaction{Amount: 1, Currency: "USD"}, rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"stripe", "mpgs"}, got)
}

func TestEvaluateNoRoute(t *testing.T) {
	rules := []Rule{
		{Priority: 1, Currencies: []string{"EUR"}, Target: "eur-psp"},
	}
	got, err := Evaluate(&payments.Transaction{ID: "tx-9", Amount: 1, Currency: "JPY"}, rules)
	assert.Nil(t, got)
	require.ErrorIs(t, err, payments.ErrNoRoute)

	_, err = Evaluate(&payments.Transaction{ID: "tx-10"}, nil)
	require.ErrorIs(t, err, payments.ErrNoRoute)
}
