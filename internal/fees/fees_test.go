package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestCompute(t *testing.T) {
	tests := []struct {
		name    string
		amount  int64
		pricing Pricing
		wantFee int64
	}{
		{
			name:    "blended 2.9% + 30",
			amount:  10000,
			pricing: Blended{Percent: decimal.RequireFromString("2.9"), Fixed: 30},
			wantFee: 320,
		},
		{
			name:    "half rounds up",
			amount:  150,
			pricing: Blended{Percent: decimal.RequireFromString("1")},
			wantFee: 2,
		},
		{
			name:    "below half rounds down",
			amount:  149,
			pricing: Blended{Percent: decimal.RequireFromString("1")},
			wantFee: 1,
		},
		{
			name:   "interchange plus rounds the sum, not the components",
			amount: 333,
			pricing: InterchangePlus{Components: []Component{
				{Name: "interchange", Percent: decimal.RequireFromString("0.5")},
				{Name: "scheme", Percent: decimal.RequireFromString("0.5")},
				{Name: "markup", Percent: decimal.RequireFromString("0.5")},
			}},
			wantFee: 5,
		},
		{
			name:   "interchange plus with fixed",
			amount: 10000,
			pricing: InterchangePlus{
				Components: []Component{
					{Name: "interchange", Percent: decimal.RequireFromString("1.8")},
					{Name: "scheme", Percent: decimal.RequireFromString("0.25")},
					{Name: "markup", Percent: decimal.RequireFromString("0.13")},
				},
				Fixed: int64p(10),
			},
			wantFee: 228,
		},
		{
			name:    "zero amount",
			amount:  0,
			pricing: Blended{Percent: decimal.RequireFromString("2.9"), Fixed: 30},
			wantFee: 30,
		},
		{
			name:    "no pricing",
			amount:  999,
			pricing: nil,
			wantFee: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Compute(tt.amount, tt.pricing)
			require.NoError(t, err)
			assert.Equal(t, tt.amount, res.Gross)
			assert.Equal(t, tt.wantFee, res.Fee)
			assert.Equal(t, res.Gross, res.Fee+res.Net)
		})
	}
}

func TestComputeIdentityAcrossBoundaries(t *testing.T) {
	pricing := Blended{Percent: decimal.RequireFromString("2.9"), Fixed: 30}
	for amount := int64(0); amount < 5000; amount += 7 {
		res, err := Compute(amount, pricing)
		require.NoError(t, err)
		require.Equal(t, res.Gross, res.Fee+res.Net, "amount %d", amount)
	}
}

func TestComputeRejectsNegativeAmount(t *testing.T) {
	_, err := Compute(-1, Blended{})
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestParse(t *testing.T) {
	p, err := Parse(Config{Model: "blended", Percent: "2.9", Fixed: int64p(30)})
	require.NoError(t, err)
	res, err := Compute(10000, p)
	require.NoError(t, err)
	assert.Equal(t, Result{Gross: 10000, Fee: 320, Net: 9680}, res)

	p, err = Parse(Config{
		Model:      "INTERCHANGE_PLUS",
		Components: []ComponentConfig{{Name: "interchange", Percent: "1.8"}, {Name: "markup", Percent: "0.2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ModelInterchangePlus, p.Model())

	p, err = Parse(Config{})
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = Parse(Config{Model: "FLAT"})
	assert.Error(t, err)
	_, err = Parse(Config{Model: "BLENDED", Percent: "abc"})
	assert.Error(t, err)
	_, err = Parse(Config{Model: "BLENDED", Percent: "-1"})
	assert.Error(t, err)
	_, err = Parse(Config{Model: "INTERCHANGE_PLUS"})
	assert.Error(t, err)
}

func TestUnroundedFeeIsExact(t *testing.T) {
	tiny := decimal.RequireFromString("0.0000000000000001")
	want := decimal.RequireFromString("0.000000000000000001")

	b := Blended{Percent: tiny}
	assert.True(t, want.Equal(b.fee(decimal.NewFromInt(1))), b.fee(decimal.NewFromInt(1)).String())

	p := InterchangePlus{Components: []Component{{Name: "interchange", Percent: tiny}, {Name: "markup", Percent: tiny}}}
	assert.True(t, want.Mul(decimal.NewFromInt(2)).Equal(p.fee(decimal.NewFromInt(1))))
}
