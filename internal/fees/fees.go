package fees

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Model string

const (
	ModelBlended         Model = "BLENDED"
	ModelInterchangePlus Model = "INTERCHANGE_PLUS"
)

var ErrNegativeAmount = errors.New("fees: amount must not be negative")

// Result is the fee breakdown of one amount. Gross == Fee + Net always holds.
type Result struct {
	Gross int64 `json:"gross"`
	Fee   int64 `json:"fee"`
	Net   int64 `json:"net"`
}

// Pricing is a fee schedule. The fee it returns is unrounded; Compute rounds
// it once.
type Pricing interface {
	Model() Model
	fee(amount decimal.Decimal) decimal.Decimal
}

// Blended charges a single percentage plus a fixed amount in minor units.
type Blended struct {
	Percent decimal.Decimal
	Fixed   int64
}

func (Blended) Model() Model { return ModelBlended }

func (b Blended) fee(amount decimal.Decimal) decimal.Decimal {
	return percentOf(amount, b.Percent).Add(decimal.NewFromInt(b.Fixed))
}

type Component struct {
	Name    string
	Percent decimal.Decimal
}

// InterchangePlus sums interchange, scheme and acquirer markup components and
// an optional fixed amount.
type InterchangePlus struct {
	Components []Component
	Fixed      *int64
}

func (InterchangePlus) Model() Model { return ModelInterchangePlus }

func (p InterchangePlus) fee(amount decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, c := range p.Components {
		total = total.Add(percentOf(amount, c.Percent))
	}
	if p.Fixed != nil {
		total = total.Add(decimal.NewFromInt(*p.Fixed))
	}
	return total
}

// percentOf is exact: shifting the point never rounds.
func percentOf(amount, pct decimal.Decimal) decimal.Decimal {
	return amount.Mul(pct).Shift(-2)
}

// Compute applies pricing to amount (minor units). Rounding is half-up to the
// nearest minor unit, applied to the total fee only.
func Compute(amount int64, pricing Pricing) (Result, error) {
	if amount < 0 {
		return Result{}, ErrNegativeAmount
	}
	if pricing == nil {
		return Result{Gross: amount, Net: amount}, nil
	}

	fee := pricing.fee(decimal.NewFromInt(amount)).Round(0).IntPart()
	return Result{
		Gross: amount,
		Fee:   fee,
		Net:   amount - fee,
	}, nil
}

type ComponentConfig struct {
	Name    string `mapstructure:"name" json:"name"`
	Percent string `mapstructure:"percent" json:"percent"`
}

// Config is the file representation of a pricing schedule. Percentages are
// kept as strings so they never pass through a float.
type Config struct {
	Model      string            `mapstructure:"model" json:"model"`
	Percent    string            `mapstructure:"percent" json:"percent"`
	Fixed      *int64            `mapstructure:"fixed" json:"fixed,omitempty"`
	Components []ComponentConfig `mapstructure:"components" json:"components,omitempty"`
}

// Parse builds a Pricing from its file representation. An empty model yields
// a nil Pricing (no fees).
func Parse(cfg Config) (Pricing, error) {
	switch Model(strings.ToUpper(cfg.Model)) {
	case "":
		return nil, nil
	case ModelBlended:
		pct, err := parsePercent(cfg.Percent)
		if err != nil {
			return nil, err
		}
		var fixed int64
		if cfg.Fixed != nil {
			fixed = *cfg.Fixed
		}
		if fixed < 0 {
			return nil, fmt.Errorf("fees: negative fixed fee %d", fixed)
		}
		return Blended{Percent: pct, Fixed: fixed}, nil
	case ModelInterchangePlus:
		if len(cfg.Components) == 0 {
			return nil, errors.New("fees: interchange-plus pricing needs at least one component")
		}
		p := InterchangePlus{Fixed: cfg.Fixed}
		for _, c := range cfg.Components {
			pct, err := parsePercent(c.Percent)
			if err != nil {
				return nil, fmt.Errorf("component %q: %w", c.Name, err)
			}
			p.Components = append(p.Components, Component{Name: c.Name, Percent: pct})
		}
		if p.Fixed != nil && *p.Fixed < 0 {
			return nil, fmt.Errorf("fees: negative fixed fee %d", *p.Fixed)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("fees: unknown pricing model %q", cfg.Model)
	}
}

func parsePercent(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	pct, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fees: invalid percentage %q: %w", s, err)
	}
	if pct.IsNegative() {
		return decimal.Zero, fmt.Errorf("fees: negative percentage %q", s)
	}
	return pct, nil
}
