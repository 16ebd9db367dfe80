package routing

import (
	"sort"
	"strings"

	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
)

// Rule routes matching transactions to Target. Empty conditions do not
// constrain; a rule without any condition matches everything.
type Rule struct {
	Name        string   `mapstructure:"name" json:"name,omitempty"`
	Priority    int      `mapstructure:"priority" json:"priority"`
	Currencies  []string `mapstructure:"currencies" json:"currencies,omitempty"`
	MinAmount   *int64   `mapstructure:"min_amount" json:"minAmount,omitempty"`
	BINPrefixes []string `mapstructure:"bin_prefixes" json:"binPrefixes,omitempty"`
	Target      string   `mapstructure:"target" json:"target"`
}

func (r *Rule) Matches(tx *payments.Transaction) bool {
	if len(r.Currencies) > 0 && !containsFold(r.Currencies, tx.Currency) {
		return false
	}
	if r.MinAmount != nil && tx.Amount < *r.MinAmount {
		return false
	}
	if len(r.BINPrefixes) > 0 && !hasAnyPrefix(tx.CardBIN, r.BINPrefixes) {
		return false
	}
	return true
}

// Evaluate returns the failover chain for tx: the targets of every matching
// rule, by ascending priority, ties in input order. A PSP appears once, at
// its first position. The input slice is not modified.
func Evaluate(tx *payments.Transaction, rules []Rule) ([]string, error) {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	candidates := make([]string, 0, len(ordered))
	seen := make(map[string]struct{}, len(ordered))
	for i := range ordered {
		r := &ordered[i]
		if r.Target == "" || !r.Matches(tx) {
			continue
		}
		if _, dup := seen[r.Target]; dup {
			continue
		}
		seen[r.Target] = struct{}{}
		candidates = append(candidates, r.Target)
	}

	if len(candidates) == 0 {
		return nil, &payments.Error{
			Kind:    payments.KindNoRoute,
			Message: "no routing rule matches transaction " + tx.ID,
		}
	}
	return candidates, nil
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(bin string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(bin, p) {
			return true
		}
	}
	return false
}
