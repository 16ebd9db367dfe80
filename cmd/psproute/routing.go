package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/JosineyJr/psp-orchestrator/internal/config"
	"github.com/JosineyJr/psp-orchestrator/internal/fees"
	"github.com/JosineyJr/psp-orchestrator/internal/routing"
	"github.com/JosineyJr/psp-orchestrator/pkg/payments"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func loadSnapshot(cmd *cobra.Command) (*config.Snapshot, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadSnapshot(path)
}

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Print the failover chain a transaction would be routed through",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd)
			if err != nil {
				return err
			}
			amount, _ := cmd.Flags().GetInt64("amount")
			currency, _ := cmd.Flags().GetString("currency")
			bin, _ := cmd.Flags().GetString("bin")

			tx := payments.Transaction{Amount: amount, Currency: strings.ToUpper(currency), CardBIN: bin}
			candidates, err := routing.Evaluate(&tx, snap.Rules)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i, id := range candidates {
				fmt.Fprintf(out, "%d. %s\n", i+1, id)
			}
			return nil
		},
	}

	cmd.Flags().Int64P("amount", "a", 0, "Amount in minor units")
	cmd.Flags().String("currency", "USD", "ISO 4217 currency code")
	cmd.Flags().String("bin", "", "Card BIN")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func feesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fees",
		Short: "Compute the processing fee of an amount for every configured PSP",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd)
			if err != nil {
				return err
			}
			amount, _ := cmd.Flags().GetInt64("amount")
			only, _ := cmd.Flags().GetString("psp")

			ids := snap.Registry.IDs()
			if only != "" {
				if _, err := snap.Registry.Get(only); err != nil {
					return err
				}
				ids = []string{only}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PSP\tMODEL\tGROSS\tFEE\tNET\tEFFECTIVE")
			for _, id := range ids {
				pricing := snap.Pricing[id]
				res, err := fees.Compute(amount, pricing)
				if err != nil {
					return err
				}
				model := "NONE"
				if pricing != nil {
					model = string(pricing.Model())
				}
				effective := decimal.Zero
				if res.Gross > 0 {
					effective = decimal.NewFromInt(res.Fee).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(res.Gross))
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s%%\n", id, model, res.Gross, res.Fee, res.Net, effective.StringFixed(2))
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int64P("amount", "a", 0, "Amount in minor units")
	cmd.Flags().String("psp", "", "Only this PSP")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func pspsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "psps",
		Short: "List configured PSPs and the routing rules that target them",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(cmd)
			if err != nil {
				return err
			}

			rules := append([]routing.Rule(nil), snap.Rules...)
			sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
			targets := map[string][]string{}
			for _, r := range rules {
				targets[r.Target] = append(targets[r.Target], r.Name)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PSP\tPROVIDER\tTIMEOUT\tRULES")
			for _, id := range snap.Registry.IDs() {
				a, _ := snap.Registry.Get(id)
				timeout := "default"
				if d := snap.Timeouts[id]; d > 0 {
					timeout = d.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, a.Provider(), timeout, strings.Join(targets[id], ","))
			}
			return w.Flush()
		},
	}
}
