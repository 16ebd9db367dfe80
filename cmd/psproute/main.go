package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "psproute",
		Short:         "Inspect routing, pricing and webhook signatures of the PSP orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", os.Getenv("CONFIG_FILE"), "Orchestration config file (built-in defaults when empty)")

	root.AddCommand(routeCmd())
	root.AddCommand(feesCmd())
	root.AddCommand(pspsCmd())
	root.AddCommand(signCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(reloadCmd())
	return root
}
