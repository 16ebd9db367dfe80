package main

import (
	"fmt"
	"os"

	"github.com/JosineyJr/psp-orchestrator/internal/storage"
	"github.com/spf13/cobra"
)

func reloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask every worker on the shared Redis backend to reload its config",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("redis")
			reason, _ := cmd.Flags().GetString("reason")

			client, err := storage.NewRedisClient(url)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := storage.NewRedisPubSub(client).Publish(cmd.Context(), storage.ConfigReloadChannel, []byte(reason)); err != nil {
				return fmt.Errorf("publish reload: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reload published")
			return nil
		},
	}
	cmd.Flags().String("redis", os.Getenv("REDIS_URL"), "Redis URL shared with the workers")
	cmd.Flags().String("reason", "psproute", "Free text logged by the workers")
	return cmd
}
