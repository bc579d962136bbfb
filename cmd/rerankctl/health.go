package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rerank/internal/scorer"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that a scoring service is up",
	Long: `Call the health endpoint next to the scoring URL (REMOTE_RERANK_URL or --url).
Exits non-zero when the service is unreachable or unhealthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("url")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if endpoint == "" {
			endpoint = cfg.RemoteURL
		}
		if endpoint == "" {
			endpoint = defaultScoreURL
		}

		backend, err := scorer.NewRemoteBackend(scorer.RemoteConfig{URL: endpoint, Logger: logger})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if err := backend.Health(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s healthy\n", endpoint)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().String("url", "", "scoring endpoint")
	healthCmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
}
