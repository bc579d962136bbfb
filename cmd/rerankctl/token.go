package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knoguchi/rerank/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a JWT for the admin API",
	Long: `Sign a bearer token with JWT_SECRET. rerankd accepts it on /admin routes
when the role is admin.

Examples:
  rerankctl token --subject ops
  rerankctl token --subject ci --expiry 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		role, _ := cmd.Flags().GetString("role")
		expiry, _ := cmd.Flags().GetDuration("expiry")

		if expiry <= 0 {
			expiry = cfg.JWTExpiry
		}

		manager := auth.NewJWTManager(auth.DefaultJWTConfig(cfg.JWTSecret))
		token, err := manager.GenerateTokenWithExpiry(subject, role, expiry)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("subject", "", "token subject (required)")
	tokenCmd.Flags().String("role", auth.RoleAdmin, "token role")
	tokenCmd.Flags().Duration("expiry", 0, "token lifetime (default: JWT_EXPIRY)")
	_ = tokenCmd.MarkFlagRequired("subject")
}
