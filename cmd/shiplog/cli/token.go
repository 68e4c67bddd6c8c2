package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue owner tokens for the key management API",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		userID    string
		projectID string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed owner token",
		Long: `Issue a bearer token that authenticates requests to /api/v1/keys and /mcp
as the given user. The token is signed with auth.jwt_secret, so the server
must run with the same secret.`,
		Example: `  TOKEN=$(shiplog token issue --user u_123)
  curl -H "Authorization: Bearer $TOKEN" localhost:8080/api/v1/keys`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			logger, closeLog := newLogger(cfg)
			defer closeLog.Close()

			token, err := newAuthService(cfg, logger).IssueToken(userID, projectID, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id to authenticate as (required)")
	cmd.Flags().StringVar(&projectID, "project", "", "Project id claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.token_ttl)")
	cmd.MarkFlagRequired("user")

	return cmd
}
