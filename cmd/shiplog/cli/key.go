package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, and revoke the API keys applications use to send and stream logs.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyTestCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())

	return cmd
}

// withKeyService opens the configured store for one command.
func withKeyService(fn func(ctx context.Context, keys *service.KeyService) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	keys := service.NewKeyService(st, service.WithLogger(logger))
	defer keys.Wait()
	return fn(context.Background(), keys)
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		userID      string
		projectID   string
		name        string
		description string
		days        int
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long: `Generate a new API key. The key is shown once and cannot be retrieved again.
Common lifetimes are 7, 30, 90, and 365 days; omit --expires-in-days for a key
that never expires.`,
		Example: `  shiplog key create --user u_123 --name "Production web"
  shiplog key create --user u_123 --name CI --expires-in-days 30`,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := service.CreateKeyParams{
				UserID:      userID,
				ProjectID:   projectID,
				Name:        name,
				Description: description,
			}
			if cmd.Flags().Changed("expires-in-days") {
				params.ExpiresInDays = &days
			}
			return withKeyService(func(ctx context.Context, keys *service.KeyService) error {
				key, plaintext, err := keys.CreateAPIKey(ctx, params)
				if err != nil {
					return err
				}
				return printCreatedKey(cmd.OutOrStdout(), key, plaintext, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owning user id (required)")
	cmd.Flags().StringVar(&projectID, "project", "", "Owning project id")
	cmd.Flags().StringVar(&name, "name", "", "Human-readable key name (required)")
	cmd.Flags().StringVar(&description, "description", "", "Optional description")
	cmd.Flags().IntVar(&days, "expires-in-days", 0, "Lifetime in days (1-3650); omit for no expiry")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("name")

	return cmd
}

// ---------- key test ----------

func newKeyTestCmd() *cobra.Command {
	var (
		userID     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Create a short-lived test key",
		Long:  "Create a key named \"Test Key\" that expires in 7 days, for trying out ingestion.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(func(ctx context.Context, keys *service.KeyService) error {
				key, plaintext, err := keys.CreateTestAPIKey(ctx, userID)
				if err != nil {
					return err
				}
				return printCreatedKey(cmd.OutOrStdout(), key, plaintext, jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owning user id (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("user")

	return cmd
}

// printCreatedKey shows the plaintext once. When stdout is not a terminal
// only the key is printed, so `KEY=$(shiplog key create ...)` works.
func printCreatedKey(w io.Writer, key *model.APIKey, plaintext string, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*model.APIKey
			Key string `json:"key"`
		}{key, plaintext})
	}
	if f, ok := w.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		fmt.Fprintln(w, plaintext)
		return nil
	}

	fmt.Fprintln(w, "API Key created:")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Key:     %s\n", plaintext)
	fmt.Fprintf(w, "  ID:      %s\n", key.ID)
	fmt.Fprintf(w, "  Name:    %s\n", key.Name)
	fmt.Fprintf(w, "  Expires: %s\n", formatExpiry(key.ExpiresAt))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		userID     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeyService(func(ctx context.Context, keys *service.KeyService) error {
				list, err := keys.ListKeysForOwner(ctx, userID)
				if err != nil {
					return err
				}
				return printKeyList(cmd.OutOrStdout(), list, keys.Now(), jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Owning user id (required)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("user")

	return cmd
}

func printKeyList(w io.Writer, keys []model.APIKey, now time.Time, jsonOutput bool) error {
	if jsonOutput {
		if keys == nil {
			keys = []model.APIKey{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(keys)
	}

	if len(keys) == 0 {
		fmt.Fprintln(w, "No API keys. Use 'shiplog key create' to create one.")
		return nil
	}

	const row = "%-38s %-16s %-20s %-12s %-12s %-8s\n"
	fmt.Fprintf(w, row, "ID", "PREFIX", "NAME", "EXPIRES", "LAST USED", "STATUS")
	for _, k := range keys {
		status := "active"
		if !k.Valid(now) {
			status = "expired"
		}
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format(time.DateOnly)
		}
		fmt.Fprintf(w, row, k.ID, k.KeyPrefix, truncate(k.Name, 20), formatExpiry(k.ExpiresAt), lastUsed, status)
	}
	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Long: `Revoke an API key. Ingestion with the key is refused immediately and open
streams for it close on their next poll. Revoking twice is not an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID := args[0]
			return withKeyService(func(ctx context.Context, keys *service.KeyService) error {
				var err error
				if userID != "" {
					err = keys.RevokeKeyForOwner(ctx, userID, keyID)
				} else {
					err = keys.RevokeKey(ctx, keyID)
				}
				if errors.Is(err, service.ErrKeyNotFound) {
					return fmt.Errorf("no API key with id %q", keyID)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %s\n", keyID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Only revoke if the key belongs to this user")

	return cmd
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.DateOnly)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
