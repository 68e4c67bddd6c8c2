package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shipkit/shiplog/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage ShipLog configuration",
		Long:  "Initialize a default configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		path  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default shiplog.yaml configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if force {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			if err := config.WriteDefault(path); err != nil {
				if errors.Is(err, fs.ErrExist) {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			fmt.Fprintln(cmd.OutOrStdout(), "Set auth.jwt_secret (or SHIPLOG_AUTH_JWT_SECRET), then run 'shiplog serve'.")
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "shiplog.yaml", "File to write")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")

	return cmd
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if f := viper.ConfigFileUsed(); f != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "# config file: %s\n", f)
			} else {
				fmt.Fprintln(cmd.ErrOrStderr(), "# no config file found, using defaults and environment")
			}
			data, err := config.Marshal(cfg, reveal)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "Show secrets instead of masking them")

	return cmd
}
