package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shipkit/shiplog/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve, mcp, and openapi
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shiplog",
		Short: "Live log ingestion and streaming for ShipKit apps",
		Long: `ShipLog: collect structured logs from your applications and watch them live.

Applications post events with an API key; ShipLog stores them and streams new
records to dashboards over Server-Sent Events or WebSocket. Keys can be
time-boxed and revoked, and revoking a key ends its open streams.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./shiplog.yaml)")
	cmd.PersistentFlags().String("data-dir", "", "data directory for the SQLite store (default: ~/.shiplog)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	viper.BindPFlag("store.data_dir", cmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newTailCmd())
	cmd.AddCommand(newPipeCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("shiplog")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.shiplog")
	}

	config.SetDefaults(viper.GetViper())
	viper.ReadInConfig() // Ignore error - config file is optional
}
