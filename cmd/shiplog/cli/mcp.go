package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	logmcp "github.com/shipkit/shiplog/internal/mcp"
	"github.com/shipkit/shiplog/internal/service"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
		userID    string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that lets AI agents list a
user's API keys and read their recent logs. Supports stdio (default) and
HTTP transports.

The server reads the store directly and acts as the user given by --user.
A running 'shiplog serve' also exposes the same tools at /mcp behind an
owner token.`,
		Example: `  shiplog mcp --user u_123                          # stdio mode
  shiplog mcp --user u_123 --transport http --port 3001`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port, userID)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")
	cmd.Flags().StringVar(&userID, "user", "", "User whose keys and logs are exposed (required)")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runMCP(transport string, port int, userID string) error {
	if userID == "" {
		return errors.New("--user is required")
	}
	// stdout carries JSON-RPC in stdio mode, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	keys := service.NewKeyService(st, service.WithLogger(logger))
	mcpSrv := logmcp.NewMCPServer(keys, st, versionString(), logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio(userID)
	case "http":
		addr := fmt.Sprintf(":%d", port)
		logger.Info("starting MCP HTTP server", "addr", addr, "user", userID)
		return mcpSrv.ServeHTTP(addr, userID)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
