package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shipkit/shiplog/internal/config"
	"github.com/shipkit/shiplog/internal/notify"
	"github.com/shipkit/shiplog/internal/server"
	"github.com/shipkit/shiplog/internal/service"
	"github.com/shipkit/shiplog/internal/stream"
)

const banner = `
     _     _       _
 ___| |__ (_)_ __ | | ___   __ _
/ __| '_ \| | '_ \| |/ _ \ / _' |
\__ \ | | | | |_) | | (_) | (_| |
|___/_| |_|_| .__/|_|\___/ \__, |
            |_|            |___/
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ShipLog server",
		Long:  "Start the HTTP server that ingests logs, streams them live, and manages API keys.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().String("redis-url", "", "Redis URL for cross-replica stream wake-ups (e.g. redis://localhost:6379/0)")
	cmd.Flags().Bool("no-mcp", false, "Do not mount the MCP endpoint at /mcp")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("notify.redis_url", cmd.Flags().Lookup("redis-url"))
	viper.BindPFlag("server.no_mcp", cmd.Flags().Lookup("no-mcp"))

	return cmd
}

func runServe(dev bool) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dev {
		cfg.Logging.Level = "debug"
	}
	logger, closeLog := newLogger(cfg)
	defer closeLog.Close()

	// 1. Store
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	logger.Info("store initialized", "driver", st.Driver())

	// 2. Change notifier
	notifier, closeRedis, err := newNotifier(cfg, logger)
	if err != nil {
		st.Close()
		return err
	}
	defer closeRedis()

	// 3. Services
	keys := service.NewKeyService(st, service.WithLogger(logger))
	authSvc := newAuthService(cfg, logger)
	if n, err := st.CountAPIKeys(context.Background()); err == nil && n == 0 {
		logger.Warn("no API keys yet - create one with: shiplog key create --user <id> --name <name>")
	}

	// 4. HTTP server
	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		CORSOrigins:     cfg.Server.CORS.Origins,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		MaxBatchSize:    cfg.Server.MaxBatchSize,
		IngestRateLimit: cfg.RateLimit.IngestPerMinute,
		StreamRateLimit: cfg.RateLimit.StreamPerMinute,
		EnableMCP:       !viper.GetBool("server.no_mcp"),
		Version:         versionString(),
	}
	srv := server.New(srvCfg, st, keys, authSvc, notifier, logger,
		stream.WithInterval(cfg.Stream.Interval),
		stream.WithBatchSize(cfg.Stream.BatchSize),
		stream.WithHeartbeat(cfg.Stream.Heartbeat),
	)

	if err := writePID(os.Getpid()); err != nil {
		logger.Warn("failed to write PID file", "path", pidFilePath(), "error", err)
	}
	defer removePID()

	base := localServerURL()
	fmt.Printf("→ ShipLog %s\n", versionString())
	fmt.Printf("→ Listening on http://%s\n", srv.Addr())
	fmt.Printf("→ Ingest:     POST %s/v1\n", base)
	fmt.Printf("→ Live:       %s/api/sse?key=...\n", base)
	fmt.Printf("→ OpenAPI:    %s/openapi.json\n", base)
	fmt.Printf("→ Health:     %s/healthz\n", base)
	if srvCfg.EnableMCP {
		fmt.Printf("→ MCP:        %s/mcp\n", base)
	}
	fmt.Println()

	return srv.ListenAndServe()
}

// newNotifier picks Redis when a URL is configured so writes on one
// replica wake streams on every replica. The returned func closes the
// Redis client after the server has closed the notifier.
func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, func(), error) {
	if cfg.Notify.RedisURL == "" {
		return notify.NewLocal(), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := notify.Connect(ctx, cfg.Notify.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect notifier: %w", err)
	}
	n, err := notify.NewRedis(ctx, client, logger)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("start notifier: %w", err)
	}
	logger.Info("redis notifier connected")
	return n, func() { client.Close() }, nil
}
