package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipkit/shiplog/internal/agent"
)

const maxPipeLine = 64 * 1024

type pipeOptions struct {
	serverURL   string
	key         string
	level       string
	prefix      string
	interval    time.Duration
	maxBatch    int
	flushOnExit bool
	tee         bool
}

func newPipeCmd() *cobra.Command {
	var opts pipeOptions

	cmd := &cobra.Command{
		Use:   "pipe",
		Short: "Ship lines from stdin as log records",
		Long: `Read lines from stdin and send each one as a log record under an API key.
Lines are batched in the background. Queued lines are dropped at end of
input unless --flush-on-exit is set.`,
		Example: `  ./worker 2>&1 | shiplog pipe --key sk_live_... --prefix worker
  tail -F app.log | shiplog pipe --key sk_live_... --tee --flush-on-exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.key == "" {
				opts.key = os.Getenv("SHIPLOG_KEY")
			}
			if opts.serverURL == "" {
				opts.serverURL = localServerURL()
			}
			return runPipe(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.serverURL, "server", "", "Server base URL (default: local server)")
	cmd.Flags().StringVar(&opts.key, "key", "", "API key to send with (or SHIPLOG_KEY)")
	cmd.Flags().StringVar(&opts.level, "level", "info", "Level for every line")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "Prefix for every line")
	cmd.Flags().DurationVar(&opts.interval, "interval", agent.DefaultFlushInterval, "Flush interval")
	cmd.Flags().IntVar(&opts.maxBatch, "batch", agent.DefaultMaxBatch, fmt.Sprintf("Flush when this many lines are queued (1-%d)", agent.MaxBatchLimit))
	cmd.Flags().BoolVar(&opts.flushOnExit, "flush-on-exit", false, "Send queued lines before exiting")
	cmd.Flags().BoolVar(&opts.tee, "tee", false, "Copy input to stdout")

	return cmd
}

func runPipe(ctx context.Context, in io.Reader, out io.Writer, opts pipeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.maxBatch < 1 || opts.maxBatch > agent.MaxBatchLimit {
		return fmt.Errorf("--batch must be between 1 and %d", agent.MaxBatchLimit)
	}
	transport, err := agent.NewHTTPTransport(strings.TrimRight(opts.serverURL, "/")+"/v1", opts.key, nil)
	if err != nil {
		return err
	}
	a, err := agent.New(agent.Config{
		Transport:       transport,
		FlushInterval:   opts.interval,
		MaxBatch:        opts.maxBatch,
		FlushOnShutdown: opts.flushOnExit,
		Logger:          slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		return err
	}
	a.Start()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 4096), maxPipeLine)
	for sc.Scan() {
		line := sc.Text()
		if opts.tee {
			fmt.Fprintln(out, line)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := a.Enqueue(agent.Entry{Level: opts.level, Message: line, Prefix: opts.prefix}); err != nil {
			break
		}
	}
	scanErr := sc.Err()

	shutdownCtx, cancel := context.WithTimeout(ctx, agent.DefaultSendTimeout+5*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if scanErr != nil {
		return fmt.Errorf("read input: %w", scanErr)
	}
	return nil
}
