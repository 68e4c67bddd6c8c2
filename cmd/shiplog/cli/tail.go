package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shipkit/shiplog/internal/consumer"
	"github.com/shipkit/shiplog/internal/model"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

func newTailCmd() *cobra.Command {
	var (
		serverURL  string
		key        string
		since      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a key's logs live",
		Long: `Connect to the live stream for an API key and print records as they
arrive. Dropped connections are resumed from the last record seen; a
revoked or expired key ends the command.`,
		Example: `  shiplog tail --key sk_live_...
  shiplog tail --key sk_live_... --since now
  SHIPLOG_KEY=sk_live_... shiplog tail --json | jq .message`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("SHIPLOG_KEY")
			}
			if key == "" {
				k, err := promptKey()
				if err != nil {
					return err
				}
				key = k
			}
			if serverURL == "" {
				serverURL = localServerURL()
			}
			return runTail(cmd.OutOrStdout(), serverURL, key, since, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Server base URL (default: local server)")
	cmd.Flags().StringVar(&key, "key", "", "API key to stream (or SHIPLOG_KEY)")
	cmd.Flags().StringVar(&since, "since", "", `Start at "now" or an RFC 3339 time (default: full history)`)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print one JSON record per line")

	return cmd
}

// promptKey reads a key without echo when stdin is a terminal.
func promptKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("an API key is required (--key or SHIPLOG_KEY)")
	}
	fmt.Fprint(os.Stderr, "API key: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func runTail(w io.Writer, serverURL, key, since string, jsonOutput bool) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := consumer.New(serverURL, key,
		consumer.WithSince(since),
		consumer.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	feed := consumer.NewFeed(consumer.DefaultFeedSize)
	enc := json.NewEncoder(w)

	err = client.Subscribe(ctx, func(rec model.LogRecord) {
		if !feed.Add(rec) {
			return
		}
		if jsonOutput {
			enc.Encode(rec)
			return
		}
		fmt.Fprintln(w, formatRecord(rec, color))
	})
	if errors.Is(err, consumer.ErrUnauthorized) {
		return errors.New("the API key was rejected (revoked, expired, or unknown)")
	}
	return err
}

// formatRecord renders one line: time, level, optional emoji and prefix,
// message, then metadata.
func formatRecord(rec model.LogRecord, color bool) string {
	var b strings.Builder
	ts := rec.Timestamp.Local().Format(time.TimeOnly + ".000")
	level := strings.ToUpper(rec.Level)
	if level == "" {
		level = "INFO"
	}

	if color {
		b.WriteString(ansiDim + ts + ansiReset + " ")
		b.WriteString(levelColor(rec.Level) + fmt.Sprintf("%-5s", level) + ansiReset)
	} else {
		b.WriteString(ts + " ")
		fmt.Fprintf(&b, "%-5s", level)
	}
	if rec.Emoji != "" {
		b.WriteString(" " + rec.Emoji)
	}
	if rec.Prefix != "" {
		b.WriteString(" [" + rec.Prefix + "]")
	}
	b.WriteString(" " + rec.Message)
	if len(rec.Metadata) > 0 && string(rec.Metadata) != "null" {
		b.WriteString(" " + string(rec.Metadata))
	}
	return b.String()
}

func levelColor(level string) string {
	switch strings.ToLower(level) {
	case "error", "fatal":
		return ansiRed
	case "warn", "warning":
		return ansiYellow
	case "debug":
		return ansiDim
	default:
		return ansiCyan
	}
}
