// Package consumer is the subscriber side of the live log stream: it holds
// an SSE connection to /api/sse, resumes after drops, and keeps a bounded
// feed of the records it has seen for display and paging.
package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shipkit/shiplog/internal/model"
)

const defaultRetry = 3 * time.Second

var (
	// ErrUnauthorized means the server refused the key. Reconnecting
	// cannot help, so Subscribe returns it.
	ErrUnauthorized = errors.New("api key rejected")
	// ErrRejected covers other client errors, such as a bad since value.
	ErrRejected = errors.New("stream request rejected")
)

// Client subscribes to one key's stream.
type Client struct {
	endpoint string
	key      string
	since    string
	http     *http.Client
	retry    time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	lastID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client. It must not set a timeout
// shorter than the stream's lifetime.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSince starts the first connection at "now" or an RFC 3339 time.
// Reconnects resume from the last event instead.
func WithSince(since string) Option {
	return func(c *Client) { c.since = since }
}

// WithRetry sets the reconnect delay used until the server sends its own.
func WithRetry(d time.Duration) Option {
	return func(c *Client) { c.retry = d }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the server at baseURL.
func New(baseURL, key string, opts ...Option) (*Client, error) {
	if key == "" {
		return nil, errors.New("consumer: api key is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("consumer: invalid server URL %q", baseURL)
	}
	c := &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/api/sse",
		key:      key,
		http:     &http.Client{},
		retry:    defaultRetry,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LastEventID is the id of the last event delivered, used to resume.
func (c *Client) LastEventID() string {
	return c.lastID
}

// Subscribe delivers records to fn until ctx is done, reconnecting after
// dropped connections and server errors. It returns nil when ctx ends and
// an error wrapping ErrUnauthorized or ErrRejected when the server
// refuses the subscription.
func (c *Client) Subscribe(ctx context.Context, fn func(model.LogRecord)) error {
	for {
		err := c.connect(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrRejected) {
			return err
		}
		if err != nil {
			c.logger.Warn("stream disconnected", "error", err, "retry", c.retry)
		} else {
			c.logger.Info("stream closed by server", "retry", c.retry)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.clock.After(c.retry):
		}
	}
}

// connect runs one connection to completion. A nil error means the server
// closed the stream cleanly.
func (c *Client) connect(ctx context.Context, fn func(model.LogRecord)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.key)
	if c.lastID != "" {
		req.Header.Set("Last-Event-ID", c.lastID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return c.read(resp.Body, fn)
}

func (c *Client) requestURL() string {
	if c.since == "" || c.lastID != "" {
		return c.endpoint
	}
	return c.endpoint + "?" + url.Values{"since": {c.since}}.Encode()
}

func statusError(resp *http.Response) error {
	var body model.ErrorResponse
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
}

// read parses the event stream. Only the id, data, and retry fields are
// meaningful; comments such as heartbeats are skipped.
func (c *Client) read(r io.Reader, fn func(model.LogRecord)) error {
	br := bufio.NewReader(r)
	var id string
	var data strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() > 0 {
				c.dispatch(id, data.String(), fn)
			}
			id = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			id = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				c.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

func (c *Client) dispatch(id, data string, fn func(model.LogRecord)) {
	var rec model.LogRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		c.logger.Warn("skipping malformed event", "id", id, "error", err)
		return
	}
	if id != "" {
		c.lastID = id
	}
	fn(rec)
}
