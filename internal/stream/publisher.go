// Package stream tails newly written log records for one API key and
// pushes them to a connected subscriber.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/shipkit/shiplog/internal/model"
)

const (
	DefaultInterval  = time.Second
	DefaultBatchSize = 10
	DefaultHeartbeat = 15 * time.Second
)

var (
	// ErrKeyInactive ends a stream whose key was revoked or expired.
	ErrKeyInactive = errors.New("api key no longer active")
	// ErrTransport ends a stream whose subscriber connection failed.
	ErrTransport = errors.New("stream transport failed")
)

// State is the lifecycle of one subscription.
type State int

const (
	Connecting State = iota
	Streaming
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Source reads committed records after a cursor.
type Source interface {
	LogsAfter(ctx context.Context, keyID string, cursor model.Cursor, limit int) ([]model.LogRecord, error)
}

// Guard reports whether a key may keep streaming. It must return an error
// wrapping ErrKeyInactive once the key is revoked or expired; any other
// error is treated as transient.
type Guard func(ctx context.Context, keyID string) error

// Waker delivers early wake-ups when records are written for a key.
type Waker interface {
	Subscribe(keyID string) (<-chan struct{}, func())
}

// Sink is the subscriber's transport.
type Sink interface {
	Send(rec model.LogRecord) error
	Heartbeat() error
}

// Observer is told about state changes and deliveries.
type Observer interface {
	StateChanged(keyID string, from, to State)
	Delivered(keyID string, n int)
}

// Publisher runs one independent polling loop per subscription. Loops
// share nothing but the read-only source.
type Publisher struct {
	source    Source
	guard     Guard
	waker     Waker
	observer  Observer
	clock     clockwork.Clock
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	heartbeat time.Duration
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithHeartbeat sets the keep-alive period. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(p *Publisher) { p.heartbeat = d }
}

func WithWaker(w Waker) Option {
	return func(p *Publisher) { p.waker = w }
}

func WithObserver(o Observer) Option {
	return func(p *Publisher) { p.observer = o }
}

func WithClock(c clockwork.Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

func NewPublisher(source Source, guard Guard, opts ...Option) *Publisher {
	p := &Publisher{
		source:    source,
		guard:     guard,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		heartbeat: DefaultHeartbeat,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// BatchSize returns the per-cycle record cap.
func (p *Publisher) BatchSize() int {
	return p.batchSize
}

// Stream delivers records for keyID that sort after from until ctx is
// cancelled (returns nil), the key stops being active (ErrKeyInactive), or
// the sink fails (ErrTransport).
//
// A cycle runs immediately, then on every interval tick or wake-up. Each
// cycle sends at most BatchSize records in (timestamp, id) order and
// advances the cursor past each one as it is sent.
func (p *Publisher) Stream(ctx context.Context, keyID string, from model.Cursor, sink Sink) error {
	state := Connecting
	p.transition(keyID, &state, Connecting)

	var wake <-chan struct{}
	if p.waker != nil {
		ch, unsubscribe := p.waker.Subscribe(keyID)
		defer unsubscribe()
		wake = ch
	}

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	var heartbeat <-chan time.Time
	if p.heartbeat > 0 {
		hb := p.clock.NewTicker(p.heartbeat)
		defer hb.Stop()
		heartbeat = hb.Chan()
	}

	p.transition(keyID, &state, Streaming)
	cursor := from
	poll := true
	for {
		if poll {
			next, err := p.cycle(ctx, keyID, cursor, sink)
			cursor = next
			switch {
			case ctx.Err() != nil:
				p.transition(keyID, &state, Closed)
				return nil
			case errors.Is(err, ErrKeyInactive):
				p.transition(keyID, &state, Closed)
				return err
			case errors.Is(err, ErrTransport):
				p.transition(keyID, &state, Errored)
				return err
			case err != nil:
				p.logger.Warn("stream cycle failed", "key_id", keyID, "error", err)
			}
		}
		poll = false

		select {
		case <-ctx.Done():
			p.transition(keyID, &state, Closed)
			return nil
		case <-ticker.Chan():
			poll = true
		case <-wake:
			poll = true
		case <-heartbeat:
			if err := sink.Heartbeat(); err != nil {
				p.transition(keyID, &state, Errored)
				return fmt.Errorf("%w: %v", ErrTransport, err)
			}
		}
	}
}

// cycle performs one guarded read-and-send pass and returns the advanced
// cursor.
func (p *Publisher) cycle(ctx context.Context, keyID string, cursor model.Cursor, sink Sink) (model.Cursor, error) {
	if p.guard != nil {
		if err := p.guard(ctx, keyID); err != nil {
			return cursor, err
		}
	}

	recs, err := p.source.LogsAfter(ctx, keyID, cursor, p.batchSize)
	if err != nil {
		return cursor, fmt.Errorf("read logs: %w", err)
	}

	sent := 0
	for _, rec := range recs {
		if !cursor.Before(rec) {
			continue
		}
		if err := sink.Send(rec); err != nil {
			p.delivered(keyID, sent)
			return cursor, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		cursor = cursor.After(rec)
		sent++
	}
	p.delivered(keyID, sent)
	return cursor, nil
}

func (p *Publisher) transition(keyID string, state *State, to State) {
	from := *state
	*state = to
	if p.observer != nil && (from != to || to == Connecting) {
		p.observer.StateChanged(keyID, from, to)
	}
}

func (p *Publisher) delivered(keyID string, n int) {
	if p.observer != nil && n > 0 {
		p.observer.Delivered(keyID, n)
	}
}
