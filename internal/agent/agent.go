// Package agent batches log entries in the background and ships them to
// a shiplog ingestion endpoint.
//
// The queue is owned by a single goroutine. Callers hand entries over a
// channel, so the interval flush and the size flush never see the same
// entries: each flush removes up to MaxBatch entries from the front of
// the queue before the network call starts. Delivery is at most once; a
// failed batch is logged and dropped.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultFlushInterval = 5 * time.Second
	DefaultMaxBatch      = 10
	// MaxBatchLimit is the largest batch the ingestion endpoint accepts
	// with its default server.max_batch_size.
	MaxBatchLimit = 100
	DefaultSendTimeout   = 10 * time.Second

	inboxSize = 256
)

// ErrStopped is returned by Enqueue after Shutdown.
var ErrStopped = errors.New("agent stopped")

// Entry is one outgoing log event.
type Entry struct {
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Prefix    string         `json:"prefix,omitempty"`
	Emoji     string         `json:"emoji,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Transport delivers one batch.
type Transport interface {
	Send(ctx context.Context, batch []Entry) error
}

// Config configures an Agent. Transport is required; see NewHTTPTransport.
type Config struct {
	Transport     Transport
	FlushInterval time.Duration
	MaxBatch      int
	SendTimeout   time.Duration
	// FlushOnShutdown drains the queue during Shutdown. Without it,
	// entries still queued at shutdown are discarded.
	FlushOnShutdown bool
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

// message is what travels over the inbox: an entry, or a request for the
// current queue length.
type message struct {
	entry   Entry
	pending chan int
}

// Agent is the background batching worker.
type Agent struct {
	transport       Transport
	interval        time.Duration
	maxBatch        int
	sendTimeout     time.Duration
	flushOnShutdown bool
	clock           clockwork.Clock
	logger          *slog.Logger

	inbox    chan message
	stopping chan struct{}
	done     chan struct{}

	// gate is held shared by Enqueue while it hands an entry over.
	// Shutdown takes it exclusively before stopping the loop, so every
	// accepted entry is in the inbox when the final drain runs.
	gate    sync.RWMutex
	started atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	loop      sync.WaitGroup
	sends     sync.WaitGroup
}

func New(cfg Config) (*Agent, error) {
	if cfg.Transport == nil {
		return nil, errors.New("agent: transport is required")
	}
	a := &Agent{
		transport:       cfg.Transport,
		interval:        cfg.FlushInterval,
		maxBatch:        cfg.MaxBatch,
		sendTimeout:     cfg.SendTimeout,
		flushOnShutdown: cfg.FlushOnShutdown,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		inbox:           make(chan message, inboxSize),
		stopping:        make(chan struct{}),
		done:            make(chan struct{}),
	}
	if a.interval <= 0 {
		a.interval = DefaultFlushInterval
	}
	if a.maxBatch <= 0 {
		a.maxBatch = DefaultMaxBatch
	}
	a.maxBatch = min(a.maxBatch, MaxBatchLimit)
	if a.sendTimeout <= 0 {
		a.sendTimeout = DefaultSendTimeout
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// Start launches the queue goroutine. Calling it more than once is a no-op.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.loop.Add(1)
		a.started.Store(true)
		go a.run(ctx)
	})
}

// Enqueue hands an entry to the agent. It blocks only while the inbox is
// full.
func (a *Agent) Enqueue(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = a.clock.Now().UTC()
	}
	a.gate.RLock()
	defer a.gate.RUnlock()
	select {
	case <-a.stopping:
		return ErrStopped
	default:
	}
	select {
	case a.inbox <- message{entry: e}:
		return nil
	case <-a.stopping:
		return ErrStopped
	}
}

// Pending returns the number of queued entries not yet flushed. It is
// answered by the queue goroutine after every earlier Enqueue, and is 0
// before Start.
func (a *Agent) Pending() int {
	if !a.started.Load() {
		return 0
	}
	reply := make(chan int, 1)
	select {
	case a.inbox <- message{pending: reply}:
	case <-a.done:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-a.done:
		return 0
	}
}

// Shutdown stops the queue goroutine and waits for in-flight sends, or
// until ctx is done.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		close(a.stopping)
		a.gate.Lock()
		a.gate.Unlock()
		if a.cancel != nil {
			a.cancel()
		}
		a.loop.Wait()
		close(a.done)
	})

	finished := make(chan struct{})
	go func() {
		a.sends.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) run(ctx context.Context) {
	defer a.loop.Done()

	queue := make([]Entry, 0, a.maxBatch)
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-a.inbox:
			if msg.pending != nil {
				msg.pending <- len(queue)
				continue
			}
			queue = append(queue, msg.entry)
			if len(queue) >= a.maxBatch {
				queue = a.flush(queue)
			}
		case <-ticker.Chan():
			if len(queue) > 0 {
				queue = a.flush(queue)
			}
		case <-ctx.Done():
			if a.flushOnShutdown {
				queue = a.drainInbox(queue)
				for len(queue) > 0 {
					queue = a.flush(queue)
				}
			} else if len(queue) > 0 {
				a.logger.Debug("discarding queued log entries on shutdown", "entries", len(queue))
			}
			return
		}
	}
}

// drainInbox moves entries already handed over into the queue.
func (a *Agent) drainInbox(queue []Entry) []Entry {
	for {
		select {
		case msg := <-a.inbox:
			if msg.pending != nil {
				msg.pending <- len(queue)
				continue
			}
			queue = append(queue, msg.entry)
		default:
			return queue
		}
	}
}

// flush removes up to maxBatch entries from the front of queue, sends them
// in the background, and returns what is left.
func (a *Agent) flush(queue []Entry) []Entry {
	n := min(len(queue), a.maxBatch)
	batch := make([]Entry, n)
	copy(batch, queue[:n])

	rest := make([]Entry, len(queue)-n, a.maxBatch)
	copy(rest, queue[n:])

	a.sends.Add(1)
	go func() {
		defer a.sends.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
		defer cancel()
		if err := a.transport.Send(ctx, batch); err != nil {
			a.logger.Warn("log batch dropped", "entries", len(batch), "error", err)
		}
	}()
	return rest
}
