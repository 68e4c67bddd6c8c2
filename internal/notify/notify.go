// Package notify wakes open log streams when new records are written.
//
// Notifications carry no data, only the key id that changed. Streams
// still read records from the store, so a lost or duplicated notification
// can delay delivery by at most one poll interval but never changes what
// is delivered.
package notify

import (
	"context"
	"sync"
)

// Notifier publishes and fans out per-key change signals.
type Notifier interface {
	Publish(ctx context.Context, keyID string) error
	// Subscribe returns a channel that receives a value after each
	// publish for keyID. Signals coalesce: a slow reader sees one
	// pending signal, not one per publish. Call the returned func to
	// unsubscribe.
	Subscribe(keyID string) (<-chan struct{}, func())
	Close() error
}

// Local fans out signals to subscribers inside this process.
type Local struct {
	mu        sync.Mutex
	listeners map[string][]chan struct{}
}

func NewLocal() *Local {
	return &Local{listeners: make(map[string][]chan struct{})}
}

func (l *Local) Publish(_ context.Context, keyID string) error {
	l.signal(keyID)
	return nil
}

func (l *Local) signal(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.listeners[keyID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (l *Local) Subscribe(keyID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	l.listeners[keyID] = append(l.listeners[keyID], ch)
	l.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			listeners := l.listeners[keyID]
			for i, c := range listeners {
				if c == ch {
					l.listeners[keyID] = append(listeners[:i], listeners[i+1:]...)
					break
				}
			}
			if len(l.listeners[keyID]) == 0 {
				delete(l.listeners, keyID)
			}
		})
	}
	return ch, unsubscribe
}

// Subscribers returns the number of active subscriptions for keyID.
func (l *Local) Subscribers(keyID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners[keyID])
}

func (l *Local) Close() error {
	return nil
}
