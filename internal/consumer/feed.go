package consumer

import (
	"sync"

	"github.com/shipkit/shiplog/internal/model"
)

const DefaultFeedSize = 1000

// Feed accumulates streamed records, keeping the newest up to a fixed
// capacity. Records at or before the last accepted cursor are ignored, so a
// replay after reconnect does not duplicate rows.
type Feed struct {
	mu      sync.Mutex
	records []model.LogRecord // oldest first
	size    int
	cursor  model.Cursor
	started bool
}

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{size: size}
}

// Add appends rec and reports whether it was new.
func (f *Feed) Add(rec model.LogRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.started && !f.cursor.Before(rec) {
		return false
	}
	f.started = true
	f.cursor = f.cursor.After(rec)

	f.records = append(f.records, rec)
	if over := len(f.records) - f.size; over > 0 {
		f.records = append(f.records[:0], f.records[over:]...)
	}
	return true
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// Page returns page n (from 0) of perPage records, newest first.
func (f *Feed) Page(n, perPage int) []model.LogRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n < 0 || perPage <= 0 {
		return nil
	}
	start := n * perPage
	if start >= len(f.records) {
		return nil
	}
	end := min(start+perPage, len(f.records))

	out := make([]model.LogRecord, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, f.records[len(f.records)-1-i])
	}
	return out
}

// Pages is the number of pages of perPage records.
func (f *Feed) Pages(perPage int) int {
	if perPage <= 0 {
		return 0
	}
	n := f.Len()
	return (n + perPage - 1) / perPage
}
