package model

import (
	"encoding/json"
	"time"
)

// LogRecord is one structured log event persisted under an API key.
// Records are immutable once written.
type LogRecord struct {
	ID        int64           `json:"id"`
	APIKeyID  string          `json:"api_key_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Prefix    string          `json:"prefix,omitempty"`
	Emoji     string          `json:"emoji,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Cursor marks the last record delivered to a stream subscriber. Records are
// ordered by (Timestamp, ID), so two records sharing a millisecond are still
// delivered exactly once each.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        int64     `json:"id"`
}

// StartCursor is the cursor a new subscription begins from: the Unix epoch.
func StartCursor() Cursor {
	return Cursor{Timestamp: time.UnixMilli(0).UTC()}
}

// After returns the cursor positioned on rec.
func (c Cursor) After(rec LogRecord) Cursor {
	return Cursor{Timestamp: rec.Timestamp, ID: rec.ID}
}

// Before reports whether rec sorts strictly after the cursor position.
func (c Cursor) Before(rec LogRecord) bool {
	ct, rt := c.Timestamp.UnixMilli(), rec.Timestamp.UnixMilli()
	if rt != ct {
		return rt > ct
	}
	return rec.ID > c.ID
}
