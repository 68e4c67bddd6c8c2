package service

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/shipkit/shiplog/internal/model"
)

const (
	defaultLevel = "info"

	maxLevelLen  = 32
	maxPrefixLen = 255
	maxEmojiLen  = 32
)

// LogStore persists accepted log records.
type LogStore interface {
	InsertLog(ctx context.Context, rec *model.LogRecord) error
}

// Notifier is told about every key that received new records so open
// streams can wake before their next poll.
type Notifier interface {
	Publish(ctx context.Context, keyID string) error
}

// LogWriter authorizes and persists ingested events.
type LogWriter struct {
	keys     *KeyService
	store    LogStore
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger
}

func NewLogWriter(keys *KeyService, st LogStore, notifier Notifier, logger *slog.Logger) *LogWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogWriter{
		keys:     keys,
		store:    st,
		notifier: notifier,
		clock:    keys.clock,
		logger:   logger,
	}
}

// Write stores one record per entry under the key identified by rawKey.
//
// Checks run in a fixed order: a missing key, then missing messages, then
// key validation. Nothing is persisted unless all of them pass. Records
// are inserted one at a time; a store failure part way through a batch
// leaves the earlier records in place.
func (w *LogWriter) Write(ctx context.Context, rawKey string, entries []model.LogEntry) ([]model.LogRecord, error) {
	if strings.TrimSpace(rawKey) == "" {
		return nil, ErrMissingKey
	}
	if len(entries) == 0 {
		return nil, &ValidationError{Field: "message", Message: "Message is required"}
	}
	for _, e := range entries {
		if strings.TrimSpace(e.Message) == "" {
			return nil, &ValidationError{Field: "message", Message: "Message is required"}
		}
	}

	key, err := w.keys.ValidateAPIKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}

	now := w.clock.Now().UTC()
	recs := make([]model.LogRecord, 0, len(entries))
	for _, e := range entries {
		rec := recordFromEntry(key.ID, e, now)
		if err := w.store.InsertLog(ctx, &rec); err != nil {
			if len(recs) > 0 {
				w.publish(ctx, key.ID)
			}
			return recs, &PersistenceError{Op: "insert log", Err: err}
		}
		recs = append(recs, rec)
	}

	w.publish(ctx, key.ID)
	return recs, nil
}

func (w *LogWriter) publish(ctx context.Context, keyID string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Publish(ctx, keyID); err != nil {
		w.logger.Warn("failed to publish log notification", "key_id", keyID, "error", err)
	}
}

func recordFromEntry(keyID string, e model.LogEntry, now time.Time) model.LogRecord {
	level := strings.TrimSpace(e.Level)
	if level == "" {
		level = defaultLevel
	}
	rec := model.LogRecord{
		APIKeyID:  keyID,
		Level:     truncate(level, maxLevelLen),
		Message:   e.Message,
		Timestamp: ParseTimestamp(e.Timestamp, now),
		Prefix:    truncate(e.Prefix, maxPrefixLen),
		Emoji:     truncate(e.Emoji, maxEmojiLen),
	}
	if m := strings.TrimSpace(string(e.Metadata)); m != "" && m != "null" {
		rec.Metadata = e.Metadata
	}
	return rec
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
