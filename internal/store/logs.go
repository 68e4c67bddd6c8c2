package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shipkit/shiplog/internal/model"
)

// ---------------------------------------------------------------------------
// Log records
// ---------------------------------------------------------------------------

type logRow struct {
	ID          int64          `db:"id"`
	APIKeyID    string         `db:"api_key_id"`
	Level       string         `db:"level"`
	Message     string         `db:"message"`
	TimestampMs int64          `db:"timestamp_ms"`
	Prefix      string         `db:"prefix"`
	Emoji       string         `db:"emoji"`
	Metadata    sql.NullString `db:"metadata"`
}

const logColumns = "id, api_key_id, level, message, timestamp_ms, prefix, emoji, metadata"

func (r logRow) toModel() model.LogRecord {
	rec := model.LogRecord{
		ID:        r.ID,
		APIKeyID:  r.APIKeyID,
		Level:     r.Level,
		Message:   r.Message,
		Timestamp: fromMs(r.TimestampMs),
		Prefix:    r.Prefix,
		Emoji:     r.Emoji,
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		rec.Metadata = json.RawMessage(r.Metadata.String)
	}
	return rec
}

// InsertLog persists one record and sets rec.ID. The timestamp is stored
// at millisecond precision and rec.Timestamp is truncated to match.
func (s *Store) InsertLog(ctx context.Context, rec *model.LogRecord) error {
	rec.Timestamp = fromMs(toMs(rec.Timestamp))

	var meta sql.NullString
	if len(rec.Metadata) > 0 {
		meta = sql.NullString{String: string(rec.Metadata), Valid: true}
	}
	args := []any{rec.APIKeyID, rec.Level, rec.Message, toMs(rec.Timestamp), rec.Prefix, rec.Emoji, meta}

	const cols = "(api_key_id, level, message, timestamp_ms, prefix, emoji, metadata)"
	const vals = "VALUES (?, ?, ?, ?, ?, ?, ?)"

	switch s.dialect.returning {
	case returnClause:
		q := s.db.Rebind("INSERT INTO logs " + cols + " " + vals + " RETURNING id")
		if err := s.db.QueryRowxContext(ctx, q, args...).Scan(&rec.ID); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	case returnOutput:
		q := s.db.Rebind("INSERT INTO logs " + cols + " OUTPUT INSERTED.id " + vals)
		if err := s.db.QueryRowxContext(ctx, q, args...).Scan(&rec.ID); err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
	default:
		result, err := s.db.ExecContext(ctx, s.db.Rebind("INSERT INTO logs "+cols+" "+vals), args...)
		if err != nil {
			return fmt.Errorf("insert log: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get log id: %w", err)
		}
		rec.ID = id
	}
	return nil
}

// LogsAfter returns up to limit records for keyID that sort strictly after
// cursor, ordered by (timestamp, id) ascending.
func (s *Store) LogsAfter(ctx context.Context, keyID string, cursor model.Cursor, limit int) ([]model.LogRecord, error) {
	ts := toMs(cursor.Timestamp)
	q := s.dialect.limit("SELECT "+logColumns+` FROM logs
		WHERE api_key_id = ? AND (timestamp_ms > ? OR (timestamp_ms = ? AND id > ?))
		ORDER BY timestamp_ms, id`, limit, 0)
	return s.selectLogs(ctx, "logs after cursor", q, keyID, ts, ts, cursor.ID)
}

// ListLogs returns a page of records for keyID, newest first.
func (s *Store) ListLogs(ctx context.Context, keyID string, limit, offset int) ([]model.LogRecord, error) {
	q := s.dialect.limit("SELECT "+logColumns+` FROM logs
		WHERE api_key_id = ?
		ORDER BY timestamp_ms DESC, id DESC`, limit, offset)
	return s.selectLogs(ctx, "list logs", q, keyID)
}

// CountLogs returns the number of records stored for keyID.
func (s *Store) CountLogs(ctx context.Context, keyID string) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM logs WHERE api_key_id = ?"), keyID); err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

func (s *Store) selectLogs(ctx context.Context, op, q string, args ...any) ([]model.LogRecord, error) {
	var rows []logRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	recs := make([]model.LogRecord, len(rows))
	for i, r := range rows {
		recs[i] = r.toModel()
	}
	return recs, nil
}
