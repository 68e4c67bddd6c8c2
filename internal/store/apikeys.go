package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shipkit/shiplog/internal/model"
)

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

// apiKeyRow maps 1:1 to the api_keys table. Times are stored as Unix
// milliseconds so every dialect compares them the same way.
type apiKeyRow struct {
	ID          string        `db:"id"`
	KeyHash     string        `db:"key_hash"`
	KeyPrefix   string        `db:"key_prefix"`
	Name        string        `db:"name"`
	Description string        `db:"description"`
	UserID      string        `db:"user_id"`
	ProjectID   string        `db:"project_id"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
	LastUsedAt  sql.NullInt64 `db:"last_used_at"`
	ExpiresAt   sql.NullInt64 `db:"expires_at"`
	DeletedAt   sql.NullInt64 `db:"deleted_at"`
}

const apiKeyColumns = `id, key_hash, key_prefix, name, description, user_id, project_id,
	created_at, updated_at, last_used_at, expires_at, deleted_at`

func apiKeyRowFromModel(k *model.APIKey) apiKeyRow {
	return apiKeyRow{
		ID:          k.ID,
		KeyHash:     k.KeyHash,
		KeyPrefix:   k.KeyPrefix,
		Name:        k.Name,
		Description: k.Description,
		UserID:      k.UserID,
		ProjectID:   k.ProjectID,
		CreatedAt:   toMs(k.CreatedAt),
		UpdatedAt:   toMs(k.UpdatedAt),
		LastUsedAt:  nullMs(k.LastUsedAt),
		ExpiresAt:   nullMs(k.ExpiresAt),
		DeletedAt:   nullMs(k.DeletedAt),
	}
}

func (r apiKeyRow) toModel() model.APIKey {
	return model.APIKey{
		ID:          r.ID,
		KeyHash:     r.KeyHash,
		KeyPrefix:   r.KeyPrefix,
		Name:        r.Name,
		Description: r.Description,
		UserID:      r.UserID,
		ProjectID:   r.ProjectID,
		CreatedAt:   fromMs(r.CreatedAt),
		UpdatedAt:   fromMs(r.UpdatedAt),
		LastUsedAt:  timePtr(r.LastUsedAt),
		ExpiresAt:   timePtr(r.ExpiresAt),
		DeletedAt:   timePtr(r.DeletedAt),
	}
}

// CreateAPIKey inserts a new API key record. ID and KeyHash must already be
// set (use HashAPIKey). Zero CreatedAt/UpdatedAt are filled with now.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = key.CreatedAt
	}

	const q = `INSERT INTO api_keys
		(id, key_hash, key_prefix, name, description, user_id, project_id,
		 created_at, updated_at, last_used_at, expires_at, deleted_at)
		VALUES
		(:id, :key_hash, :key_prefix, :name, :description, :user_id, :project_id,
		 :created_at, :updated_at, :last_used_at, :expires_at, :deleted_at)`

	if _, err := s.db.NamedExecContext(ctx, q, apiKeyRowFromModel(key)); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKey returns a key by ID, including revoked keys.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "get api key", "SELECT "+apiKeyColumns+" FROM api_keys WHERE id = ?", id)
}

// GetAPIKeyByHash looks up a non-revoked API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "get api key by hash",
		"SELECT "+apiKeyColumns+" FROM api_keys WHERE key_hash = ? AND deleted_at IS NULL", hash)
}

func (s *Store) getAPIKey(ctx context.Context, op, q string, arg any) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind(q), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	key := row.toModel()
	return &key, nil
}

// ListAPIKeysByOwner returns the owner's non-revoked keys, newest first.
func (s *Store) ListAPIKeysByOwner(ctx context.Context, userID string) ([]model.APIKey, error) {
	q := "SELECT " + apiKeyColumns + ` FROM api_keys
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC`
	return s.selectAPIKeys(ctx, "list api keys by owner", q, userID)
}

// ListAPIKeys returns every key, revoked ones included, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	q := "SELECT " + apiKeyColumns + " FROM api_keys ORDER BY created_at DESC, id DESC"
	return s.selectAPIKeys(ctx, "list api keys", q)
}

func (s *Store) selectAPIKeys(ctx context.Context, op, q string, args ...any) ([]model.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	keys := make([]model.APIKey, len(rows))
	for i, r := range rows {
		keys[i] = r.toModel()
	}
	return keys, nil
}

// RevokeAPIKey soft-deletes a key by setting deleted_at. Revoking an
// already revoked key is a no-op; an unknown id returns ErrNotFound.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE api_keys SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL"),
		toMs(at), toMs(at), id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetAPIKey(ctx, id); err != nil {
		return err
	}
	return nil
}

// TouchAPIKey records a use of the key at the given instant. The column
// only ever moves forward, so racing validations cannot rewind it.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	ms := toMs(at)
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE api_keys SET last_used_at = ?
			WHERE id = ? AND (last_used_at IS NULL OR last_used_at < ?)`),
		ms, id, ms)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// CountAPIKeys returns the number of non-revoked keys.
func (s *Store) CountAPIKeys(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM api_keys WHERE deleted_at IS NULL"); err != nil {
		return 0, fmt.Errorf("count api keys: %w", err)
	}
	return n, nil
}
