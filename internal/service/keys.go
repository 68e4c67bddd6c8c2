package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/store"
)

const (
	// KeyPrefix starts every plaintext key so leaked keys are recognizable.
	KeyPrefix = "sk_live_"

	displayPrefixLen = len(KeyPrefix) + 6
	maxExpiryDays    = 3650
	maxNameLen       = 255
	maxDescLen       = 1024
	touchTimeout     = 5 * time.Second

	TestKeyName       = "Test Key"
	TestKeyExpiryDays = 7
)

// KeyStore is the persistence the key service needs.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListAPIKeysByOwner(ctx context.Context, userID string) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// KeyService issues, validates, and revokes API keys. Validation is the
// single authorization gate for both ingestion and streaming.
type KeyService struct {
	store  KeyStore
	clock  clockwork.Clock
	logger *slog.Logger

	touches sync.WaitGroup
}

// KeyOption configures a KeyService.
type KeyOption func(*KeyService)

// WithClock overrides the time source.
func WithClock(c clockwork.Clock) KeyOption {
	return func(s *KeyService) { s.clock = c }
}

// WithLogger sets the logger used for background failures.
func WithLogger(l *slog.Logger) KeyOption {
	return func(s *KeyService) { s.logger = l }
}

func NewKeyService(st KeyStore, opts ...KeyOption) *KeyService {
	s := &KeyService{
		store:  st,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the service clock's current time.
func (s *KeyService) Now() time.Time {
	return s.clock.Now()
}

// CreateKeyParams describes a new key. A nil ExpiresInDays means the key
// never expires.
type CreateKeyParams struct {
	UserID        string
	ProjectID     string
	Name          string
	Description   string
	ExpiresInDays *int
}

// CreateAPIKey generates and stores a new key. The plaintext is returned
// once and cannot be recovered later.
func (s *KeyService) CreateAPIKey(ctx context.Context, p CreateKeyParams) (*model.APIKey, string, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, "", &ValidationError{Field: "name", Message: "Name is required"}
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return nil, "", &ValidationError{Field: "name", Message: fmt.Sprintf("Name must be at most %d characters", maxNameLen)}
	}
	description := strings.TrimSpace(p.Description)
	if utf8.RuneCountInString(description) > maxDescLen {
		return nil, "", &ValidationError{
			Field:   "description",
			Message: fmt.Sprintf("Description must be at most %d characters", maxDescLen),
		}
	}
	if p.ExpiresInDays != nil && (*p.ExpiresInDays <= 0 || *p.ExpiresInDays > maxExpiryDays) {
		return nil, "", &ValidationError{
			Field:   "expires_in_days",
			Message: fmt.Sprintf("expires_in_days must be between 1 and %d", maxExpiryDays),
		}
	}

	plaintext, err := generateKey()
	if err != nil {
		return nil, "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("generate key id: %w", err)
	}

	now := s.clock.Now().UTC()
	key := &model.APIKey{
		ID:          id.String(),
		KeyHash:     store.HashAPIKey(plaintext),
		KeyPrefix:   plaintext[:displayPrefixLen],
		Name:        name,
		Description: description,
		UserID:      p.UserID,
		ProjectID:   p.ProjectID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.ExpiresInDays != nil {
		exp := now.AddDate(0, 0, *p.ExpiresInDays)
		key.ExpiresAt = &exp
	}

	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, "", &PersistenceError{Op: "create api key", Err: err}
	}
	return key, plaintext, nil
}

// CreateTestAPIKey issues a short-lived key for demo and dashboard flows.
func (s *KeyService) CreateTestAPIKey(ctx context.Context, userID string) (*model.APIKey, string, error) {
	days := TestKeyExpiryDays
	return s.CreateAPIKey(ctx, CreateKeyParams{
		UserID:        userID,
		Name:          TestKeyName,
		ExpiresInDays: &days,
	})
}

// ValidateAPIKey resolves a plaintext key to its record. It fails with
// ErrMissingKey, ErrKeyNotFound, or ErrKeyExpired. On success the key's
// last-used time is refreshed in the background.
func (s *KeyService) ValidateAPIKey(ctx context.Context, candidate string) (*model.APIKey, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return nil, ErrMissingKey
	}

	key, err := s.store.GetAPIKeyByHash(ctx, store.HashAPIKey(candidate))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, &PersistenceError{Op: "lookup api key", Err: err}
	}

	now := s.clock.Now()
	if key.Expired(now) {
		return nil, ErrKeyExpired
	}

	s.touch(key.ID, now)
	return key, nil
}

// touch records a use without blocking the caller.
func (s *KeyService) touch(id string, at time.Time) {
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.store.TouchAPIKey(ctx, id, at); err != nil {
			s.logger.Warn("failed to update api key last use", "key_id", id, "error", err)
		}
	}()
}

// Wait blocks until background last-used updates have finished.
func (s *KeyService) Wait() {
	s.touches.Wait()
}

// CheckActive reports whether keyID is still usable without counting it as
// a use. Long-lived streams call this on every cycle.
func (s *KeyService) CheckActive(ctx context.Context, keyID string) error {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("check api key: %w", err)
	}
	if key.DeletedAt != nil {
		return ErrKeyRevoked
	}
	if key.Expired(s.clock.Now()) {
		return ErrKeyExpired
	}
	return nil
}

// ListKeysForOwner returns the owner's non-revoked keys, newest first.
func (s *KeyService) ListKeysForOwner(ctx context.Context, userID string) ([]model.APIKey, error) {
	keys, err := s.store.ListAPIKeysByOwner(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list keys for owner: %w", err)
	}
	return keys, nil
}

// GetKeyForOwner returns a key only if userID owns it. Keys owned by
// someone else look the same as keys that do not exist.
func (s *KeyService) GetKeyForOwner(ctx context.Context, userID, keyID string) (*model.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	if key.UserID != userID {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// RevokeKey soft-deletes a key. Revoking twice is not an error.
func (s *KeyService) RevokeKey(ctx context.Context, keyID string) error {
	if err := s.store.RevokeAPIKey(ctx, keyID, s.clock.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("revoke key: %w", err)
	}
	return nil
}

// RevokeKeyForOwner revokes keyID after checking userID owns it.
func (s *KeyService) RevokeKeyForOwner(ctx context.Context, userID, keyID string) error {
	if _, err := s.GetKeyForOwner(ctx, userID, keyID); err != nil {
		return err
	}
	return s.RevokeKey(ctx, keyID)
}

func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
