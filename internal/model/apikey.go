package model

import "time"

// ExpiryOptions are the key lifetimes, in days, offered when creating a key.
// A nil expiry means the key never expires.
var ExpiryOptions = []int{7, 30, 90, 365}

// APIKey is a bearer credential that authorizes log ingestion and streaming
// for one owner. The plaintext key is never stored; only a SHA-256 hash and a
// short display prefix are persisted.
type APIKey struct {
	ID          string     `json:"id"`
	KeyHash     string     `json:"-"`
	KeyPrefix   string     `json:"key_prefix"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	ProjectID   string     `json:"project_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Valid reports whether the key may be used at instant now: it must not be
// revoked and must not have reached its expiry.
func (k *APIKey) Valid(now time.Time) bool {
	if k.DeletedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}
