package service

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"github.com/shipkit/shiplog/internal/model"
	"github.com/shipkit/shiplog/internal/store"
)

var testNow = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func newTestKeys(t *testing.T) (*KeyService, *store.Store, *clockwork.FakeClock) {
	t.Helper()
	st, err := store.NewSQLite("")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	clock := clockwork.NewFakeClockAt(testNow)
	keys := NewKeyService(st, WithClock(clock))
	t.Cleanup(func() {
		keys.Wait()
		st.Close()
	})
	return keys, st, clock
}

func days(n int) *int { return &n }

func TestCreateAPIKey(t *testing.T) {
	keys, st, _ := newTestKeys(t)
	ctx := t.Context()

	key, plaintext, err := keys.CreateAPIKey(ctx, CreateKeyParams{
		UserID:        "alice",
		Name:          "  production ",
		Description:   "main",
		ExpiresInDays: days(30),
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	if !strings.HasPrefix(plaintext, KeyPrefix) {
		t.Errorf("plaintext %q missing prefix %q", plaintext, KeyPrefix)
	}
	if !strings.HasPrefix(plaintext, key.KeyPrefix) || len(key.KeyPrefix) != displayPrefixLen {
		t.Errorf("display prefix %q does not match plaintext", key.KeyPrefix)
	}
	if key.Name != "production" {
		t.Errorf("Name = %q, want trimmed", key.Name)
	}
	want := testNow.AddDate(0, 0, 30)
	if key.ExpiresAt == nil || !key.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", key.ExpiresAt, want)
	}

	stored, err := st.GetAPIKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetAPIKey: %v", err)
	}
	if stored.KeyHash == plaintext || stored.KeyHash != store.HashAPIKey(plaintext) {
		t.Error("stored hash must be the SHA-256 of the plaintext, never the plaintext")
	}
}

func TestCreateAPIKeyNeverExpires(t *testing.T) {
	keys, _, _ := newTestKeys(t)
	key, _, err := keys.CreateAPIKey(t.Context(), CreateKeyParams{Name: "forever"})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if key.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", key.ExpiresAt)
	}
}

func TestCreateAPIKeyValidation(t *testing.T) {
	keys, _, _ := newTestKeys(t)

	tests := []struct {
		name   string
		params CreateKeyParams
		field  string
	}{
		{"missing name", CreateKeyParams{Name: "   "}, "name"},
		{"zero days", CreateKeyParams{Name: "k", ExpiresInDays: days(0)}, "expires_in_days"},
		{"negative days", CreateKeyParams{Name: "k", ExpiresInDays: days(-7)}, "expires_in_days"},
		{"too many days", CreateKeyParams{Name: "k", ExpiresInDays: days(maxExpiryDays + 1)}, "expires_in_days"},
		{"long name", CreateKeyParams{Name: strings.Repeat("n", maxNameLen+1)}, "name"},
		{"long description", CreateKeyParams{Name: "k", Description: strings.Repeat("é", maxDescLen+1)}, "description"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := keys.CreateAPIKey(t.Context(), tt.params)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestCreateAPIKeyLengthLimitsCountRunes(t *testing.T) {
	keys, _, _ := newTestKeys(t)
	key, _, err := keys.CreateAPIKey(t.Context(), CreateKeyParams{
		Name:        strings.Repeat("ñ", maxNameLen),
		Description: strings.Repeat("é", maxDescLen),
	})
	if err != nil {
		t.Fatalf("CreateAPIKey at the limits: %v", err)
	}
	if utf8.RuneCountInString(key.Name) != maxNameLen {
		t.Errorf("name has %d runes", utf8.RuneCountInString(key.Name))
	}
}

func TestCreateTestAPIKey(t *testing.T) {
	keys, _, _ := newTestKeys(t)
	key, plaintext, err := keys.CreateTestAPIKey(t.Context(), "demo-user")
	if err != nil {
		t.Fatalf("CreateTestAPIKey: %v", err)
	}
	if plaintext == "" || key.Name != TestKeyName || key.UserID != "demo-user" {
		t.Errorf("unexpected test key %+v", key)
	}
	if key.ExpiresAt == nil || !key.ExpiresAt.Equal(testNow.AddDate(0, 0, TestKeyExpiryDays)) {
		t.Errorf("ExpiresAt = %v, want 7 days out", key.ExpiresAt)
	}
}

func TestValidateAPIKey(t *testing.T) {
	keys, st, clock := newTestKeys(t)
	ctx := t.Context()

	key, plaintext, err := keys.CreateAPIKey(ctx, CreateKeyParams{Name: "k", ExpiresInDays: days(7)})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, err := keys.ValidateAPIKey(ctx, plaintext)
	if err != nil {
		t.Fatalf("ValidateAPIKey: %v", err)
	}
	if got.ID != key.ID {
		t.Errorf("ID = %q, want %q", got.ID, key.ID)
	}

	keys.Wait()
	stored, _ := st.GetAPIKey(ctx, key.ID)
	if stored.LastUsedAt == nil || !stored.LastUsedAt.Equal(testNow) {
		t.Errorf("LastUsedAt = %v, want %v", stored.LastUsedAt, testNow)
	}

	if _, err := keys.ValidateAPIKey(ctx, ""); !errors.Is(err, ErrMissingKey) {
		t.Errorf("empty key: got %v, want ErrMissingKey", err)
	}
	if _, err := keys.ValidateAPIKey(ctx, "sk_live_unknown"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("unknown key: got %v, want ErrKeyNotFound", err)
	}

	clock.Advance(7 * 24 * time.Hour)
	if _, err := keys.ValidateAPIKey(ctx, plaintext); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("expired key: got %v, want ErrKeyExpired", err)
	}

	if err := keys.RevokeKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := keys.ValidateAPIKey(ctx, plaintext); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("revoked key: got %v, want ErrKeyNotFound", err)
	}
}

// For every combination of expiry and revocation the validator must agree
// with the validity predicate.
func TestValidateAPIKeyMatchesPredicate(t *testing.T) {
	keys, st, clock := newTestKeys(t)
	ctx := t.Context()

	offsets := []time.Duration{-48 * time.Hour, -time.Millisecond, 0, time.Millisecond, 48 * time.Hour}
	for _, revoked := range []bool{false, true} {
		for _, hasExpiry := range []bool{false, true} {
			for _, off := range offsets {
				if !hasExpiry && off != 0 {
					continue
				}
				_, plaintext, err := keys.CreateAPIKey(ctx, CreateKeyParams{Name: "p"})
				if err != nil {
					t.Fatalf("CreateAPIKey: %v", err)
				}
				rec, err := st.GetAPIKeyByHash(ctx, store.HashAPIKey(plaintext))
				if err != nil {
					t.Fatalf("GetAPIKeyByHash: %v", err)
				}

				// Rewrite the record with the chosen expiry/revocation.
				k := *rec
				k.ID = rec.ID + "-v"
				k.KeyHash = store.HashAPIKey(plaintext + "-v")
				if hasExpiry {
					exp := clock.Now().Add(off)
					k.ExpiresAt = &exp
				}
				if err := st.CreateAPIKey(ctx, &k); err != nil {
					t.Fatalf("CreateAPIKey(variant): %v", err)
				}
				if revoked {
					if err := st.RevokeAPIKey(ctx, k.ID, clock.Now()); err != nil {
						t.Fatalf("RevokeAPIKey: %v", err)
					}
					deleted := clock.Now()
					k.DeletedAt = &deleted
				}

				want := k.Valid(clock.Now())
				_, err = keys.ValidateAPIKey(ctx, plaintext+"-v")
				if got := err == nil; got != want {
					t.Errorf("revoked=%v expiry=%v offset=%v: valid=%v, want %v (err=%v)",
						revoked, hasExpiry, off, got, want, err)
				}
			}
		}
	}
}

func TestCheckActive(t *testing.T) {
	keys, st, clock := newTestKeys(t)
	ctx := t.Context()

	key, _, err := keys.CreateAPIKey(ctx, CreateKeyParams{Name: "k", ExpiresInDays: days(1)})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	if err := keys.CheckActive(ctx, key.ID); err != nil {
		t.Fatalf("CheckActive: %v", err)
	}

	keys.Wait()
	stored, _ := st.GetAPIKey(ctx, key.ID)
	if stored.LastUsedAt != nil {
		t.Error("CheckActive must not count as a use")
	}

	clock.Advance(25 * time.Hour)
	if err := keys.CheckActive(ctx, key.ID); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("got %v, want ErrKeyExpired", err)
	}

	if err := keys.RevokeKey(ctx, key.ID); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if err := keys.CheckActive(ctx, key.ID); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("got %v, want ErrKeyRevoked", err)
	}
	if err := keys.CheckActive(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("got %v, want ErrKeyNotFound", err)
	}
}

func TestOwnerScopedOperations(t *testing.T) {
	keys, _, clock := newTestKeys(t)
	ctx := t.Context()

	a1, _, _ := keys.CreateAPIKey(ctx, CreateKeyParams{UserID: "alice", Name: "a1"})
	clock.Advance(time.Second)
	a2, _, _ := keys.CreateAPIKey(ctx, CreateKeyParams{UserID: "alice", Name: "a2"})
	b1, _, _ := keys.CreateAPIKey(ctx, CreateKeyParams{UserID: "bob", Name: "b1"})

	list, err := keys.ListKeysForOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListKeysForOwner: %v", err)
	}
	if len(list) != 2 || list[0].ID != a2.ID || list[1].ID != a1.ID {
		t.Errorf("ListKeysForOwner = %v, want [a2 a1]", ids(list))
	}

	if err := keys.RevokeKeyForOwner(ctx, "alice", b1.ID); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("revoking another owner's key: got %v, want ErrKeyNotFound", err)
	}
	if err := keys.RevokeKeyForOwner(ctx, "alice", a1.ID); err != nil {
		t.Fatalf("RevokeKeyForOwner: %v", err)
	}
	if err := keys.RevokeKeyForOwner(ctx, "alice", a1.ID); err != nil {
		t.Errorf("second revoke should be idempotent, got %v", err)
	}

	list, _ = keys.ListKeysForOwner(ctx, "alice")
	if len(list) != 1 || list[0].ID != a2.ID {
		t.Errorf("after revoke = %v, want [a2]", ids(list))
	}
	if err := keys.RevokeKey(ctx, "nope"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("revoke unknown: got %v, want ErrKeyNotFound", err)
	}
}

func ids(keys []model.APIKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.ID
	}
	return out
}
