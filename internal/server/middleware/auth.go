package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shipkit/shiplog/internal/service"
)

type contextKeyAuth string

// OwnerKey is the context key for the authenticated key owner.
const OwnerKey contextKeyAuth = "auth_owner"

// TokenValidator resolves an owner token. *service.AuthService satisfies it.
type TokenValidator interface {
	ValidateToken(token string) (*service.Owner, error)
}

// RequireOwner returns an HTTP middleware that admits only requests
// carrying a valid owner token in the Authorization header. The owner is
// attached to the request context for the key management handlers.
func RequireOwner(auth TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			owner, err := auth.ValidateToken(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), OwnerKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken returns the credential from an "Authorization: Bearer"
// header, or "" when there is none. The scheme is matched case-insensitively.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// GetOwner extracts the authenticated owner from the context. Returns nil
// for unauthenticated requests.
func GetOwner(ctx context.Context) *service.Owner {
	if o, ok := ctx.Value(OwnerKey).(*service.Owner); ok {
		return o
	}
	return nil
}

// WithOwner returns a copy of ctx carrying owner.
func WithOwner(ctx context.Context, owner *service.Owner) context.Context {
	return context.WithValue(ctx, OwnerKey, owner)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
