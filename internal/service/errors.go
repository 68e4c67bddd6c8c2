package service

import (
	"errors"
	"fmt"
)

// Key validation failures. Callers map these to transport status codes:
// a missing key is a client mistake, the others are bad credentials.
var (
	ErrMissingKey  = errors.New("api key is required")
	ErrKeyNotFound = errors.New("api key not found")
	ErrKeyExpired  = errors.New("api key expired")
	ErrKeyRevoked  = errors.New("api key revoked")

	ErrInvalidToken = errors.New("invalid token")
)

// ValidationError reports malformed or missing client input. Nothing is
// persisted when one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// PersistenceError wraps a store failure on the write path.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is one of the key validation failures.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingKey) ||
		errors.Is(err, ErrKeyNotFound) ||
		errors.Is(err, ErrKeyExpired) ||
		errors.Is(err, ErrKeyRevoked)
}
