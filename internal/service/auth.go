package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Owner identifies the account managing keys. It comes from a bearer JWT
// issued by the auth provider (or by `shiplog token issue`).
type Owner struct {
	UserID    string
	ProjectID string
}

// AuthService signs and verifies owner tokens.
type AuthService struct {
	secret []byte
	clock  clockwork.Clock
}

func NewAuthService(jwtSecret string, clock clockwork.Clock) *AuthService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuthService{secret: []byte(jwtSecret), clock: clock}
}

type ownerClaims struct {
	ProjectID string `json:"project_id,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken creates a signed token for userID valid for ttl.
func (s *AuthService) IssueToken(userID, projectID string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := ownerClaims{
		ProjectID: projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "shiplog",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken verifies a bearer token and returns its owner.
func (s *AuthService) ValidateToken(tokenStr string) (*Owner, error) {
	claims := &ownerClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Owner{UserID: claims.Subject, ProjectID: claims.ProjectID}, nil
}
