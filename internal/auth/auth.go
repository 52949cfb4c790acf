// Package auth provides bearer-token authentication for the marketplace API.
//
// Authentication model:
// - Health and metrics endpoints: no auth required
// - Everything under /v1: an HS256 JWT naming the user and their role
// - Admin routes additionally require role "admin"
//
// Tokens are issued by the account service that owns user identity; this
// package only verifies them. IssueToken exists for that service, for tests
// and for the dev token command.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNotAdmin     = errors.New("admin role required")
)

// DevelopmentSecret signs tokens outside production when JWT_SECRET is unset.
const DevelopmentSecret = "taskhold-development-secret-do-not-use"

// Roles carried in tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Claims are the token claims. Subject holds the user ID.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string { return c.Subject }

// Manager signs and verifies tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// DefaultTokenTTL is the lifetime of issued tokens.
const DefaultTokenTTL = 24 * time.Hour

// NewManager creates a manager for an HMAC secret.
func NewManager(secret, issuer string) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
}

// WithTTL sets the lifetime of issued tokens.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

// WithClock overrides time.Now, for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// IssueToken signs a token for userID with role.
func (m *Manager) IssueToken(userID, role string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if role != RoleUser && role != RoleAdmin {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := m.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateToken parses and verifies a token. Only HS256 is accepted.
func (m *Manager) ValidateToken(raw string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if claims.Role == "" {
		claims.Role = RoleUser
	}
	return claims, nil
}
