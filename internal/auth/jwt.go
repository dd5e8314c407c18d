// Package auth issues and validates the JWT carried in the session cookie
// that gates every WebSocket upgrade. Tokens are signed HS256 and carry the
// minimal identity the messaging core needs: user ID and role. Validation
// explicitly pins the signing method so a token cannot substitute "none" or
// an asymmetric algorithm to forge a signature.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrMissingToken  = errors.New("no token presented")
	ErrSigningMethod = errors.New("unexpected signing method")
)

// Config holds the signing parameters. SecretKey must be non-empty;
// the Manager refuses to issue or validate tokens otherwise.
type Config struct {
	SecretKey     string
	Issuer        string
	TokenDuration time.Duration
}

// Claims is the JWT payload. Room-level permissions are resolved at
// connect time from the database, not carried in the token.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Manager signs and verifies session tokens.
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("auth: JWT secret key must not be empty")
	}
	if cfg.TokenDuration <= 0 {
		cfg.TokenDuration = 24 * time.Hour
	}
	return &Manager{cfg: cfg}, nil
}

// Generate issues a signed token for userID/role.
func (m *Manager) Generate(userID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TokenDuration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.cfg.SecretKey))
}

// Validate parses and verifies tokenString, rejecting anything not signed
// with HMAC (a classic JWT forgery vector is a client-supplied "alg" header
// naming a different signing method than the server expects).
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrSigningMethod, t.Header["alg"])
		}
		return []byte(m.cfg.SecretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
