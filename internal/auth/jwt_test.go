package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{SecretKey: "test-secret-key-do-not-use-in-prod", Issuer: "relaycore", TokenDuration: time.Hour})
	require.NoError(t, err)
	return m
}

func TestGenerateAndValidate_RoundTrips(t *testing.T) {
	m := testManager(t)
	token, err := m.Generate("user-1", "admin")
	require.NoError(t, err)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "admin", claims.Role)
}

func TestValidate_RejectsExpiredToken(t *testing.T) {
	m := testManager(t)
	// NewManager replaces a non-positive TokenDuration with its default, so
	// Generate cannot produce an expired token; sign one directly.
	claims := Claims{UserID: "user-1", Role: "user", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.SecretKey))
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidate_RejectsWrongSecret(t *testing.T) {
	m := testManager(t)
	token, err := m.Generate("user-1", "user")
	require.NoError(t, err)

	other, err := NewManager(Config{SecretKey: "a-completely-different-secret", TokenDuration: time.Hour})
	require.NoError(t, err)
	_, err = other.Validate(token)
	assert.Error(t, err)
}

func TestValidate_RejectsNoneAlgorithm(t *testing.T) {
	m := testManager(t)
	claims := Claims{UserID: "user-1", Role: "user", RegisteredClaims: jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Validate(signed)
	assert.ErrorIs(t, err, ErrSigningMethod)
}

func TestNewManager_RequiresSecret(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)
}
