package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/relaycore/internal/auth"
)

func TestCheckOrigin_NoOriginHeaderAllowed(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, checkOrigin(r))
}

func TestCheckOrigin_LocalhostAllowedByDefault(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, checkOrigin(r))
}

func TestCheckOrigin_RejectsUnknownOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, checkOrigin(r))
}

func TestCheckOrigin_AllowlistedEnvOrigin(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://chat.example.com, https://admin.example.com")
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://admin.example.com")
	assert.True(t, checkOrigin(r))

	r2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r2.Header.Set("Origin", "https://unrelated.example.com")
	assert.False(t, checkOrigin(r2))
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	jwt, err := auth.NewManager(auth.Config{SecretKey: "test-secret-key-do-not-use-in-prod", TokenDuration: time.Hour})
	require.NoError(t, err)
	return NewHandler(Config{Path: "/ws", CookieName: "relaycore_session"}, jwt, nil, nil, nil, nil, nil, nil)
}

func TestAuthenticate_FromCookie(t *testing.T) {
	h := newTestHandler(t)
	token, err := h.jwt.Generate("user-1", "user")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: "relaycore_session", Value: token})

	claims, err := h.authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestAuthenticate_RejectsDevQueryParamInProduction(t *testing.T) {
	h := newTestHandler(t)
	h.cfg.Production = true
	h.cfg.DevTokenQuery = "token"
	token, err := h.jwt.Generate("user-1", "user")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	_, err = h.authenticate(r)
	assert.Error(t, err)
}

func TestAuthenticate_AllowsDevQueryParamOutsideProduction(t *testing.T) {
	h := newTestHandler(t)
	h.cfg.DevTokenQuery = "token"
	token, err := h.jwt.Generate("user-1", "user")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	claims, err := h.authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestAuthenticate_MissingTokenRejected(t *testing.T) {
	h := newTestHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	_, err := h.authenticate(r)
	assert.ErrorIs(t, err, auth.ErrMissingToken)
}
