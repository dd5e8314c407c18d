package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(mw gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.GET("/ws", mw, func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestUpgradeRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := NewUpgradeRateLimiter(1, 3)
	r := newTestRouter(rl.Middleware())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "attempt %d should be allowed within burst", i+1)
	}
}

func TestUpgradeRateLimiter_RejectsOverBurst(t *testing.T) {
	rl := NewUpgradeRateLimiter(1, 1)
	r := newTestRouter(rl.Middleware())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestUpgradeRateLimiter_IsolatesByIP(t *testing.T) {
	rl := NewUpgradeRateLimiter(1, 1)
	r := newTestRouter(rl.Middleware())

	req1 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req1.RemoteAddr = "10.0.0.1:5555"
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, req1)
	assert.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req2.RemoteAddr = "10.0.0.2:5555"
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusOK, w2.Code, "distinct IP should have its own bucket")
}
