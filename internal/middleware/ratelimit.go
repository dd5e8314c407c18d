// Package middleware provides the minimal HTTP middleware needed by the
// upgrade/liveness surface (the messaging core has no REST business
// endpoints, so this package is intentionally small).
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// UpgradeRateLimiter throttles WebSocket upgrade attempts per client IP,
// a flood guard ahead of authentication and the per-socket/per-user
// limiters in internal/ratelimit, which only apply once a socket already
// exists.
type UpgradeRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewUpgradeRateLimiter builds a limiter allowing requestsPerSecond upgrade
// attempts per IP. Every 5 minutes, if more than 10000 IPs are tracked, the
// whole map is cleared to bound memory growth; individual stale entries are
// not evicted.
func NewUpgradeRateLimiter(requestsPerSecond float64, burst int) *UpgradeRateLimiter {
	rl := &UpgradeRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
	go rl.sweep(5 * time.Minute)
	return rl
}

func (rl *UpgradeRateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()
	if exists {
		return limiter
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists = rl.limiters[key]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter
	return limiter
}

func (rl *UpgradeRateLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware rejecting upgrade attempts over the
// per-IP rate with 429, before the connection (and its resources) exist.
func (rl *UpgradeRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.getLimiter(c.ClientIP()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many connection attempts, please retry later",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
