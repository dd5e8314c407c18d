// Package ratelimit provides the per-user limiters enforced by the
// protocol router: a general per-user window and a stricter window for
// sensitive room-admin actions. Both fit a plain token bucket, so both are
// backed by golang.org/x/time/rate rather than hand-rolled state.
//
// The per-socket generic/send-only limiters live in internal/store
// instead: they need violation counts, a warning band, and a throttle
// deadline that a bare token bucket cannot expose, so they are hand-rolled
// there (see DESIGN.md).
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserLimiter is a per-user token-bucket limiter keyed by userId, with
// periodic cleanup to bound memory for users who have gone away.
type UserLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
	maxUsers int
}

// NewUserLimiter builds a limiter allowing perWindow events per window,
// per user.
func NewUserLimiter(perWindow int, window time.Duration, maxUsers int) *UserLimiter {
	return &UserLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(float64(perWindow) / window.Seconds()),
		burst:    perWindow,
		maxUsers: maxUsers,
	}
}

func (u *UserLimiter) get(userID string) *rate.Limiter {
	u.mu.RLock()
	l, ok := u.limiters[userID]
	u.mu.RUnlock()
	if ok {
		return l
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if l, ok = u.limiters[userID]; ok {
		return l
	}
	if u.maxUsers > 0 && len(u.limiters) >= u.maxUsers {
		u.limiters = make(map[string]*rate.Limiter)
	}
	l = rate.NewLimiter(u.r, u.burst)
	u.limiters[userID] = l
	return l
}

// Allow reports whether userID may proceed now.
func (u *UserLimiter) Allow(userID string) bool {
	return u.get(userID).Allow()
}

// Sweep drops limiters for users not present in keep, bounding memory
// growth across long-lived deployments. Intended to be called from the
// housekeeping scheduler.
func (u *UserLimiter) Sweep(keep map[string]struct{}) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for id := range u.limiters {
		if _, ok := keep[id]; !ok {
			delete(u.limiters, id)
		}
	}
}
