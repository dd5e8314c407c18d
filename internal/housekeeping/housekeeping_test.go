package housekeeping

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/ratelimit"
	"github.com/streamspace/relaycore/internal/store"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Minute, cfg.IdempotencyMaxAge)
	assert.Equal(t, "*/10 * * * *", cfg.IdempotencySchedule)
	assert.Equal(t, "*/15 * * * *", cfg.AggregateSchedule)
	assert.Equal(t, "*/5 * * * *", cfg.RateLimiterSchedule)
}

func TestConfig_DefaultsDoNotOverrideExplicitValues(t *testing.T) {
	cfg := Config{IdempotencyMaxAge: time.Minute, IdempotencySchedule: "@hourly"}.withDefaults()
	assert.Equal(t, time.Minute, cfg.IdempotencyMaxAge)
	assert.Equal(t, "@hourly", cfg.IdempotencySchedule)
}

func TestSweepIdempotency_EvictsOldEntriesOnly(t *testing.T) {
	messages := store.NewMessageStore()
	messages.PutDirectIdempotency("u1", "client-old", "m1")
	time.Sleep(10 * time.Millisecond)
	messages.PutDirectIdempotency("u1", "client-new", "m2")

	n := messages.SweepIdempotency(5 * time.Millisecond)
	assert.Equal(t, 1, n)
	_, ok := messages.LookupDirect("u1", "client-old")
	assert.False(t, ok)
	_, ok = messages.LookupDirect("u1", "client-new")
	assert.True(t, ok)
}

func TestSweepAggregates_RemovesOnlyCompleted(t *testing.T) {
	agg := store.NewAggregateStore()
	agg.GetOrCreate("rm-incomplete", 2)
	agg.MarkDelivered("rm-incomplete", "u1", 2)
	agg.MarkDelivered("rm-complete", "u1", 1)

	s := NewScheduler(Config{}, store.NewMessageStore(), agg, store.NewConnectionStore(), nil)
	s.sweepAggregates()

	// GetOrCreate after the sweep recreates a fresh, incomplete aggregate
	// for the id that was just evicted for being complete.
	recreated := agg.GetOrCreate("rm-complete", 1)
	assert.False(t, recreated.Complete())

	// The aggregate that was never complete survives the sweep untouched.
	incomplete := agg.GetOrCreate("rm-incomplete", 2)
	assert.True(t, incomplete.Delivered["u1"])
}

func TestSweepRateLimiters_KeepsOnlyOnlineUsers(t *testing.T) {
	conns := store.NewConnectionStore()
	conns.GetOrCreateSession("u1", "sess1")
	caps := models.DefaultCapabilities("u1", "member")
	sock := store.NewSocketState("conn1", "u1", "sess1", caps)
	conns.AttachSocket("sess1", sock, 5)

	// One token per hour: each user's single token is spent below, so a
	// bucket that survives the sweep stays empty while a swept one comes
	// back full.
	limiter := ratelimit.NewUserLimiter(1, time.Hour, 0)
	limiter.Allow("u1")
	limiter.Allow("u-gone")

	s := NewScheduler(Config{}, store.NewMessageStore(), store.NewAggregateStore(), conns, limiter)
	require.NotPanics(t, s.sweepRateLimiters)

	online := conns.AllOnlineUsers()
	assert.Contains(t, online, "u1")
	assert.NotContains(t, online, "u-gone")
	assert.False(t, limiter.Allow("u1"), "online user's limiter must be kept")
	assert.True(t, limiter.Allow("u-gone"), "offline user's limiter must be swept")
}

func TestRecovered_SwallowsPanic(t *testing.T) {
	s := NewScheduler(Config{}, store.NewMessageStore(), store.NewAggregateStore(), store.NewConnectionStore(), nil)
	job := s.recovered("boom", func() { panic("nope") })
	assert.NotPanics(t, job)
}

func TestSweeps_NilCollaboratorsAreNoOp(t *testing.T) {
	s := NewScheduler(Config{}, nil, nil, nil, nil)
	assert.NotPanics(t, func() {
		s.sweepIdempotency()
		s.sweepAggregates()
		s.sweepRateLimiters()
	})
}
