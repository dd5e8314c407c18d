// Package housekeeping runs the periodic GC jobs that bound the memory of
// the in-process caches the rest of the system treats as authoritative:
// the idempotency index, per-user rate-limit buckets, and completed room
// delivery aggregates. None of these jobs touch the database; they only
// evict entries whose durable source of truth (the DB row, the DB unique
// constraint) has already made them safe to forget.
package housekeeping

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/ratelimit"
	"github.com/streamspace/relaycore/internal/store"
)

// Config carries the schedule and retention knobs for each job.
type Config struct {
	// IdempotencyMaxAge bounds how long a (senderId, clientMessageId) entry
	// is kept before it's evicted; retried sends older than this fall
	// through to the DB unique constraint instead of the fast path.
	IdempotencyMaxAge time.Duration
	// IdempotencySchedule is a cron expression, default every 10 minutes.
	IdempotencySchedule string
	// AggregateSchedule is a cron expression, default every 15 minutes.
	AggregateSchedule string
	// RateLimiterSchedule is a cron expression, default every 5 minutes.
	RateLimiterSchedule string
}

func (c Config) withDefaults() Config {
	if c.IdempotencyMaxAge == 0 {
		c.IdempotencyMaxAge = 30 * time.Minute
	}
	if c.IdempotencySchedule == "" {
		c.IdempotencySchedule = "*/10 * * * *"
	}
	if c.AggregateSchedule == "" {
		c.AggregateSchedule = "*/15 * * * *"
	}
	if c.RateLimiterSchedule == "" {
		c.RateLimiterSchedule = "*/5 * * * *"
	}
	return c
}

// Scheduler owns the cron instance and the collaborators each job sweeps.
// Every job is wrapped with panic recovery: a bug in one sweep must not
// take down the others or the scheduler goroutine.
type Scheduler struct {
	cfg     Config
	cron    *cron.Cron
	mu      sync.Mutex
	jobIDs  map[string]cron.EntryID

	messages   *store.MessageStore
	aggregates *store.AggregateStore
	conns      *store.ConnectionStore
	userLimit  *ratelimit.UserLimiter
}

func NewScheduler(cfg Config, messages *store.MessageStore, aggregates *store.AggregateStore,
	conns *store.ConnectionStore, userLimit *ratelimit.UserLimiter) *Scheduler {
	return &Scheduler{
		cfg:        cfg.withDefaults(),
		cron:       cron.New(),
		jobIDs:     make(map[string]cron.EntryID),
		messages:   messages,
		aggregates: aggregates,
		conns:      conns,
		userLimit:  userLimit,
	}
}

// Start registers every job and starts the cron goroutine.
func (s *Scheduler) Start() error {
	if err := s.schedule("idempotency-gc", s.cfg.IdempotencySchedule, s.sweepIdempotency); err != nil {
		return err
	}
	if err := s.schedule("aggregate-gc", s.cfg.AggregateSchedule, s.sweepAggregates); err != nil {
		return err
	}
	if err := s.schedule("ratelimit-gc", s.cfg.RateLimiterSchedule, s.sweepRateLimiters); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron goroutine and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) schedule(name, expr string, job func()) error {
	id, err := s.cron.AddFunc(expr, s.recovered(name, job))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobIDs[name] = id
	s.mu.Unlock()
	return nil
}

// recovered wraps a job so a panic is logged rather than killing the
// shared cron goroutine, the same contract the rest of the system relies
// on for every periodic job.
func (s *Scheduler) recovered(name string, job func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Housekeeping().Error().Str("job", name).Interface("panic", r).Msg("housekeeping job panicked")
			}
		}()
		job()
	}
}

func (s *Scheduler) sweepIdempotency() {
	if s.messages == nil {
		return
	}
	n := s.messages.SweepIdempotency(s.cfg.IdempotencyMaxAge)
	logger.Housekeeping().Debug().Int("evicted", n).Msg("idempotency sweep complete")
}

func (s *Scheduler) sweepAggregates() {
	if s.aggregates == nil {
		return
	}
	n := s.aggregates.SweepCompleted()
	logger.Housekeeping().Debug().Int("evicted", n).Msg("room aggregate sweep complete")
}

func (s *Scheduler) sweepRateLimiters() {
	if s.userLimit == nil || s.conns == nil {
		return
	}
	online := s.conns.AllOnlineUsers()
	keep := make(map[string]struct{}, len(online))
	for _, u := range online {
		keep[u] = struct{}{}
	}
	s.userLimit.Sweep(keep)
	logger.Housekeeping().Debug().Int("kept", len(keep)).Msg("rate limiter sweep complete")
}
