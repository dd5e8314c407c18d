package store

import (
	"sync"
	"time"

	"github.com/streamspace/relaycore/internal/models"
)

// PresenceStore holds presence-by-user. Only the lifecycle/presence engine
// writes to it.
type PresenceStore struct {
	mu    sync.RWMutex
	byUser map[string]*models.Presence

	// offlineTimers holds the per-user grace-window timer so a subsequent
	// connect can cancel it atomically.
	offlineTimers map[string]*time.Timer

	// latency holds a rolling one-sample round-trip estimate per user,
	// populated on heartbeat pong.
	latency map[string]time.Duration
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		byUser:        make(map[string]*models.Presence),
		offlineTimers: make(map[string]*time.Timer),
		latency:       make(map[string]time.Duration),
	}
}

func (p *PresenceStore) Get(userID string) (models.Presence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.byUser[userID]
	if !ok {
		return models.Presence{}, false
	}
	return *pr, true
}

func (p *PresenceStore) Set(userID string, status models.PresenceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byUser[userID] = &models.Presence{UserID: userID, Status: status, LastSeen: time.Now()}
}

// CancelOfflineTimer stops and clears any pending offline timer for userID,
// returning true if one was pending.
func (p *PresenceStore) CancelOfflineTimer(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.offlineTimers[userID]
	if !ok {
		return false
	}
	t.Stop()
	delete(p.offlineTimers, userID)
	return true
}

// SetOfflineTimer installs a new grace-window timer for userID, replacing
// (and stopping) any existing one.
func (p *PresenceStore) SetOfflineTimer(userID string, t *time.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.offlineTimers[userID]; ok {
		existing.Stop()
	}
	p.offlineTimers[userID] = t
}

// ClearOfflineTimer removes the timer record without stopping it (used by
// the timer's own fire callback, which is already past cancellation).
func (p *PresenceStore) ClearOfflineTimer(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.offlineTimers, userID)
}

func (p *PresenceStore) RecordLatency(userID string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency[userID] = d
}

func (p *PresenceStore) Latency(userID string) (time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.latency[userID]
	return d, ok
}
