// Package presence implements the lifecycle/presence engine: connect,
// graceful-disconnect debounce, and disconnect, plus the online/offline
// broadcast to every other connected user.
package presence

import (
	"time"

	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/store"
)

// Broadcaster is the narrow interface presence uses to reach every other
// online socket, implemented by outbox.Outbox.
type Broadcaster interface {
	BroadcastToOthers(exceptUserID string, frame protocol.OutboundFrame)
}

// Engine is the lifecycle/presence engine described in the component
// design: onConnect, requestDisconnect, onDisconnect.
type Engine struct {
	presence    *store.PresenceStore
	conns       *store.ConnectionStore
	broadcaster Broadcaster
	events      EventPublisher
}

// EventPublisher is the narrow interface to the observability event
// publisher, avoiding a hard dependency on internal/events.
type EventPublisher interface {
	PresenceOnline(userID string)
	PresenceOffline(userID string)
}

func NewEngine(presence *store.PresenceStore, conns *store.ConnectionStore, broadcaster Broadcaster, events EventPublisher) *Engine {
	return &Engine{presence: presence, conns: conns, broadcaster: broadcaster, events: events}
}

// OnConnect cancels any pending offline timer, transitions presence to
// online, and broadcasts PRESENCE_UPDATE to every other online user.
func (e *Engine) OnConnect(userID string) {
	cancelled := e.presence.CancelOfflineTimer(userID)
	if cancelled {
		logger.Presence().Debug().Str("userId", userID).Msg("cancelled pending offline timer on reconnect")
	}
	prev, hadPrev := e.presence.Get(userID)
	e.presence.Set(userID, models.PresenceOnline)
	if hadPrev && prev.Status == models.PresenceOnline {
		return
	}
	if e.events != nil {
		e.events.PresenceOnline(userID)
	}
	e.broadcast(userID, models.PresenceOnline)
}

// RequestDisconnect schedules a single grace-window timer per user. If
// another connect arrives before it fires, OnConnect cancels it.
func (e *Engine) RequestDisconnect(userID string, graceMs time.Duration) {
	timer := time.AfterFunc(graceMs, func() {
		e.presence.ClearOfflineTimer(userID)
		e.onDisconnect(userID)
	})
	e.presence.SetOfflineTimer(userID, timer)
}

// onDisconnect is idempotent: a no-op if the user is already offline with
// no active connections (a reconnect may have landed and then also gone
// offline again before this timer fired).
func (e *Engine) onDisconnect(userID string) {
	if e.conns.IsOnline(userID) {
		return
	}
	prev, hadPrev := e.presence.Get(userID)
	if hadPrev && prev.Status == models.PresenceOffline {
		return
	}
	e.presence.Set(userID, models.PresenceOffline)
	if e.events != nil {
		e.events.PresenceOffline(userID)
	}
	e.broadcast(userID, models.PresenceOffline)
}

func (e *Engine) broadcast(userID string, status models.PresenceStatus) {
	if e.broadcaster == nil {
		return
	}
	e.broadcaster.BroadcastToOthers(userID, protocol.New(protocol.OutPresenceUpdate, map[string]interface{}{
		"userId": userID,
		"status": string(status),
	}))
}

// RecordLatency implements connmgr.PresenceRecorder.
func (e *Engine) RecordLatency(userID string, d time.Duration) {
	e.presence.RecordLatency(userID, d)
}

// Snapshot returns a PRESENCE_SNAPSHOT payload of every other online user.
func (e *Engine) Snapshot(excludeUserID string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, uid := range e.conns.AllOnlineUsers() {
		if uid == excludeUserID {
			continue
		}
		pr, _ := e.presence.Get(uid)
		out = append(out, map[string]interface{}{
			"userId": uid,
			"status": string(pr.Status),
		})
	}
	return out
}
