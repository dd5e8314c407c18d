// Package connmgr is the connection manager: socket registration,
// eviction over the per-session socket cap, the shared heartbeat sweep,
// close handling, and zombie-context validation.
package connmgr

import (
	"sync"
	"time"

	"github.com/streamspace/relaycore/internal/idgen"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/store"
)

// LifecycleNotifier is the narrow interface the connection manager uses to
// notify the presence/lifecycle engine of connect/disconnect events,
// avoiding a direct dependency on the full presence package.
type LifecycleNotifier interface {
	OnConnect(userID string)
	RequestDisconnect(userID string, graceMs time.Duration)
}

const (
	CloseTooManyTabs   = 4002
	CloseAdminRequired = 4003
	CloseZombie        = 4004
	CloseContextFailed = 4005
)

// Manager owns the connection store and the heartbeat loop.
type Manager struct {
	conns      *store.ConnectionStore
	sockets    *store.SocketStateStore
	lifecycle  LifecycleNotifier
	maxSockets int

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	mu    sync.Mutex
	alive map[string]bool
	pingedAt map[string]time.Time

	stop chan struct{}
}

func NewManager(conns *store.ConnectionStore, sockets *store.SocketStateStore, lifecycle LifecycleNotifier, maxSockets int, heartbeatInterval, heartbeatTimeout time.Duration) *Manager {
	return &Manager{
		conns:             conns,
		sockets:           sockets,
		lifecycle:         lifecycle,
		maxSockets:        maxSockets,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		alive:             make(map[string]bool),
		pingedAt:          make(map[string]time.Time),
		stop:              make(chan struct{}),
	}
}

// Register attaches a socket to a (possibly new) session for userID.
// Rejects if the socket is not OPEN. Evicts the oldest socket with close
// code 4002 if the session is already at capacity.
func (m *Manager) Register(userID string, sock *store.SocketState, sessionID string) error {
	if !sock.IsOpen() {
		return errNotOpen
	}
	m.conns.GetOrCreateSession(userID, sessionID)
	evicted := m.conns.AttachSocket(sessionID, sock, m.maxSockets)
	if evicted != nil {
		logger.ConnMgr().Info().Str("connectionId", evicted.ConnectionID).Msg("evicting oldest socket over session cap")
		_ = evicted.Close(CloseTooManyTabs, "too many tabs")
		m.sockets.Forget(evicted.ConnectionID)
	}
	m.mu.Lock()
	m.alive[sock.ConnectionID] = true
	m.mu.Unlock()
	if m.lifecycle != nil {
		m.lifecycle.OnConnect(userID)
	}
	return nil
}

var errNotOpen = &notOpenError{}

type notOpenError struct{}

func (*notOpenError) Error() string { return "connmgr: socket is not OPEN" }

// NewConnectionID returns a fresh connection identifier for a newly
// upgraded socket, ahead of Register.
func NewConnectionID() string { return idgen.ConnectionID() }

// HandleClose processes a socket close: detaches it from its session,
// reassigns primary, and if it was the user's last socket, requests a
// graceful disconnect with the configured grace window.
func (m *Manager) HandleClose(sock *store.SocketState, graceMs time.Duration) {
	sock.SetReadyState(store.SocketClosed)
	m.mu.Lock()
	delete(m.alive, sock.ConnectionID)
	delete(m.pingedAt, sock.ConnectionID)
	m.mu.Unlock()
	m.sockets.Forget(sock.ConnectionID)

	_, empty := m.conns.DetachSocket(sock.ConnectionID)
	if empty {
		logger.ConnMgr().Info().Str("userId", sock.UserID).Msg("last socket closed, requesting disconnect")
		if m.lifecycle != nil {
			m.lifecycle.RequestDisconnect(sock.UserID, graceMs)
		}
		return
	}
	logger.ConnMgr().Debug().Str("userId", sock.UserID).Msg("user still connected")
}

// ValidContext reports whether a socket's capabilities survive the
// zombie check (non-nil, admin flag matches capability) before any
// non-HELLO frame is routed.
func ValidContext(sock *store.SocketState) bool {
	caps := sock.Capabilities
	if caps.UserID == "" {
		return false
	}
	return caps.Admin == (caps.Role == "admin")
}

// StartHeartbeat launches the shared heartbeat timer. For each registered
// socket: if the previous round's alive flag is false, the socket is
// terminated; else alive is set false and a ping is sent, recording the
// timestamp for round-trip sampling on pong.
func (m *Manager) StartHeartbeat(presence PresenceRecorder) {
	ticker := time.NewTicker(m.heartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// PresenceRecorder lets the heartbeat sweep record round-trip latency
// samples without importing the presence package directly.
type PresenceRecorder interface {
	RecordLatency(userID string, d time.Duration)
}

func (m *Manager) sweep() {
	for _, sock := range m.conns.AllSockets() {
		m.mu.Lock()
		wasAlive := m.alive[sock.ConnectionID]
		m.mu.Unlock()
		if !wasAlive {
			logger.ConnMgr().Info().Str("connectionId", sock.ConnectionID).Msg("heartbeat timeout, terminating socket")
			_ = sock.Close(1001, "heartbeat timeout")
			continue
		}
		m.mu.Lock()
		m.alive[sock.ConnectionID] = false
		m.pingedAt[sock.ConnectionID] = time.Now()
		m.mu.Unlock()
		_ = sock.Send(map[string]interface{}{"type": "PING"})
	}
}

// OnPong marks a socket alive and, if a ping timestamp was recorded,
// reports the round-trip latency sample for the owner.
func (m *Manager) OnPong(sock *store.SocketState, presence PresenceRecorder) {
	m.mu.Lock()
	m.alive[sock.ConnectionID] = true
	pingedAt, had := m.pingedAt[sock.ConnectionID]
	delete(m.pingedAt, sock.ConnectionID)
	m.mu.Unlock()
	if had && presence != nil {
		presence.RecordLatency(sock.UserID, time.Since(pingedAt))
	}
}

func (m *Manager) Stop() {
	close(m.stop)
}

// Store exposes the underlying connection store for handlers/transport
// that need read access (e.g. fan-out).
func (m *Manager) Store() *store.ConnectionStore { return m.conns }

// Capabilities is re-exported so callers building a socket context don't
// need to import models directly for this one type.
type Capabilities = models.Capabilities
