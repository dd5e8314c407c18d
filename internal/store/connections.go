// Package store holds the in-memory state the messaging core mutates on
// every frame: sessions and sockets, per-socket backpressure/rate-limit
// state, the message and delivery caches, rooms, idempotency indices,
// typing buckets, and presence. Every store exposes read accessors freely
// but restricts writes to the service that owns the corresponding slice of
// state, matching the ownership rules of the component design.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/streamspace/relaycore/internal/models"
)

// SocketState is the transport-agnostic handle the connection manager
// tracks per attached socket. Send and Close are supplied by the transport layer
// (it knows how to push frames down its own connection); the store only
// tracks bookkeeping, not the wire itself.
type SocketState struct {
	ConnectionID string
	UserID       string
	SessionID    string
	CreatedAt    time.Time
	Capabilities models.Capabilities
	Send         func(frame interface{}) error
	Close        func(code int, reason string) error

	mu    sync.Mutex
	ready string // OPEN, CLOSING, CLOSED
}

const (
	SocketOpen    = "OPEN"
	SocketClosing = "CLOSING"
	SocketClosed  = "CLOSED"
)

func NewSocketState(connectionID, userID, sessionID string, caps models.Capabilities) *SocketState {
	return &SocketState{
		ConnectionID: connectionID,
		UserID:       userID,
		SessionID:    sessionID,
		CreatedAt:    time.Now(),
		Capabilities: caps,
		ready:        SocketOpen,
	}
}

func (s *SocketState) ReadyState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *SocketState) SetReadyState(state string) {
	s.mu.Lock()
	s.ready = state
	s.mu.Unlock()
}

func (s *SocketState) IsOpen() bool {
	return s.ReadyState() == SocketOpen
}

// Session is a user's attached-socket collection under one sessionId.
type Session struct {
	SessionID       string
	UserID          string
	Sockets         []*SocketState // ordered oldest-first
	PrimaryIndex    int
	ProtocolVersion string // empty until negotiated on HELLO
}

// Primary returns the designated primary socket, or nil if the session has
// no sockets attached.
func (s *Session) Primary() *SocketState {
	if len(s.Sockets) == 0 {
		return nil
	}
	if s.PrimaryIndex < 0 || s.PrimaryIndex >= len(s.Sockets) {
		return s.Sockets[len(s.Sockets)-1]
	}
	return s.Sockets[s.PrimaryIndex]
}

// ConnectionStore is the owner of socket<->user<->session associations.
// Only the connection manager calls the mutating methods.
type ConnectionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session            // sessionId -> session
	userIndex   map[string]map[string]struct{} // userId -> set(sessionId)
	bySocket    map[string]*SocketState        // connectionId -> socket
	socketOwner map[string]string              // connectionId -> sessionId
}

func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{
		sessions:    make(map[string]*Session),
		userIndex:   make(map[string]map[string]struct{}),
		bySocket:    make(map[string]*SocketState),
		socketOwner: make(map[string]string),
	}
}

// GetOrCreateSession returns the session for sessionId, creating it (and
// indexing it under userId) if absent.
func (c *ConnectionStore) GetOrCreateSession(userID, sessionID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		sess = &Session{SessionID: sessionID, UserID: userID, PrimaryIndex: -1}
		c.sessions[sessionID] = sess
		if c.userIndex[userID] == nil {
			c.userIndex[userID] = make(map[string]struct{})
		}
		c.userIndex[userID][sessionID] = struct{}{}
	}
	return sess
}

func (c *ConnectionStore) Session(sessionID string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

// AttachSocket appends a socket to a session, evicting the oldest if the
// session is already at maxSockets. Returns the evicted socket, if any.
func (c *ConnectionStore) AttachSocket(sessionID string, socket *SocketState, maxSockets int) (evicted *SocketState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil
	}
	if maxSockets > 0 && len(sess.Sockets) >= maxSockets {
		evicted = sess.Sockets[0]
		sess.Sockets = sess.Sockets[1:]
		delete(c.bySocket, evicted.ConnectionID)
		delete(c.socketOwner, evicted.ConnectionID)
	}
	sess.Sockets = append(sess.Sockets, socket)
	sess.PrimaryIndex = len(sess.Sockets) - 1
	c.bySocket[socket.ConnectionID] = socket
	c.socketOwner[socket.ConnectionID] = sessionID
	return evicted
}

// DetachSocket removes a socket from its session and reassigns primary to
// the newest remaining socket. Returns the session and whether it is now
// empty of sockets.
func (c *ConnectionStore) DetachSocket(connectionID string) (sess *Session, nowEmpty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, ok := c.socketOwner[connectionID]
	if !ok {
		return nil, false
	}
	sess = c.sessions[sessionID]
	delete(c.bySocket, connectionID)
	delete(c.socketOwner, connectionID)
	if sess == nil {
		return nil, true
	}
	for i, sock := range sess.Sockets {
		if sock.ConnectionID == connectionID {
			sess.Sockets = append(sess.Sockets[:i], sess.Sockets[i+1:]...)
			break
		}
	}
	if len(sess.Sockets) == 0 {
		sess.PrimaryIndex = -1
		return sess, true
	}
	sess.PrimaryIndex = len(sess.Sockets) - 1
	return sess, false
}

// SetProtocolVersion records the version negotiated by a session's HELLO
// frame, called by the router on every accepted HELLO.
func (c *ConnectionStore) SetProtocolVersion(sessionID, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[sessionID]; ok {
		sess.ProtocolVersion = version
	}
}

func (c *ConnectionStore) Socket(connectionID string) (*SocketState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.bySocket[connectionID]
	return s, ok
}

// SocketsForUser returns every live socket across every session of userID,
// in a deterministic order (sessionId then attach order).
func (c *ConnectionStore) SocketsForUser(userID string) []*SocketState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessionIDs := make([]string, 0, len(c.userIndex[userID]))
	for sid := range c.userIndex[userID] {
		sessionIDs = append(sessionIDs, sid)
	}
	sort.Strings(sessionIDs)
	var out []*SocketState
	for _, sid := range sessionIDs {
		sess := c.sessions[sid]
		if sess == nil {
			continue
		}
		out = append(out, sess.Sockets...)
	}
	return out
}

// IsOnline reports whether userID has at least one non-CLOSED socket.
func (c *ConnectionStore) IsOnline(userID string) bool {
	for _, s := range c.SocketsForUser(userID) {
		if s.ReadyState() != SocketClosed {
			return true
		}
	}
	return false
}

// AllOnlineUsers returns every userId with at least one non-CLOSED socket.
func (c *ConnectionStore) AllOnlineUsers() []string {
	c.mu.RLock()
	users := make([]string, 0, len(c.userIndex))
	for u := range c.userIndex {
		users = append(users, u)
	}
	c.mu.RUnlock()
	var online []string
	for _, u := range users {
		if c.IsOnline(u) {
			online = append(online, u)
		}
	}
	sort.Strings(online)
	return online
}

// AllSockets returns every socket currently attached to any session, for
// heartbeat sweeps and shutdown broadcast.
func (c *ConnectionStore) AllSockets() []*SocketState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*SocketState, 0, len(c.bySocket))
	for _, s := range c.bySocket {
		out = append(out, s)
	}
	return out
}

// RemoveSession clears a fully-revoked session record.
func (c *ConnectionStore) RemoveSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	delete(c.sessions, sessionID)
	if set, ok := c.userIndex[sess.UserID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(c.userIndex, sess.UserID)
		}
	}
}
