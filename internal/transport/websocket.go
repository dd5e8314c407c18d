// Package transport is the WebSocket edge: upgrade, origin checking,
// cookie-based auth, the per-socket read/write pumps, and the connect/
// disconnect sequence that wires a socket into the connection manager and
// router. Everything downstream of Handler.Serve is transport-agnostic;
// this package is the only place that touches *websocket.Conn directly.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/streamspace/relaycore/internal/auth"
	"github.com/streamspace/relaycore/internal/connmgr"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/middleware"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/presence"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/replay"
	"github.com/streamspace/relaycore/internal/router"
	"github.com/streamspace/relaycore/internal/store"
)

const (
	readDeadlineExtension = 60 * time.Second
	writeDeadline          = 10 * time.Second
	pingInterval           = 54 * time.Second
	sendBufferSize         = 256
)

// Config carries the edge's own knobs, separate from the domain services
// it wires together.
type Config struct {
	Path              string
	CookieName        string
	DevTokenQuery     string // non-empty only outside production
	Production        bool
	ReadBufferSize    int
	WriteBufferSize   int
	MaxSocketsPerSess int
	PresenceGrace     time.Duration
}

// Handler owns the upgrader and every collaborator a newly accepted socket
// must be registered against.
type Handler struct {
	cfg      Config
	upgrader websocket.Upgrader
	jwt      *auth.Manager
	conns    *store.ConnectionStore
	sockets  *store.SocketStateStore
	connmgr  *connmgr.Manager
	presence *presence.Engine
	rt       *router.Router
	replay   *replay.Service
	upgradeLimiter *middleware.UpgradeRateLimiter
}

func NewHandler(cfg Config, jwt *auth.Manager, conns *store.ConnectionStore, sockets *store.SocketStateStore,
	cm *connmgr.Manager, pres *presence.Engine, rt *router.Router, rp *replay.Service) *Handler {
	return &Handler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     checkOrigin,
		},
		jwt: jwt, conns: conns, sockets: sockets, connmgr: cm, presence: pres, rt: rt, replay: rp,
		upgradeLimiter: middleware.NewUpgradeRateLimiter(5, 10),
	}
}

// checkOrigin applies an allowlist from CORS_ALLOWED_ORIGINS (defaulting to
// http://localhost:3000 and http://localhost:8000). Any origin that contains
// "localhost" or "127.0.0.1" anywhere in it is also allowed, whatever the
// allowlist says. Requests carrying no Origin header (non-browser clients)
// are allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	var allowed []string
	if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
		for _, o := range strings.Split(env, ",") {
			allowed = append(allowed, strings.TrimSpace(o))
		}
	}
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000", "http://localhost:8000"}
	}
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
}

// RegisterRoutes mounts the upgrade endpoint at cfg.Path, behind request-ID
// tagging and a per-IP flood guard.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET(h.cfg.Path, middleware.RequestID(), h.upgradeLimiter.Middleware(), h.Serve)
}

// Serve authenticates the upgrade request, accepts the socket, and wires
// it into the connection manager before handing off to the read/write
// pumps.
func (h *Handler) Serve(c *gin.Context) {
	claims, err := h.authenticate(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Router().Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	connectionID := connmgr.NewConnectionID()
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = claims.UserID
	}
	caps := models.DefaultCapabilities(claims.UserID, claims.Role)

	// All writes to conn happen on the writePump goroutine only — gorilla
	// allows one concurrent writer per connection, so sock.Send hands the
	// payload to the pump over a channel rather than writing directly.
	outgoing := make(chan []byte, sendBufferSize)

	sock := store.NewSocketState(connectionID, claims.UserID, sessionID, caps)
	sock.Send = func(frame interface{}) error {
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		select {
		case outgoing <- data:
			return nil
		default:
			return errSendBufferFull
		}
	}
	sock.Close = func(code int, reason string) error {
		deadline := time.Now().Add(writeDeadline)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		return conn.Close()
	}

	if err := h.connmgr.Register(claims.UserID, sock, sessionID); err != nil {
		logger.Router().Warn().Err(err).Str("userId", claims.UserID).Msg("failed to register socket")
		_ = conn.Close()
		return
	}

	h.sendConnectSequence(sock)

	ctx, cancel := context.WithCancel(context.Background())
	go h.writePump(ctx, cancel, conn, outgoing)
	h.readPump(ctx, cancel, conn, sock)
}

// sendConnectSequence pushes SYSTEM_CAPABILITIES, CONNECTION_ESTABLISHED,
// and a PRESENCE_SNAPSHOT of every other online user, in that order.
func (h *Handler) sendConnectSequence(sock *store.SocketState) {
	caps := sock.Capabilities
	_ = sock.Send(protocol.New(protocol.OutSystemCapabilities, map[string]interface{}{
		"userId": caps.UserID, "role": caps.Role, "admin": caps.Admin,
		"canSendMessage": caps.CanSendMessage, "canManageRoom": caps.CanManageRoom, "canDeleteRoom": caps.CanDeleteRoom,
	}))
	_ = sock.Send(protocol.New(protocol.OutConnectionEstablished, map[string]interface{}{
		"connectionId": sock.ConnectionID, "sessionId": sock.SessionID,
	}))
	if h.presence != nil {
		_ = sock.Send(protocol.New(protocol.OutPresenceSnapshot, map[string]interface{}{
			"users": h.presence.Snapshot(sock.UserID),
		}))
	}
}

// authenticate resolves the session JWT from the cookie, falling back to a
// query-param token only when cfg.DevTokenQuery names a param and the
// handler is not running in production.
func (h *Handler) authenticate(r *http.Request) (*auth.Claims, error) {
	if cookie, err := r.Cookie(h.cfg.CookieName); err == nil && cookie.Value != "" {
		return h.jwt.Validate(cookie.Value)
	}
	if !h.cfg.Production && h.cfg.DevTokenQuery != "" {
		if tok := r.URL.Query().Get(h.cfg.DevTokenQuery); tok != "" {
			return h.jwt.Validate(tok)
		}
	}
	return nil, auth.ErrMissingToken
}

// readPump is the socket's inbound loop: every text frame reaches
// router.HandleRaw, which owns the entire safety/dispatch pipeline.
func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sock *store.SocketState) {
	defer func() {
		cancel()
		h.connmgr.HandleClose(sock, h.cfg.PresenceGrace)
	}()

	conn.SetReadDeadline(time.Now().Add(readDeadlineExtension))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadlineExtension))
		h.connmgr.OnPong(sock, h.presence)
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Router().Debug().Err(err).Str("connectionId", sock.ConnectionID).Msg("unexpected websocket close")
			}
			return
		}
		h.rt.HandleRaw(ctx, sock, raw)
	}
}

// writePump is the connection's only writer: every outbound frame and the
// idle ping keepalive flow through here, since gorilla permits exactly one
// concurrent writer per connection. Queued frames are batched into a
// single WebSocket message, newline-delimited, mirroring the teacher's
// drain-on-send behavior.
func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outgoing chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		cancel()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outgoing:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)
			for n := len(outgoing); n > 0; n-- {
				w.Write([]byte{'\n'})
				w.Write(<-outgoing)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var errSendBufferFull = errors.New("transport: send buffer full, frame dropped")
