// Package router is the protocol router: the single dispatch point every
// inbound frame reaches after passing the safety gate. It enforces
// HELLO-first, validates protocol version,
// dispatches by frame type to the lifecycle/delivery/replay/presence
// services, and recovers from handler panics as INTERNAL_ERROR rather than
// crashing the socket's read loop. It does not generate correlation IDs,
// and an inbound correlationId is not copied onto any response.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/connmgr"
	"github.com/streamspace/relaycore/internal/delivery"
	"github.com/streamspace/relaycore/internal/events"
	"github.com/streamspace/relaycore/internal/lifecycle"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/outbox"
	"github.com/streamspace/relaycore/internal/presence"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/ratelimit"
	"github.com/streamspace/relaycore/internal/replay"
	"github.com/streamspace/relaycore/internal/safety"
	"github.com/streamspace/relaycore/internal/store"
)

// Router holds the safety gate, the services frames dispatch to, and the
// set of protocol versions HELLO may negotiate.
type Router struct {
	gate   *safety.Gate
	conns  *store.ConnectionStore
	out    *outbox.Outbox
	events *events.Publisher

	lifecycle *lifecycle.Service
	rooms     *delivery.Service
	replay    *replay.Service
	presence  *presence.Engine

	userLimiter  *ratelimit.UserLimiter
	roomLimiter  *ratelimit.UserLimiter
	typing       *store.TypingBucket

	supportedVersions map[string]bool
	typingWindow      time.Duration
	typingMaxEvents   int
}

type Config struct {
	SupportedVersions []string
	TypingWindow      time.Duration
	TypingMaxEvents   int
}

func New(gate *safety.Gate, conns *store.ConnectionStore, out *outbox.Outbox, pub *events.Publisher,
	lc *lifecycle.Service, rooms *delivery.Service, rp *replay.Service, pres *presence.Engine,
	userLimiter, roomLimiter *ratelimit.UserLimiter, typing *store.TypingBucket, cfg Config) *Router {
	versions := make(map[string]bool, len(cfg.SupportedVersions))
	for _, v := range cfg.SupportedVersions {
		versions[v] = true
	}
	return &Router{
		gate: gate, conns: conns, out: out, events: pub,
		lifecycle: lc, rooms: rooms, replay: rp, presence: pres,
		userLimiter: userLimiter, roomLimiter: roomLimiter, typing: typing,
		supportedVersions: versions, typingWindow: cfg.TypingWindow, typingMaxEvents: cfg.TypingMaxEvents,
	}
}

// HandleRaw is the read loop's single entry point for one inbound message.
func (r *Router) HandleRaw(ctx context.Context, sock *store.SocketState, raw []byte) {
	defer r.recoverPanic(sock)

	verdict := r.gate.CheckMessage(sock.ConnectionID, raw)
	switch verdict.Policy {
	case safety.PolicyDrop:
		// Silent drop: no response sent, socket stays open.
		if r.events != nil {
			r.events.MessageDropped(sock.ConnectionID, "repeated invalid frames")
		}
		return
	case safety.PolicyFail:
		if verdict.ShouldClose {
			r.sendError(sock, "", apperr.New(apperr.Code(verdict.Code), "rate limit violation threshold exceeded"))
			_ = sock.Close(verdict.CloseCode, "rate limit exceeded")
			return
		}
		r.sendError(sock, "", errForVerdictCode(verdict))
		return
	}

	frame := verdict.Frame
	if verdict.Warning {
		r.send(sock, protocol.New(protocol.OutRateLimitWarning, map[string]interface{}{
			"message": "approaching the per-socket message rate limit",
		}))
	}

	if frame.Version != "" && frame.Type != protocol.TypeHello && len(r.supportedVersions) > 0 && !r.supportedVersions[frame.Version] {
		r.sendError(sock, frame.ClientMessageID, apperr.New(apperr.CodeVersionMismatch, "unsupported protocol version "+frame.Version))
		return
	}

	session, helloed := r.conns.Session(sock.SessionID)
	if frame.Type != protocol.TypeHello && (!helloed || session.ProtocolVersion == "") {
		r.sendError(sock, frame.ClientMessageID, apperr.New(apperr.CodeHelloRequired, "HELLO must be the first frame on a connection"))
		_ = sock.Close(1008, "HELLO required")
		return
	}

	if frame.Type != protocol.TypeHello && !connmgr.ValidContext(sock) {
		logger.Router().Warn().Str("connectionId", sock.ConnectionID).Msg("zombie context detected, closing")
		_ = sock.Close(connmgr.CloseZombie, "invalid connection context")
		return
	}

	if !protocol.IsNoiseType(frame.Type) {
		if aerr := r.checkUserLimit(sock); aerr != nil {
			r.sendError(sock, frame.ClientMessageID, aerr)
			return
		}
	}
	if aerr := r.requireSensitiveRoomAllowance(sock, frame.Type); aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}

	r.dispatch(ctx, sock, frame)
}

func (r *Router) dispatch(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	switch frame.Type {
	case protocol.TypeHello:
		r.handleHello(sock, frame)
	case protocol.TypeMessageSend:
		r.handleMessageSend(ctx, sock, frame)
	case protocol.TypeMessageDeliveredConfirm:
		r.handleConfirm(ctx, sock, frame, false)
	case protocol.TypeMessageReadConfirm:
		r.handleConfirm(ctx, sock, frame, true)
	case protocol.TypeMessageEdit:
		r.handleEdit(ctx, sock, frame)
	case protocol.TypeMessageDelete:
		r.handleDelete(ctx, sock, frame)
	case protocol.TypeMessageReplay, protocol.TypeResume, protocol.TypeStateSync:
		r.handleReplay(ctx, sock, frame)
	case protocol.TypePing:
		r.send(sock, protocol.New("PONG", nil))
	case protocol.TypePresencePing:
		r.send(sock, protocol.New("PRESENCE_PONG", nil))
	case protocol.TypeClientAck:
		// Noise type: acknowledged implicitly by having passed the gate.
	case protocol.TypeTypingStart:
		r.handleTyping(sock, frame, protocol.OutTypingStart)
	case protocol.TypeTypingStop:
		r.handleTyping(sock, frame, protocol.OutTypingStop)

	case protocol.TypeRoomCreate:
		r.handleRoomCreate(ctx, sock, frame)
	case protocol.TypeRoomJoin:
		r.handleRoomJoin(ctx, sock, frame)
	case protocol.TypeRoomLeave:
		r.handleRoomLeave(ctx, sock, frame)
	case protocol.TypeRoomMessage:
		r.handleRoomMessage(ctx, sock, frame)
	case protocol.TypeRoomInfo:
		r.handleRoomInfo(sock, frame)
	case protocol.TypeRoomMembers:
		r.handleRoomMembers(sock, frame)
	case protocol.TypeRoomUpdateMeta:
		r.handleRoomUpdateMeta(ctx, sock, frame)
	case protocol.TypeRoomAddMembers:
		r.handleRoomAddMembers(ctx, sock, frame)
	case protocol.TypeRoomRemoveMember:
		r.handleRoomRemoveMember(ctx, sock, frame)
	case protocol.TypeRoomSetRole:
		r.handleRoomSetRole(ctx, sock, frame)
	case protocol.TypeRoomDelete:
		r.handleRoomDelete(ctx, sock, frame)

	default:
		r.sendError(sock, frame.ClientMessageID, apperr.New(apperr.CodeUnknownType, "unrecognized frame type "+frame.Type))
	}
}

func (r *Router) handleHello(sock *store.SocketState, frame protocol.InboundFrame) {
	if _, ok := r.conns.Session(sock.SessionID); !ok {
		r.sendError(sock, "", apperr.New(apperr.CodeInternalError, "session missing at HELLO"))
		return
	}
	version := frame.Version
	if version == "" {
		version = "1.0"
	}
	if len(r.supportedVersions) > 0 && !r.supportedVersions[version] {
		r.sendError(sock, "", apperr.New(apperr.CodeVersionMismatch, "unsupported protocol version "+version))
		return
	}
	r.conns.SetProtocolVersion(sock.SessionID, version)
	r.send(sock, protocol.New(protocol.OutHelloAck, map[string]interface{}{"version": version}))
}

func (r *Router) requireSensitiveRoomAllowance(sock *store.SocketState, frameType string) *apperr.AppError {
	if !protocol.IsSensitiveRoomAction(frameType) {
		return nil
	}
	if r.roomLimiter != nil && !r.roomLimiter.Allow(sock.UserID) {
		return apperr.RateLimited(1000)
	}
	return nil
}

func (r *Router) checkUserLimit(sock *store.SocketState) *apperr.AppError {
	if r.userLimiter != nil && !r.userLimiter.Allow(sock.UserID) {
		return apperr.RateLimited(1000)
	}
	return nil
}

func (r *Router) send(sock *store.SocketState, frame protocol.OutboundFrame) {
	r.out.SendToSocket(sock, frame)
}

func (r *Router) sendError(sock *store.SocketState, clientMessageID string, aerr *apperr.AppError) {
	var frame protocol.OutboundFrame
	if clientMessageID != "" {
		frame = protocol.NackFrame(clientMessageID, aerr)
	} else {
		frame = protocol.ErrorFrame("", aerr)
	}
	r.out.SendToSocket(sock, frame)
}

func errForVerdictCode(v safety.Verdict) *apperr.AppError {
	if v.Code == "" {
		return apperr.New(apperr.CodeInvalidPayload, "malformed frame")
	}
	return apperr.New(apperr.Code(v.Code), fmt.Sprintf("request rejected: %s", v.Code))
}

func (r *Router) recoverPanic(sock *store.SocketState) {
	if rec := recover(); rec != nil {
		logger.Router().Error().Interface("panic", rec).Str("connectionId", sock.ConnectionID).Msg("recovered from handler panic")
		r.sendError(sock, "", apperr.Internal("internal server error"))
	}
}
