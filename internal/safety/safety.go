// Package safety implements the single choke point every inbound frame
// passes through before it reaches the router's dispatch step: payload
// size, JSON parsing, the per-socket rate limiters, and outbound
// backpressure.
package safety

import (
	"encoding/json"
	"time"

	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/store"
)

// Policy is the verdict checkMessage returns.
type Policy int

const (
	PolicyAllow Policy = iota
	PolicyFail
	PolicyDrop
)

// Verdict bundles the policy with whatever the caller needs to act on it.
type Verdict struct {
	Policy       Policy
	Frame        protocol.InboundFrame
	Warning      bool
	ShouldClose  bool
	CloseCode    int
	Code         string
	RetryAfterMs int64
}

// Limits is the resolved configuration the gate checks against.
type Limits struct {
	PayloadMaxSize int

	GenericWindow                time.Duration
	GenericMaxMessages            int
	GenericViolationsBeforeThrottle int
	GenericViolationsBeforeClose    int

	SendOnlyWindow    time.Duration
	SendOnlyMaxEvents int
}

// violationTracker counts repeated size/JSON violations per socket to
// decide between FAIL (transient) and DROP (repeated) per the component
// design; it lives alongside the other socket-keyed state.
type violationTracker struct {
	counts map[string]int
}

func newViolationTracker() *violationTracker {
	return &violationTracker{counts: make(map[string]int)}
}

const violationDropThreshold = 5

func (v *violationTracker) bump(connectionID string) int {
	v.counts[connectionID]++
	return v.counts[connectionID]
}

func (v *violationTracker) forget(connectionID string) {
	delete(v.counts, connectionID)
}

// Gate is the safety gate: a single checkMessage entry point composing
// size, parse, and rate-limit checks. Outbound backpressure is handled by
// Sender, not by the gate.
type Gate struct {
	limits     Limits
	sockets    *store.SocketStateStore
	violations *violationTracker
}

func NewGate(limits Limits, sockets *store.SocketStateStore) *Gate {
	return &Gate{limits: limits, sockets: sockets, violations: newViolationTracker()}
}

// CheckMessage is the single entry point the router calls for every
// inbound frame.
func (g *Gate) CheckMessage(connectionID string, raw []byte) Verdict {
	log := logger.Safety()

	if len(raw) > g.limits.PayloadMaxSize {
		n := g.violations.bump(connectionID)
		if n > violationDropThreshold {
			log.Warn().Str("connectionId", connectionID).Msg("dropping oversized payload after repeated violations")
			return Verdict{Policy: PolicyDrop}
		}
		return Verdict{Policy: PolicyFail, Code: "INVALID_PAYLOAD"}
	}

	var frame protocol.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		n := g.violations.bump(connectionID)
		if n > violationDropThreshold {
			log.Warn().Str("connectionId", connectionID).Msg("dropping unparseable frame after repeated violations")
			return Verdict{Policy: PolicyDrop}
		}
		return Verdict{Policy: PolicyFail, Code: "INVALID_PAYLOAD"}
	}
	g.violations.forget(connectionID)

	if frame.Type == "" {
		return Verdict{Policy: PolicyFail, Code: "INVALID_PAYLOAD"}
	}

	if protocol.IsNoiseType(frame.Type) {
		return Verdict{Policy: PolicyAllow, Frame: frame}
	}

	limiter := g.sockets.Limiter(connectionID)
	now := time.Now()
	generic := limiter.CheckGeneric(now, g.limits.GenericWindow, g.limits.GenericMaxMessages,
		g.limits.GenericViolationsBeforeThrottle, g.limits.GenericViolationsBeforeClose)
	if generic.ShouldClose {
		return Verdict{Policy: PolicyFail, Code: "RATE_LIMIT_EXCEEDED", ShouldClose: true, CloseCode: 1008}
	}
	if !generic.Allowed {
		return Verdict{Policy: PolicyFail, Code: "RATE_LIMIT_EXCEEDED", RetryAfterMs: generic.RetryAfterMs}
	}

	if frame.Type == protocol.TypeMessageSend || frame.Type == protocol.TypeRoomMessage {
		if !limiter.CheckSendOnly(now, g.limits.SendOnlyWindow, g.limits.SendOnlyMaxEvents) {
			return Verdict{Policy: PolicyFail, Code: "RATE_LIMIT_EXCEEDED", RetryAfterMs: g.limits.SendOnlyWindow.Milliseconds()}
		}
	}

	return Verdict{Policy: PolicyAllow, Frame: frame, Warning: generic.Warning}
}
