// Package outbox implements per-user and broadcast frame delivery over the
// live socket set, the shared sink every higher-level service (presence,
// delivery/fan-out, replay) pushes outbound frames through. Every send
// routes through the per-socket backpressure queue so fan-out and
// broadcast never bypass the FIFO ordering guarantee.
package outbox

import (
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/safety"
	"github.com/streamspace/relaycore/internal/store"
)

// Outbox implements delivery.Sender and presence.Broadcaster against the
// connection store, pushing every send through the backpressure-aware
// sender.
type Outbox struct {
	conns   *store.ConnectionStore
	sockets *store.SocketStateStore
	sender  *safety.Sender
}

func New(conns *store.ConnectionStore, sockets *store.SocketStateStore, sender *safety.Sender) *Outbox {
	return &Outbox{conns: conns, sockets: sockets, sender: sender}
}

func (o *Outbox) send(sock *store.SocketState, frame protocol.OutboundFrame, onFailure func()) {
	bp := o.sockets.Backpressure(sock.ConnectionID)
	o.sender.Send(sock, bp, frame, func() {
		logger.Delivery().Warn().Str("connectionId", sock.ConnectionID).Msg("dropped frame under backpressure")
		if onFailure != nil {
			onFailure()
		}
	})
}

// SendToSocket pushes frame to exactly one socket, used for direct
// replies/ACKs to the requesting connection.
func (o *Outbox) SendToSocket(sock *store.SocketState, frame protocol.OutboundFrame) {
	if !sock.IsOpen() {
		return
	}
	o.send(sock, frame, nil)
}

// SendToUser pushes frame to every live socket of userID, skipping
// excludeConnectionID (pass "" to exclude none).
func (o *Outbox) SendToUser(userID string, frame protocol.OutboundFrame, excludeConnectionID string) {
	for _, sock := range o.conns.SocketsForUser(userID) {
		if sock.ConnectionID == excludeConnectionID || !sock.IsOpen() {
			continue
		}
		o.send(sock, frame, nil)
	}
}

// SendToUserNotifyFailure behaves like SendToUser but additionally invokes
// onFailure once per live socket whose send is dropped under backpressure,
// letting the caller react to a persisted message failing to reach one of
// the recipient's sockets (record FAILED_BACKPRESSURE, NACK the sender).
func (o *Outbox) SendToUserNotifyFailure(userID string, frame protocol.OutboundFrame, excludeConnectionID string, onFailure func()) {
	for _, sock := range o.conns.SocketsForUser(userID) {
		if sock.ConnectionID == excludeConnectionID || !sock.IsOpen() {
			continue
		}
		o.send(sock, frame, onFailure)
	}
}

// BroadcastToOthers pushes frame to every online user except exceptUserID.
func (o *Outbox) BroadcastToOthers(exceptUserID string, frame protocol.OutboundFrame) {
	for _, userID := range o.conns.AllOnlineUsers() {
		if userID == exceptUserID {
			continue
		}
		o.SendToUser(userID, frame, "")
	}
}

// BroadcastAll pushes frame to every attached socket, used for
// SERVER_SHUTDOWN.
func (o *Outbox) BroadcastAll(frame protocol.OutboundFrame) {
	for _, sock := range o.conns.AllSockets() {
		if !sock.IsOpen() {
			continue
		}
		o.send(sock, frame, nil)
	}
}
