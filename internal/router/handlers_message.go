package router

import (
	"context"
	"time"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/lifecycle"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/store"
)

func timeNow() time.Time { return time.Now() }

func (r *Router) broadcastMutation(sock *store.SocketState, result lifecycle.MutationResult) {
	r.send(sock, result.Ack)
	if result.RoomID != "" {
		info, aerr := r.rooms.Info(result.RoomID)
		if aerr == nil {
			for memberID := range info.Members {
				if memberID != sock.UserID {
					r.out.SendToUser(memberID, result.Mutation, "")
				}
			}
		}
		return
	}
	if result.RecipientID != "" && result.RecipientID != sock.UserID {
		r.out.SendToUser(result.RecipientID, result.Mutation, "")
	}
	if result.SenderID != "" && result.SenderID != sock.UserID {
		r.out.SendToUser(result.SenderID, result.Mutation, "")
	}
}

func (r *Router) handleMessageSend(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	accepted, aerr := r.lifecycle.Accept(sock.UserID, frame.RecipientID, frame.Content, frame.ClientMessageID)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}

	result, aerr := r.lifecycle.PersistAndAck(ctx, accepted.Message)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}

	r.send(sock, protocol.New(protocol.OutMessageAck, map[string]interface{}{
		"messageId": result.MessageID, "clientMessageId": result.ClientMessageID,
		"state": string(result.State), "duplicate": result.Duplicate,
	}))
	if result.Duplicate {
		return
	}

	receive := protocol.New(protocol.OutMessageReceive, map[string]interface{}{
		"messageId": result.MessageID, "senderId": sock.UserID, "content": accepted.Message.Content,
	})
	recipientOnline := r.conns.IsOnline(frame.RecipientID)
	if recipientOnline {
		messageID, recipientID, senderID := result.MessageID, frame.RecipientID, sock.UserID
		r.out.SendToUserNotifyFailure(recipientID, receive, "", func() {
			r.handleBackpressureFailure(ctx, messageID, senderID, recipientID)
		})
	} else {
		r.send(sock, protocol.New(protocol.OutDeliveryStatus, map[string]interface{}{
			"messageId": result.MessageID, "status": "RECIPIENT_OFFLINE",
		}))
	}
}

// handleBackpressureFailure is invoked when a direct message's delivery
// frame is dropped by the recipient socket's outbound backpressure queue:
// the persisted message transitions to FAILED_BACKPRESSURE and the sender
// is NACKed with RECIPIENT_BUFFER_FULL.
func (r *Router) handleBackpressureFailure(ctx context.Context, messageID, senderID, recipientID string) {
	if aerr := r.lifecycle.MarkFailedBackpressure(ctx, messageID, recipientID); aerr != nil {
		logger.Router().Warn().Err(aerr).Str("messageId", messageID).
			Msg("failed to record FAILED_BACKPRESSURE transition")
	}
	r.out.SendToUser(senderID, protocol.NackFrame("", apperr.RecipientBufferFull(messageID)), "")
}

func (r *Router) handleConfirm(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame, isRead bool) {
	result, aerr := r.confirmDispatch(ctx, sock.UserID, frame.MessageID, isRead)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}

	r.send(sock, result.ClientAck)
	if result.SenderID != "" && result.SenderID != sock.UserID {
		r.out.SendToUser(result.SenderID, result.SenderNotification, "")
		r.out.SendToUser(result.SenderID, result.SenderStateUpdate, "")
	}

	if !isRead && result.RoomID != "" {
		if aerr := r.rooms.ConfirmRoomDelivered(ctx, result.SenderID, result.RoomID, result.RoomMessageID, sock.UserID); aerr != nil {
			logger.Router().Warn().Err(aerr).Str("roomId", result.RoomID).Str("roomMessageId", result.RoomMessageID).
				Msg("failed to update room delivery aggregate after confirm")
		}
	}
}

func (r *Router) handleEdit(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	result, aerr := r.lifecycle.Edit(ctx, sock.UserID, frame.MessageID, frame.Content)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.broadcastMutation(sock, result)
}

func (r *Router) handleDelete(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	result, aerr := r.lifecycle.Delete(ctx, sock.UserID, frame.MessageID)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.broadcastMutation(sock, result)
}

func (r *Router) handleReplay(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	limit := frame.Limit
	var lastMessageID string
	if frame.LastMessageID != nil {
		lastMessageID = *frame.LastMessageID
	}
	result, aerr := r.replay.Replay(ctx, sock.UserID, lastMessageID, limit)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.send(sock, result.Complete)
	for _, n := range result.SenderUpdates {
		r.out.SendToUser(n.UserID, n.Frame, "")
	}
}

func (r *Router) handleTyping(sock *store.SocketState, frame protocol.InboundFrame, outType string) {
	if frame.RoomID == "" {
		return
	}
	if !r.typing.Allow(sock.UserID, frame.RoomID, timeNow(), r.typingWindow, r.typingMaxEvents) {
		return // silent drop, per the typing limiter's design
	}
	out := protocol.New(outType, map[string]interface{}{"roomId": frame.RoomID, "userId": sock.UserID})
	info, aerr := r.rooms.Info(frame.RoomID)
	if aerr != nil {
		return
	}
	for memberID := range info.Members {
		if memberID == sock.UserID {
			continue
		}
		r.out.SendToUser(memberID, out, "")
	}
}

// confirmResult is the minimal shape handleConfirm needs, independent of
// whether the target message was direct or a room per-recipient row.
type confirmResult struct {
	ClientAck          protocol.OutboundFrame
	SenderNotification protocol.OutboundFrame
	SenderStateUpdate  protocol.OutboundFrame
	SenderID           string
	RoomID             string
	RoomMessageID      string
}

func (r *Router) confirmDispatch(ctx context.Context, userID, messageID string, isRead bool) (confirmResult, *apperr.AppError) {
	if isRead {
		res, aerr := r.lifecycle.ConfirmRead(ctx, userID, messageID)
		if aerr != nil {
			return confirmResult{}, aerr
		}
		return confirmResult{ClientAck: res.ClientAck, SenderNotification: res.SenderNotification, SenderStateUpdate: res.SenderStateUpdate, SenderID: res.SenderID}, nil
	}
	res, aerr := r.lifecycle.ConfirmDelivered(ctx, userID, messageID)
	if aerr != nil {
		return confirmResult{}, aerr
	}
	return confirmResult{
		ClientAck:          res.ClientAck,
		SenderNotification: res.SenderNotification,
		SenderStateUpdate:  res.SenderStateUpdate,
		SenderID:           res.SenderID,
		RoomID:             res.RoomID,
		RoomMessageID:      res.RoomMessageID,
	}, nil
}
