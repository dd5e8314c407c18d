package delivery

import (
	"context"
	"sort"
	"time"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/protocol"
)

// SendRoomMessage validates membership, persists via the lifecycle service's
// room path, and fans the ROOM_MESSAGE payload out to every recipient's live
// sockets except the sender's own origin socket.
func (s *Service) SendRoomMessage(ctx context.Context, senderID, originConnectionID, roomID, content, clientMessageID string) *apperr.AppError {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return apperr.RoomNotFound(roomID)
	}
	senderRole, isMember := room.Members[senderID]
	if !isMember {
		return apperr.NotAMember(roomID)
	}
	if !allowed(senderRole, actionSendMessage) {
		return apperr.Forbidden("insufficient role to send in this room")
	}

	accepted, aerr := s.lifecycle.AcceptRoom(senderID, roomID, content, clientMessageID)
	if aerr != nil {
		return aerr
	}

	recipients := recipientsExcluding(room, senderID)
	result, aerr := s.lifecycle.PersistRoomMessage(ctx, senderID, roomID, accepted.Content, clientMessageID, accepted.RoomMessageID, recipients)
	if aerr != nil {
		return aerr
	}

	s.aggs.GetOrCreate(result.RoomMessageID, len(recipients))

	timestamp := result.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	for _, recipientID := range recipients {
		recipientMessageID := result.PerRecipientMessageID[recipientID]
		frame := protocol.New(protocol.OutRoomMessage, map[string]interface{}{
			"roomId":        roomID,
			"roomMessageId": result.RoomMessageID,
			"messageId":     recipientMessageID,
			"senderId":      senderID,
			"content":       accepted.Content,
		})
		frame.Timestamp = &timestamp
		s.sender.SendToUserNotifyFailure(recipientID, frame, originConnectionID, func() {
			s.onDeliveryBackpressureFailure(ctx, senderID, recipientID, recipientMessageID)
		})
	}

	logger.Delivery().Info().Str("roomId", roomID).Str("roomMessageId", result.RoomMessageID).
		Int("recipients", len(recipients)).Bool("duplicate", result.Duplicate).Msg("room message fanned out")
	return nil
}

// onDeliveryBackpressureFailure records a FAILED_BACKPRESSURE transition for
// a per-recipient room message that a recipient's socket dropped under
// backpressure, and NACKs the original sender with RECIPIENT_BUFFER_FULL.
func (s *Service) onDeliveryBackpressureFailure(ctx context.Context, senderID, recipientID, recipientMessageID string) {
	if aerr := s.lifecycle.MarkFailedBackpressure(ctx, recipientMessageID, recipientID); aerr != nil {
		logger.Delivery().Warn().Err(aerr).Str("messageId", recipientMessageID).
			Msg("failed to record FAILED_BACKPRESSURE transition")
	}
	s.sender.SendToUser(senderID, protocol.NackFrame("", apperr.RecipientBufferFull(recipientMessageID)), "")
}

// ConfirmRoomDelivered records a recipient's DELIVERED confirmation against
// the room delivery aggregate and, when every recipient has now confirmed,
// notifies the sender via ROOM_DELIVERY_UPDATE. The caller (the router) has
// already driven the per-recipient state transition through the lifecycle
// service's shared confirm path; this only owns the aggregate bookkeeping
// that transition implies for room messages.
func (s *Service) ConfirmRoomDelivered(ctx context.Context, senderID, roomID, roomMessageID, recipientUserID string) *apperr.AppError {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return apperr.RoomNotFound(roomID)
	}
	if _, isMember := room.Members[recipientUserID]; !isMember {
		return apperr.NotAMember(roomID)
	}

	totalRecipients := len(recipientsExcluding(room, senderID))
	justCompleted := s.aggs.MarkDelivered(roomMessageID, recipientUserID, totalRecipients)
	if justCompleted {
		frame := protocol.New(protocol.OutRoomDeliveryUpdate, map[string]interface{}{
			"roomId": roomID, "roomMessageId": roomMessageID, "status": "COMPLETE",
		})
		s.sender.SendToUser(senderID, frame, "")
	}
	return nil
}

// RecipientsExcludingSender implements replay.RoomMembership: it resolves a
// room's current member set minus the sender, for hydrating a cold delivery
// aggregate encountered mid-replay.
func (s *Service) RecipientsExcludingSender(roomID, senderID string) []string {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil
	}
	return recipientsExcluding(room, senderID)
}

func recipientsExcluding(room *models.Room, senderID string) []string {
	out := make([]string, 0, len(room.Members))
	for userID := range room.Members {
		if userID != senderID {
			out = append(out, userID)
		}
	}
	sort.Strings(out)
	return out
}
