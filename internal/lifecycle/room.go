package lifecycle

import (
	"context"
	"time"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/db"
	"github.com/streamspace/relaycore/internal/idgen"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/store"
)

// RoomAcceptResult is what AcceptRoom returns: either a fresh canonical
// SENDING room message or a cached duplicate accept.
type RoomAcceptResult struct {
	RoomMessageID string
	Content       string
	Duplicate     bool
}

// AcceptRoom validates and dedupes an incoming ROOM_MESSAGE send against the
// canonical room chat, independent of the member list fan-out computes.
func (s *Service) AcceptRoom(senderID, roomID, content, clientMessageID string) (RoomAcceptResult, *apperr.AppError) {
	if senderID == "" || roomID == "" {
		return RoomAcceptResult{}, apperr.ValidationError("senderId and roomId are required")
	}
	if len(content) > s.maxContentLen {
		return RoomAcceptResult{}, apperr.ContentTooLong()
	}
	if rec, ok := s.messages.LookupRoom(senderID, roomID, clientMessageID); ok {
		if cached, ok := s.messages.Get(rec.RoomMessageID); ok {
			return RoomAcceptResult{RoomMessageID: rec.RoomMessageID, Content: cached.Content, Duplicate: true}, nil
		}
	}
	return RoomAcceptResult{RoomMessageID: idgen.MessageID(), Content: s.sanitizer.Sanitize(content)}, nil
}

// RoomPersistResult is the per-room-message ACK payload, plus the
// per-recipient message IDs fan-out uses to address individual delivery
// records.
type RoomPersistResult struct {
	RoomMessageID         string
	PerRecipientMessageID map[string]string
	Timestamp             time.Time
	Duplicate             bool
}

// PersistRoomMessage performs the room path's two-call persistence: one
// canonical row keyed by the room, and one per-recipient row carrying
// messageId = rm_<roomMessageId>_<memberId>, each with its own delivery
// record. The router passes the room's members minus the sender, so no row
// is written for the sender; if senderID does appear in recipientIDs, that
// row is marked delivered immediately.
func (s *Service) PersistRoomMessage(ctx context.Context, senderID, roomID, content, clientMessageID, roomMessageID string, recipientIDs []string) (RoomPersistResult, *apperr.AppError) {
	if rec, ok := s.messages.LookupRoom(senderID, roomID, clientMessageID); ok && rec.RoomMessageID == roomMessageID {
		return RoomPersistResult{RoomMessageID: rec.RoomMessageID, PerRecipientMessageID: rec.PerRecipientMessageID, Duplicate: true}, nil
	}

	now := time.Now()
	chatID := models.RoomChatID(roomID)
	canonical := db.MessageRow{
		MessageID: roomMessageID, ChatID: chatID, SenderID: senderID, RoomID: roomID,
		Content: content, MessageType: string(models.MessageTypeRoom),
		State: string(models.MessageSent), ClientMessageID: clientMessageID, CreatedAt: now,
	}
	if err := s.adapter.InsertMessage(ctx, canonical); err != nil && err != db.ErrDuplicate {
		return RoomPersistResult{}, apperr.PersistenceError(err)
	}
	s.messages.Put(&models.Message{
		MessageID: roomMessageID, SenderID: senderID, RoomID: roomID, RoomMessageID: roomMessageID,
		Content: content, Timestamp: now, State: models.MessageSent,
		ClientMessageID: clientMessageID, MessageType: models.MessageTypeRoom,
	})

	perRecipient := make(map[string]string, len(recipientIDs))
	for _, recipientID := range recipientIDs {
		recipientMessageID := models.RoomRecipientMessageID(roomMessageID, recipientID)
		perRecipient[recipientID] = recipientMessageID

		row := db.MessageRow{
			MessageID: recipientMessageID, ChatID: chatID, SenderID: senderID,
			RecipientID: recipientID, RoomID: roomID, RoomMessageID: roomMessageID,
			Content: content, MessageType: string(models.MessageTypeRoom),
			State: string(models.MessageSent), CreatedAt: now,
		}
		if err := s.adapter.InsertMessage(ctx, row); err != nil && err != db.ErrDuplicate {
			logger.Lifecycle().Error().Err(err).Str("recipientId", recipientID).Msg("failed to persist per-recipient room message")
			continue
		}
		if err := s.adapter.InsertDelivery(ctx, db.DeliveryRow{
			MessageID: recipientMessageID, RecipientID: recipientID, State: string(models.DeliveryPersisted),
		}); err != nil {
			logger.Lifecycle().Error().Err(err).Str("recipientId", recipientID).Msg("failed to insert room delivery record")
			continue
		}
		s.deliveries.Set(recipientMessageID, recipientID, models.DeliveryPersisted)

		if recipientID == senderID {
			if _, err := s.adapter.MarkDelivered(ctx, recipientMessageID, recipientID, now); err == nil {
				s.deliveries.Set(recipientMessageID, recipientID, models.DeliveryDelivered)
			}
		}
	}

	s.messages.PutRoomIdempotency(senderID, roomID, clientMessageID, store.RoomIdempotent{
		RoomMessageID: roomMessageID, PerRecipientMessageID: perRecipient,
	})
	if s.events != nil {
		s.events.MessageCreated(roomMessageID, senderID, chatID)
		s.events.MessageSent(roomMessageID)
	}
	logger.Lifecycle().Info().Str("roomMessageId", roomMessageID).Str("roomId", roomID).Int("recipients", len(recipientIDs)).Msg("room message persisted")

	return RoomPersistResult{RoomMessageID: roomMessageID, PerRecipientMessageID: perRecipient, Timestamp: now}, nil
}
