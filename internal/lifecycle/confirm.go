package lifecycle

import (
	"context"
	"time"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/db"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/protocol"
)

// ConfirmResult bundles the four payloads a delivered/read confirmation
// produces: a recipient response, a sender notification, a sender state
// update, and a client ACK response.
type ConfirmResult struct {
	RecipientResponse protocol.OutboundFrame
	SenderNotification protocol.OutboundFrame
	SenderStateUpdate protocol.OutboundFrame
	ClientAck         protocol.OutboundFrame
	AlreadyInState    bool
	SenderID          string
	RoomID            string
	RoomMessageID     string
}

// ConfirmDelivered re-reads the DB row (authoritative), enforces
// recipientId == userId, validates the transition, then writes the message
// state and the delivery marker as two separate adapter calls; they do not
// share a transaction, so a failure between them leaves the state written
// without the marker. Idempotent.
func (s *Service) ConfirmDelivered(ctx context.Context, userID, messageID string) (ConfirmResult, *apperr.AppError) {
	return s.confirm(ctx, userID, messageID, models.MessageDelivered)
}

// ConfirmRead re-reads and transitions to READ. Room messages reject READ
// explicitly (not supported).
func (s *Service) ConfirmRead(ctx context.Context, userID, messageID string) (ConfirmResult, *apperr.AppError) {
	return s.confirm(ctx, userID, messageID, models.MessageRead)
}

func (s *Service) confirm(ctx context.Context, userID, messageID string, target models.MessageState) (ConfirmResult, *apperr.AppError) {
	row, err := s.adapter.GetMessage(ctx, messageID)
	if err != nil {
		return ConfirmResult{}, apperr.MessageNotFound(messageID)
	}
	if row.RecipientID != userID {
		return ConfirmResult{}, apperr.Forbidden("recipientId does not match caller")
	}
	if row.MessageType == string(models.MessageTypeRoom) && target == models.MessageRead {
		return ConfirmResult{}, apperr.RoomReadNotSupported()
	}

	current := models.MessageState(row.State)
	if models.Rank(current) >= models.Rank(target) {
		return s.buildConfirmResult(row, target, true), nil
	}
	if !models.CanTransition(current, target) {
		return ConfirmResult{}, apperr.InvalidTransition(string(current), string(target))
	}

	now := time.Now()
	if err := s.adapter.UpdateMessageState(ctx, messageID, string(current), string(target)); err != nil {
		return ConfirmResult{}, apperr.PersistenceError(err)
	}
	s.messages.TransitionState(messageID, target)

	if target == models.MessageDelivered {
		_, err = s.adapter.MarkDelivered(ctx, messageID, userID, now)
	} else {
		_, err = s.adapter.MarkRead(ctx, messageID, userID, now)
	}
	if err != nil {
		return ConfirmResult{}, apperr.PersistenceError(err)
	}
	deliveryState := models.DeliveryDelivered
	if target == models.MessageRead {
		deliveryState = models.DeliveryRead
	}
	s.deliveries.Set(messageID, userID, deliveryState)

	if target == models.MessageDelivered && s.events != nil {
		s.events.MessageDelivered(messageID, userID)
	}

	row.State = string(target)
	return s.buildConfirmResult(row, target, false), nil
}

func (s *Service) buildConfirmResult(row db.MessageRow, target models.MessageState, already bool) ConfirmResult {
	now := time.Now()
	stateEvent := protocol.New(protocol.OutMessageStateUpdate, map[string]interface{}{
		"messageId":       row.MessageID,
		"state":           string(target),
		"alreadyInState":  already,
	})
	recipientType := protocol.OutMessageRead
	if target == models.MessageDelivered {
		recipientType = protocol.OutDeliveryStatus
	}
	recipientResponse := protocol.New(recipientType, map[string]interface{}{
		"messageId":      row.MessageID,
		"status":         string(target),
		"alreadyInState": already,
	})
	senderNotification := protocol.New(recipientType, map[string]interface{}{
		"messageId":      row.MessageID,
		"status":         string(target),
		"recipientId":    row.RecipientID,
		"alreadyInState": already,
	})
	clientAck := protocol.New(protocol.OutMessageAck, map[string]interface{}{
		"messageId":      row.MessageID,
		"state":          string(target),
		"alreadyInState": already,
	})
	clientAck.Timestamp = &now

	return ConfirmResult{
		RecipientResponse:  recipientResponse,
		SenderNotification: senderNotification,
		SenderStateUpdate:  stateEvent,
		ClientAck:          clientAck,
		AlreadyInState:     already,
		SenderID:           row.SenderID,
		RoomID:             row.RoomID,
		RoomMessageID:      row.RoomMessageID,
	}
}
