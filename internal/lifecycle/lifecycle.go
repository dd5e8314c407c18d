// Package lifecycle implements the message lifecycle service: the only
// writer of message records for the direct-message path. It owns accept,
// persist+ACK, delivered/read confirmation, and edit/delete.
package lifecycle

import (
	"context"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/db"
	"github.com/streamspace/relaycore/internal/events"
	"github.com/streamspace/relaycore/internal/idgen"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/store"
)

// Service is the message lifecycle service.
type Service struct {
	adapter       db.Adapter
	messages      *store.MessageStore
	deliveries    *store.DeliveryStore
	maxContentLen int
	sanitizer     *bluemonday.Policy
	events        *events.Publisher
}

func NewService(adapter db.Adapter, messages *store.MessageStore, deliveries *store.DeliveryStore, maxContentLen int, pub *events.Publisher) *Service {
	return &Service{
		adapter:       adapter,
		messages:      messages,
		deliveries:    deliveries,
		maxContentLen: maxContentLen,
		sanitizer:     bluemonday.StrictPolicy(),
		events:        pub,
	}
}

// AcceptResult is what Accept returns: either a fresh SENDING message or a
// cached duplicate.
type AcceptResult struct {
	Message   *models.Message
	Duplicate bool
}

// Accept validates and dedupes an incoming direct-message send. It never
// persists or ACKs; PersistAndAck does that.
func (s *Service) Accept(senderID, recipientID, content, clientMessageID string) (AcceptResult, *apperr.AppError) {
	if senderID == "" || recipientID == "" {
		return AcceptResult{}, apperr.ValidationError("senderId and recipientId are required")
	}
	if len(content) > s.maxContentLen {
		return AcceptResult{}, apperr.ContentTooLong()
	}

	if existingID, ok := s.messages.LookupDirect(senderID, clientMessageID); ok {
		if cached, ok := s.messages.Get(existingID); ok {
			return AcceptResult{Message: cached, Duplicate: true}, nil
		}
	}

	clean := s.sanitizer.Sanitize(content)
	msg := &models.Message{
		MessageID:       idgen.MessageID(),
		SenderID:        senderID,
		RecipientID:     recipientID,
		Content:         clean,
		Timestamp:       time.Now(),
		State:           models.MessageSending,
		ClientMessageID: clientMessageID,
		MessageType:     models.MessageTypeDirect,
	}
	s.messages.Put(msg)
	s.messages.PutDirectIdempotency(senderID, clientMessageID, msg.MessageID)
	if s.events != nil {
		s.events.MessageCreated(msg.MessageID, senderID, models.DirectChatID(senderID, recipientID))
	}
	return AcceptResult{Message: msg}, nil
}

// PersistResult is the SENT ACK payload returned by PersistAndAck.
type PersistResult struct {
	MessageID       string
	ClientMessageID string
	State           models.MessageState
	Timestamp       time.Time
	Duplicate       bool
}

// PersistAndAck performs the strict persist -> delivery-record -> transition
// -> self-delivery-check -> ACK order. Idempotent: if the cached state is
// already >= SENT, returns a duplicate ACK without writing again.
func (s *Service) PersistAndAck(ctx context.Context, msg *models.Message) (PersistResult, *apperr.AppError) {
	if cached, ok := s.messages.Get(msg.MessageID); ok && models.Rank(cached.State) >= models.Rank(models.MessageSent) {
		return PersistResult{
			MessageID: cached.MessageID, ClientMessageID: cached.ClientMessageID,
			State: cached.State, Timestamp: cached.Timestamp, Duplicate: true,
		}, nil
	}

	chatID := models.DirectChatID(msg.SenderID, msg.RecipientID)
	row := db.MessageRow{
		MessageID: msg.MessageID, ChatID: chatID, SenderID: msg.SenderID,
		RecipientID: msg.RecipientID, Content: msg.Content, MessageType: string(msg.MessageType),
		State: string(models.MessageSending), ClientMessageID: msg.ClientMessageID, CreatedAt: msg.Timestamp,
	}
	if err := s.adapter.InsertMessage(ctx, row); err != nil {
		if err == db.ErrDuplicate {
			return s.reconcileDuplicate(ctx, msg)
		}
		return PersistResult{}, apperr.PersistenceError(err)
	}

	if err := s.adapter.InsertDelivery(ctx, db.DeliveryRow{
		MessageID: msg.MessageID, RecipientID: msg.RecipientID, State: string(models.DeliveryPersisted),
	}); err != nil {
		return PersistResult{}, apperr.PersistenceError(err)
	}
	s.deliveries.Set(msg.MessageID, msg.RecipientID, models.DeliveryPersisted)

	if err := s.adapter.UpdateMessageState(ctx, msg.MessageID, string(models.MessageSending), string(models.MessageSent)); err != nil {
		return PersistResult{}, apperr.PersistenceError(err)
	}
	s.messages.TransitionState(msg.MessageID, models.MessageSent)

	if msg.RecipientID == msg.SenderID {
		if _, err := s.adapter.MarkDelivered(ctx, msg.MessageID, msg.RecipientID, time.Now()); err != nil {
			return PersistResult{}, apperr.PersistenceError(err)
		}
		s.deliveries.Set(msg.MessageID, msg.RecipientID, models.DeliveryDelivered)
	}

	if s.events != nil {
		s.events.MessageSent(msg.MessageID)
	}
	logger.Lifecycle().Info().Str("messageId", msg.MessageID).Msg("message persisted and acked")

	return PersistResult{MessageID: msg.MessageID, ClientMessageID: msg.ClientMessageID, State: models.MessageSent, Timestamp: msg.Timestamp}, nil
}

// reconcileDuplicate handles a unique-index collision on insert: another
// concurrent request for the same (chatId, senderId, clientMessageId) won
// the race. msg.MessageID is this (losing) candidate's freshly generated
// id, which was never inserted, so the winner must be resolved by the
// idempotency key instead. Re-read the winning row and return its state as
// a duplicate ACK.
func (s *Service) reconcileDuplicate(ctx context.Context, msg *models.Message) (PersistResult, *apperr.AppError) {
	chatID := models.DirectChatID(msg.SenderID, msg.RecipientID)
	row, err := s.adapter.GetMessageByClientID(ctx, chatID, msg.SenderID, msg.ClientMessageID)
	if err != nil {
		return PersistResult{}, apperr.PersistenceError(err)
	}
	return PersistResult{
		MessageID: row.MessageID, ClientMessageID: row.ClientMessageID,
		State: models.MessageState(row.State), Timestamp: row.CreatedAt, Duplicate: true,
	}, nil
}

// MarkFailedBackpressure forces a persisted message into FAILED_BACKPRESSURE
// after an outbound send to recipientID was dropped by the per-socket
// backpressure queue. FAILED_BACKPRESSURE sits outside the ordinary
// SENDING->SENT->DELIVERED->READ lattice, so this bypasses CanTransition
// directly; it only declines to clobber a delivery that already completed
// before the queue drained.
func (s *Service) MarkFailedBackpressure(ctx context.Context, messageID, recipientID string) *apperr.AppError {
	row, err := s.adapter.GetMessage(ctx, messageID)
	if err != nil {
		return apperr.PersistenceError(err)
	}
	current := models.MessageState(row.State)
	if models.Rank(current) >= models.Rank(models.MessageDelivered) {
		return nil
	}

	if err := s.adapter.UpdateMessageState(ctx, messageID, string(current), string(models.MessageFailedBack)); err != nil {
		return apperr.PersistenceError(err)
	}
	if cached, ok := s.messages.Get(messageID); ok {
		cached.State = models.MessageFailedBack
		s.messages.Put(cached)
	}
	if s.events != nil {
		s.events.MessageFailed(messageID, "backpressure")
	}
	logger.Lifecycle().Warn().Str("messageId", messageID).Str("recipientId", recipientID).
		Msg("message failed under recipient backpressure")
	return nil
}
