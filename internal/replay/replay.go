// Package replay implements the crash-safe replay engine invoked on
// MESSAGE_REPLAY and RESUME: a read-mostly pass over undelivered messages
// with a dual idempotency guard (DB-authoritative, then memory-advisory)
// that never persists new messages and never mutates content.
package replay

import (
	"context"
	"time"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/db"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/store"
)

// Limits bounds one replay invocation.
type Limits struct {
	DefaultLimit int
	MaxLimit     int
	SoftTimeout  time.Duration
}

// RoomMembership resolves a room's members other than the sender, used to
// size a room message's delivery aggregate encountered during replay.
type RoomMembership interface {
	RecipientsExcludingSender(roomID, senderID string) []string
}

// Service is the replay engine.
type Service struct {
	adapter    db.Adapter
	messages   *store.MessageStore
	deliveries *store.DeliveryStore
	aggs       *store.AggregateStore
	rooms      RoomMembership
	limits     Limits
}

func NewService(adapter db.Adapter, messages *store.MessageStore, deliveries *store.DeliveryStore, aggs *store.AggregateStore, rooms RoomMembership, limits Limits) *Service {
	return &Service{adapter: adapter, messages: messages, deliveries: deliveries, aggs: aggs, rooms: rooms, limits: limits}
}

// Result is the payload Replay returns: the fully-built MESSAGE_REPLAY_COMPLETE
// frame for the requesting socket, plus, for each delivered direct message, a
// MESSAGE_STATE_UPDATE addressed to its sender, and for each room message that
// just completed, a ROOM_DELIVERY_UPDATE addressed to its sender.
type Result struct {
	Complete      protocol.OutboundFrame
	SenderUpdates []SenderNotification
	TimedOut      bool
}

// SenderNotification is a frame to deliver to someone other than the
// requesting user as a side effect of replay.
type SenderNotification struct {
	UserID string
	Frame  protocol.OutboundFrame
}

// Replay runs the bounded undelivered-message scan for userID, starting
// strictly after lastMessageID (empty means from the beginning), capped at
// limit (0 uses the configured default).
func (s *Service) Replay(ctx context.Context, userID, lastMessageID string, limit int) (Result, *apperr.AppError) {
	if lastMessageID != "" {
		exists, err := s.adapter.MessageExists(ctx, lastMessageID)
		if err != nil {
			return Result{}, apperr.PersistenceError(err)
		}
		if !exists {
			return Result{}, apperr.InvalidLastMessageID()
		}
	}
	if limit <= 0 {
		limit = s.limits.DefaultLimit
	}
	if limit > s.limits.MaxLimit {
		limit = s.limits.MaxLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.limits.SoftTimeout)
	defer cancel()

	candidates, err := s.adapter.ListUndeliveredAfter(ctx, userID, lastMessageID, limit)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Complete: completeFrame(nil, lastMessageID), TimedOut: true}, nil
		}
		return Result{}, apperr.PersistenceError(err)
	}

	var delivered []map[string]interface{}
	var notifications []SenderNotification
	lastSeen := lastMessageID

	for _, row := range candidates {
		if ctx.Err() != nil {
			return Result{Complete: completeFrame(delivered, lastSeen), TimedOut: true}, nil
		}
		lastSeen = row.MessageID

		alreadyDB, err := s.dbAlreadyDelivered(ctx, row)
		if err != nil {
			return Result{}, apperr.PersistenceError(err)
		}
		if alreadyDB {
			continue
		}
		if s.cacheAlreadyDelivered(row) {
			continue
		}

		now := time.Now()
		if err := s.adapter.UpdateMessageState(ctx, row.MessageID, row.State, string(models.MessageDelivered)); err != nil {
			return Result{}, apperr.PersistenceError(err)
		}
		if _, err := s.adapter.MarkDelivered(ctx, row.MessageID, userID, now); err != nil {
			return Result{}, apperr.PersistenceError(err)
		}
		s.messages.TransitionState(row.MessageID, models.MessageDelivered)
		s.deliveries.Set(row.MessageID, userID, models.DeliveryDelivered)

		delivered = append(delivered, map[string]interface{}{
			"messageId": row.MessageID,
			"senderId":  row.SenderID,
			"content":   row.Content,
			"type":      row.MessageType,
		})

		if row.MessageType == string(models.MessageTypeDirect) {
			notifications = append(notifications, SenderNotification{
				UserID: row.SenderID,
				Frame: protocol.New(protocol.OutMessageStateUpdate, map[string]interface{}{
					"messageId": row.MessageID, "state": string(models.MessageDelivered),
				}),
			})
			continue
		}

		// Room message: update/hydrate the aggregate, notify the sender if
		// this recipient completes it.
		total := s.roomTotalRecipients(row)
		justCompleted := s.aggs.MarkDelivered(row.RoomMessageID, userID, total)
		if !justCompleted {
			continue
		}
		if agg, ok := s.hydrateIfCold(ctx, row, total); ok && !agg.Complete() {
			continue
		}
		notifications = append(notifications, SenderNotification{
			UserID: row.SenderID,
			Frame: protocol.New(protocol.OutRoomDeliveryUpdate, map[string]interface{}{
				"roomId": row.RoomID, "roomMessageId": row.RoomMessageID, "status": "COMPLETE",
			}),
		})
	}

	logger.Replay().Info().Str("userId", userID).Int("delivered", len(delivered)).Msg("replay pass complete")
	return Result{Complete: completeFrame(delivered, lastSeen), SenderUpdates: notifications}, nil
}

// dbAlreadyDelivered is the crash-safe, authoritative guard: a DB delivery
// row already at DELIVERED or READ means a prior replay (possibly on
// another node, before a crash) already handled this message.
func (s *Service) dbAlreadyDelivered(ctx context.Context, row db.MessageRow) (bool, error) {
	d, err := s.adapter.GetDelivery(ctx, row.MessageID, recipientOf(row))
	if err == db.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.State == string(models.DeliveryDelivered) || d.State == string(models.DeliveryRead), nil
}

// cacheAlreadyDelivered is the advisory, second-line guard against the
// in-memory cache.
func (s *Service) cacheAlreadyDelivered(row db.MessageRow) bool {
	state, ok := s.deliveries.Get(row.MessageID, recipientOf(row))
	if !ok {
		return false
	}
	return state == models.DeliveryDelivered || state == models.DeliveryRead
}

func recipientOf(row db.MessageRow) string {
	return row.RecipientID
}

func (s *Service) roomTotalRecipients(row db.MessageRow) int {
	if s.rooms == nil {
		return 0
	}
	return len(s.rooms.RecipientsExcludingSender(row.RoomID, row.SenderID))
}

// hydrateIfCold re-seeds the aggregate from the DB's delivered-recipient set
// when the in-memory cache was cold (e.g. after a process restart), so a
// just-completed check isn't based on a partial view.
func (s *Service) hydrateIfCold(ctx context.Context, row db.MessageRow, total int) (*models.RoomDeliveryAggregate, bool) {
	deliveredIDs, err := s.adapter.DeliveredRecipients(ctx, row.RoomMessageID)
	if err != nil {
		return nil, false
	}
	return s.aggs.Hydrate(row.RoomMessageID, total, deliveredIDs), true
}

func completeFrame(delivered []map[string]interface{}, lastMessageID string) protocol.OutboundFrame {
	return protocol.New(protocol.OutMessageReplayComplete, map[string]interface{}{
		"messages":       delivered,
		"messageCount":   len(delivered),
		"lastMessageId":  lastMessageID,
		"requestedAfter": lastMessageID,
	})
}
