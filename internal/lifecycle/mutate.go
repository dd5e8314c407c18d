package lifecycle

import (
	"context"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/protocol"
)

// MutationResult is the broadcast-plus-ack pair edit/delete produce.
type MutationResult struct {
	Mutation protocol.OutboundFrame
	Ack      protocol.OutboundFrame
	SenderID string
	RecipientID string
	RoomID   string
}

// Edit rewrites message content. Only the sender may mutate.
func (s *Service) Edit(ctx context.Context, userID, messageID, newContent string) (MutationResult, *apperr.AppError) {
	return s.mutate(ctx, userID, messageID, func(ctx context.Context) error {
		clean := s.sanitizer.Sanitize(newContent)
		return s.adapter.EditMessageContent(ctx, messageID, clean)
	}, "edited")
}

// Delete soft-deletes a message. Only the sender may mutate.
func (s *Service) Delete(ctx context.Context, userID, messageID string) (MutationResult, *apperr.AppError) {
	return s.mutate(ctx, userID, messageID, func(ctx context.Context) error {
		return s.adapter.SoftDeleteMessage(ctx, messageID)
	}, "deleted")
}

func (s *Service) mutate(ctx context.Context, userID, messageID string, apply func(context.Context) error, action string) (MutationResult, *apperr.AppError) {
	row, err := s.adapter.GetMessage(ctx, messageID)
	if err != nil {
		return MutationResult{}, apperr.MessageNotFound(messageID)
	}
	if row.SenderID != userID {
		return MutationResult{}, apperr.Forbidden("only the sender may mutate this message")
	}
	if err := apply(ctx); err != nil {
		return MutationResult{}, apperr.PersistenceError(err)
	}

	mutation := protocol.New(protocol.OutMessageMutation, map[string]interface{}{
		"messageId": messageID,
		"action":    action,
	})
	ack := protocol.New(protocol.OutMessageMutationAck, map[string]interface{}{
		"messageId": messageID,
		"action":    action,
	})
	return MutationResult{Mutation: mutation, Ack: ack, SenderID: row.SenderID, RecipientID: row.RecipientID, RoomID: row.RoomID}, nil
}
