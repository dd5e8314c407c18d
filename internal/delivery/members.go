package delivery

import (
	"context"
	"time"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/db"
	"github.com/streamspace/relaycore/internal/models"
)

// AddMembers enforces OWNER/ADMIN and capacity limits, adding each userID as
// a MEMBER. Already-present users are skipped (idempotent).
func (s *Service) AddMembers(ctx context.Context, actorID, roomID string, userIDs []string) (*models.Room, *apperr.AppError) {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, apperr.RoomNotFound(roomID)
	}
	actorRole, ok := room.Members[actorID]
	if !ok || !allowed(actorRole, actionAddMembers) {
		return nil, apperr.Forbidden("insufficient role to add members")
	}

	now := time.Now()
	added := 0
	for _, userID := range userIDs {
		if _, already := room.Members[userID]; already {
			continue
		}
		if len(room.Members)+added >= s.limits.MaxMembersPerRoom {
			return nil, apperr.RoomFull(roomID)
		}
		if s.rooms.CountForUser(userID) >= s.limits.MaxRoomsPerUser {
			return nil, apperr.TooManyRooms()
		}
		if err := s.adapter.UpsertMember(ctx, db.RoomMemberRow{RoomID: roomID, UserID: userID, Role: string(models.RoleMember), JoinedAt: now}); err != nil {
			return nil, apperr.PersistenceError(err)
		}
		added++
	}
	if added == 0 {
		return room, nil
	}
	version, err := s.adapter.BumpRoomVersion(ctx, roomID, now)
	if err != nil {
		return nil, apperr.PersistenceError(err)
	}
	s.rooms.Mutate(roomID, func(r *models.Room) {
		for _, userID := range userIDs {
			if _, already := r.Members[userID]; already {
				continue
			}
			r.Members[userID] = models.RoleMember
			r.JoinedAt[userID] = now
		}
		r.Version = version
		r.UpdatedAt = now
	})
	updated, _ := s.rooms.Get(roomID)
	s.broadcastMembersUpdated(updated, "")
	return updated, nil
}
