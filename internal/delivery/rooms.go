// Package delivery implements the room registry, RBAC-gated room
// mutations, and room message fan-out: the only writer of room membership
// and the sole consumer of the message lifecycle service's room-message
// persistence calls.
package delivery

import (
	"context"
	"sort"
	"time"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/db"
	"github.com/streamspace/relaycore/internal/events"
	"github.com/streamspace/relaycore/internal/idgen"
	"github.com/streamspace/relaycore/internal/lifecycle"
	"github.com/streamspace/relaycore/internal/logger"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/store"
)

// Sender delivers an outbound frame to every live socket of userID except
// the socket identified by excludeConnectionID (pass "" to exclude none).
type Sender interface {
	SendToUser(userID string, frame protocol.OutboundFrame, excludeConnectionID string)
	// SendToUserNotifyFailure behaves like SendToUser but invokes onFailure
	// once per socket whose send is dropped under backpressure.
	SendToUserNotifyFailure(userID string, frame protocol.OutboundFrame, excludeConnectionID string, onFailure func())
}

// Limits bounds room capacity.
type Limits struct {
	MaxMembersPerRoom int
	MaxRoomsPerUser   int
	AutoJoinOnCreate  bool
}

// Service is the room registry, RBAC, and fan-out service.
type Service struct {
	adapter   db.Adapter
	rooms     *store.RoomStore
	aggs      *store.AggregateStore
	lifecycle *lifecycle.Service
	sender    Sender
	events    *events.Publisher
	limits    Limits
}

func NewService(adapter db.Adapter, rooms *store.RoomStore, aggs *store.AggregateStore, lc *lifecycle.Service, sender Sender, pub *events.Publisher, limits Limits) *Service {
	return &Service{adapter: adapter, rooms: rooms, aggs: aggs, lifecycle: lc, sender: sender, events: pub, limits: limits}
}

// CreateRoom assigns the creator role OWNER and records join timestamp.
func (s *Service) CreateRoom(ctx context.Context, creatorID, name, thumbnailURL string) (*models.Room, *apperr.AppError) {
	if s.rooms.CountForUser(creatorID) >= s.limits.MaxRoomsPerUser {
		return nil, apperr.TooManyRooms()
	}
	now := time.Now()
	roomID := idgen.MessageID()
	row := db.RoomRow{RoomID: roomID, Name: name, ThumbnailURL: thumbnailURL, CreatedBy: creatorID, CreatedAt: now}
	if err := s.adapter.CreateRoom(ctx, row); err != nil {
		return nil, apperr.PersistenceError(err)
	}
	if err := s.adapter.UpsertMember(ctx, db.RoomMemberRow{RoomID: roomID, UserID: creatorID, Role: string(models.RoleOwner), JoinedAt: now}); err != nil {
		return nil, apperr.PersistenceError(err)
	}
	room := &models.Room{
		RoomID: roomID, Name: name, ThumbnailURL: thumbnailURL, CreatedBy: creatorID,
		CreatedAt: now, UpdatedAt: now, Version: 1,
		Members:  map[string]models.Role{creatorID: models.RoleOwner},
		JoinedAt: map[string]time.Time{creatorID: now},
	}
	s.rooms.Put(room)
	logger.Delivery().Info().Str("roomId", roomID).Str("creator", creatorID).Msg("room created")
	return room.Clone(), nil
}

// Join adds userID as a MEMBER. Duplicate join is idempotent.
func (s *Service) Join(ctx context.Context, userID, roomID string) (*models.Room, *apperr.AppError) {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, apperr.RoomNotFound(roomID)
	}
	if _, already := room.Members[userID]; already {
		return room, nil
	}
	if len(room.Members) >= s.limits.MaxMembersPerRoom {
		return nil, apperr.RoomFull(roomID)
	}
	if s.rooms.CountForUser(userID) >= s.limits.MaxRoomsPerUser {
		return nil, apperr.TooManyRooms()
	}
	now := time.Now()
	if err := s.adapter.UpsertMember(ctx, db.RoomMemberRow{RoomID: roomID, UserID: userID, Role: string(models.RoleMember), JoinedAt: now}); err != nil {
		return nil, apperr.PersistenceError(err)
	}
	version, err := s.adapter.BumpRoomVersion(ctx, roomID, now)
	if err != nil {
		return nil, apperr.PersistenceError(err)
	}
	s.rooms.Mutate(roomID, func(r *models.Room) {
		r.Members[userID] = models.RoleMember
		r.JoinedAt[userID] = now
		r.Version = version
		r.UpdatedAt = now
	})
	updated, _ := s.rooms.Get(roomID)
	s.broadcastMembersUpdated(updated, "")
	return updated, nil
}

// Leave removes membership. If the leaver was OWNER, ownership transfers to
// the oldest ADMIN, else the oldest MEMBER, else the room is deleted.
func (s *Service) Leave(ctx context.Context, userID, roomID string) *apperr.AppError {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return apperr.RoomNotFound(roomID)
	}
	role, isMember := room.Members[userID]
	if !isMember {
		return apperr.NotAMember(roomID)
	}

	if role != models.RoleOwner {
		return s.removeMembership(ctx, roomID, userID)
	}

	successor := oldestWithRole(room, models.RoleAdmin, userID)
	if successor == "" {
		successor = oldestWithRole(room, models.RoleMember, userID)
	}
	if successor == "" {
		return s.deleteRoom(ctx, roomID)
	}

	now := time.Now()
	if err := s.adapter.RemoveMember(ctx, roomID, userID); err != nil {
		return apperr.PersistenceError(err)
	}
	if err := s.adapter.UpsertMember(ctx, db.RoomMemberRow{RoomID: roomID, UserID: successor, Role: string(models.RoleOwner), JoinedAt: room.JoinedAt[successor]}); err != nil {
		return apperr.PersistenceError(err)
	}
	version, err := s.adapter.BumpRoomVersion(ctx, roomID, now)
	if err != nil {
		return apperr.PersistenceError(err)
	}
	s.rooms.Mutate(roomID, func(r *models.Room) {
		delete(r.Members, userID)
		delete(r.JoinedAt, userID)
		r.Members[successor] = models.RoleOwner
		r.Version = version
		r.UpdatedAt = now
	})
	updated, _ := s.rooms.Get(roomID)
	s.broadcastMembersUpdated(updated, "")
	return nil
}

func (s *Service) removeMembership(ctx context.Context, roomID, userID string) *apperr.AppError {
	now := time.Now()
	if err := s.adapter.RemoveMember(ctx, roomID, userID); err != nil {
		return apperr.PersistenceError(err)
	}
	version, err := s.adapter.BumpRoomVersion(ctx, roomID, now)
	if err != nil {
		return apperr.PersistenceError(err)
	}
	s.rooms.Mutate(roomID, func(r *models.Room) {
		delete(r.Members, userID)
		delete(r.JoinedAt, userID)
		r.Version = version
		r.UpdatedAt = now
	})
	updated, _ := s.rooms.Get(roomID)
	s.broadcastMembersUpdated(updated, "")
	return nil
}

func (s *Service) deleteRoom(ctx context.Context, roomID string) *apperr.AppError {
	if err := s.adapter.DeleteRoom(ctx, roomID); err != nil {
		return apperr.PersistenceError(err)
	}
	room, _ := s.rooms.Get(roomID)
	s.rooms.Delete(roomID)
	if room != nil {
		frame := protocol.New(protocol.OutRoomDeleted, map[string]interface{}{"roomId": roomID})
		for memberID := range room.Members {
			s.sender.SendToUser(memberID, frame, "")
		}
	}
	logger.Delivery().Info().Str("roomId", roomID).Msg("room deleted (last owner left)")
	return nil
}

// RemoveMember enforces RBAC: OWNER/ADMIN can remove a MEMBER; only OWNER
// can remove an ADMIN. OWNER cannot be removed via this path.
func (s *Service) RemoveMember(ctx context.Context, actorID, roomID, targetID string) *apperr.AppError {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return apperr.RoomNotFound(roomID)
	}
	actorRole, ok := room.Members[actorID]
	if !ok {
		return apperr.NotAMember(roomID)
	}
	targetRole, ok := room.Members[targetID]
	if !ok {
		return apperr.NotAMember(roomID)
	}
	if targetRole == models.RoleOwner {
		return apperr.Forbidden("cannot remove the room owner")
	}
	required := actionRemoveMember
	if targetRole == models.RoleAdmin {
		required = actionRemoveAdmin
	}
	if !allowed(actorRole, required) {
		return apperr.Forbidden("insufficient role to remove this member")
	}
	return s.removeMembership(ctx, roomID, targetID)
}

// SetRole enforces: OWNER may set any non-OWNER role; ADMIN may change the
// role only of a MEMBER, to any non-OWNER role (including ADMIN).
// Promotion to OWNER is a separate, OWNER-only operation.
func (s *Service) SetRole(ctx context.Context, actorID, roomID, targetID string, newRole models.Role) *apperr.AppError {
	if newRole == models.RoleOwner {
		return s.PromoteToOwner(ctx, actorID, roomID, targetID)
	}
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return apperr.RoomNotFound(roomID)
	}
	actorRole, ok := room.Members[actorID]
	if !ok {
		return apperr.NotAMember(roomID)
	}
	targetRole, ok := room.Members[targetID]
	if !ok {
		return apperr.NotAMember(roomID)
	}
	if !allowed(actorRole, actionSetRole) {
		return apperr.Forbidden("insufficient role to set member roles")
	}
	if actorRole == models.RoleAdmin && targetRole != models.RoleMember {
		return apperr.Forbidden("admins may only change the role of a member")
	}
	return s.applyRole(ctx, roomID, targetID, newRole)
}

// PromoteToOwner transfers ownership; only the current OWNER may do this.
func (s *Service) PromoteToOwner(ctx context.Context, actorID, roomID, targetID string) *apperr.AppError {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return apperr.RoomNotFound(roomID)
	}
	actorRole, ok := room.Members[actorID]
	if !ok || !allowed(actorRole, actionPromoteToOwner) {
		return apperr.Forbidden("only the owner may promote a member to owner")
	}
	if _, ok := room.Members[targetID]; !ok {
		return apperr.NotAMember(roomID)
	}
	if err := s.applyRole(ctx, roomID, actorID, models.RoleAdmin); err != nil {
		return err
	}
	return s.applyRole(ctx, roomID, targetID, models.RoleOwner)
}

func (s *Service) applyRole(ctx context.Context, roomID, userID string, role models.Role) *apperr.AppError {
	room, _ := s.rooms.Get(roomID)
	now := time.Now()
	if err := s.adapter.UpsertMember(ctx, db.RoomMemberRow{RoomID: roomID, UserID: userID, Role: string(role), JoinedAt: room.JoinedAt[userID]}); err != nil {
		return apperr.PersistenceError(err)
	}
	version, err := s.adapter.BumpRoomVersion(ctx, roomID, now)
	if err != nil {
		return apperr.PersistenceError(err)
	}
	s.rooms.Mutate(roomID, func(r *models.Room) {
		r.Members[userID] = role
		r.Version = version
		r.UpdatedAt = now
	})
	updated, _ := s.rooms.Get(roomID)
	s.broadcastMembersUpdated(updated, "")
	return nil
}

// DeleteRoom is OWNER-only.
func (s *Service) DeleteRoom(ctx context.Context, actorID, roomID string) *apperr.AppError {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return apperr.RoomNotFound(roomID)
	}
	actorRole, ok := room.Members[actorID]
	if !ok || !allowed(actorRole, actionDeleteRoom) {
		return apperr.Forbidden("only the owner may delete the room")
	}
	return s.deleteRoom(ctx, roomID)
}

// UpdateMeta enforces OWNER/ADMIN for name/thumbnail changes.
func (s *Service) UpdateMeta(ctx context.Context, actorID, roomID, name, thumbnailURL string) *apperr.AppError {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return apperr.RoomNotFound(roomID)
	}
	actorRole, ok := room.Members[actorID]
	if !ok || !allowed(actorRole, actionUpdateMeta) {
		return apperr.Forbidden("insufficient role to update room metadata")
	}
	now := time.Now()
	version, err := s.adapter.BumpRoomVersion(ctx, roomID, now)
	if err != nil {
		return apperr.PersistenceError(err)
	}
	s.rooms.Mutate(roomID, func(r *models.Room) {
		if name != "" {
			r.Name = name
		}
		if thumbnailURL != "" {
			r.ThumbnailURL = thumbnailURL
		}
		r.Version = version
		r.UpdatedAt = now
	})
	updated, _ := s.rooms.Get(roomID)
	s.broadcastRoomUpdated(updated)
	return nil
}

// Info returns the live room snapshot.
func (s *Service) Info(roomID string) (*models.Room, *apperr.AppError) {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, apperr.RoomNotFound(roomID)
	}
	return room, nil
}

// Member is a room membership entry as returned to callers outside the
// store (wire responses, broadcasts).
type Member struct {
	UserID   string      `json:"userId"`
	Role     models.Role `json:"role"`
	JoinedAt time.Time   `json:"joinedAt"`
}

// Members returns the room's member list, sorted deterministically by
// joinedAt then userId.
func (s *Service) Members(roomID string) ([]Member, *apperr.AppError) {
	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, apperr.RoomNotFound(roomID)
	}
	out := make([]Member, 0, len(room.Members))
	for userID, role := range room.Members {
		out = append(out, Member{UserID: userID, Role: role, JoinedAt: room.JoinedAt[userID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func oldestWithRole(room *models.Room, role models.Role, exclude string) string {
	var best string
	var bestAt time.Time
	for userID, r := range room.Members {
		if r != role || userID == exclude {
			continue
		}
		at := room.JoinedAt[userID]
		if best == "" || at.Before(bestAt) || (at.Equal(bestAt) && userID < best) {
			best, bestAt = userID, at
		}
	}
	return best
}

func (s *Service) broadcastMembersUpdated(room *models.Room, excludeConnectionID string) {
	if room == nil {
		return
	}
	members, _ := s.Members(room.RoomID)
	frame := protocol.New(protocol.OutRoomMembersUpdated, map[string]interface{}{
		"roomId": room.RoomID, "version": room.Version, "members": members,
	})
	for userID := range room.Members {
		s.sender.SendToUser(userID, frame, excludeConnectionID)
	}
}

func (s *Service) broadcastRoomUpdated(room *models.Room) {
	if room == nil {
		return
	}
	frame := protocol.New(protocol.OutRoomUpdated, map[string]interface{}{
		"roomId": room.RoomID, "name": room.Name, "thumbnailUrl": room.ThumbnailURL, "version": room.Version,
	})
	for userID := range room.Members {
		s.sender.SendToUser(userID, frame, "")
	}
}
