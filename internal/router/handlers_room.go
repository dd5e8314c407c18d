package router

import (
	"context"

	"github.com/streamspace/relaycore/internal/apperr"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/store"
)

func (r *Router) handleRoomCreate(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	room, aerr := r.rooms.CreateRoom(ctx, sock.UserID, frame.Name, frame.ThumbnailURL)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.send(sock, protocol.New(protocol.OutRoomCreated, map[string]interface{}{
		"roomId": room.RoomID, "name": room.Name, "thumbnailUrl": room.ThumbnailURL, "version": room.Version,
	}))
}

func (r *Router) handleRoomJoin(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	room, aerr := r.rooms.Join(ctx, sock.UserID, frame.RoomID)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.send(sock, protocol.New(protocol.OutRoomMembersUpdated, map[string]interface{}{
		"roomId": room.RoomID, "version": room.Version,
	}))
}

func (r *Router) handleRoomLeave(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	if aerr := r.rooms.Leave(ctx, sock.UserID, frame.RoomID); aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.send(sock, protocol.New("ROOM_LEAVE_ACK", map[string]interface{}{"roomId": frame.RoomID}))
}

func (r *Router) handleRoomMessage(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	if aerr := r.rooms.SendRoomMessage(ctx, sock.UserID, sock.ConnectionID, frame.RoomID, frame.Content, frame.ClientMessageID); aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.send(sock, protocol.New(protocol.OutMessageAck, map[string]interface{}{
		"roomId": frame.RoomID, "clientMessageId": frame.ClientMessageID, "state": "SENT",
	}))
}

func (r *Router) handleRoomInfo(sock *store.SocketState, frame protocol.InboundFrame) {
	room, aerr := r.rooms.Info(frame.RoomID)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.send(sock, protocol.New(protocol.OutRoomUpdated, map[string]interface{}{
		"roomId": room.RoomID, "name": room.Name, "thumbnailUrl": room.ThumbnailURL, "version": room.Version,
	}))
}

func (r *Router) handleRoomMembers(sock *store.SocketState, frame protocol.InboundFrame) {
	members, aerr := r.rooms.Members(frame.RoomID)
	if aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
		return
	}
	r.send(sock, protocol.New(protocol.OutRoomMembersUpdated, map[string]interface{}{
		"roomId": frame.RoomID, "members": members,
	}))
}

func (r *Router) handleRoomUpdateMeta(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	if aerr := r.rooms.UpdateMeta(ctx, sock.UserID, frame.RoomID, frame.Name, frame.ThumbnailURL); aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
	}
}

func (r *Router) handleRoomAddMembers(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	if _, aerr := r.rooms.AddMembers(ctx, sock.UserID, frame.RoomID, frame.UserIDs); aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
	}
}

func (r *Router) handleRoomRemoveMember(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	if len(frame.UserIDs) == 0 {
		r.sendError(sock, frame.ClientMessageID, apperr.ValidationError("userIds is required"))
		return
	}
	if aerr := r.rooms.RemoveMember(ctx, sock.UserID, frame.RoomID, frame.UserIDs[0]); aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
	}
}

func (r *Router) handleRoomSetRole(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	if len(frame.UserIDs) == 0 {
		r.sendError(sock, frame.ClientMessageID, apperr.ValidationError("userIds is required"))
		return
	}
	if aerr := r.rooms.SetRole(ctx, sock.UserID, frame.RoomID, frame.UserIDs[0], models.Role(frame.Role)); aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
	}
}

func (r *Router) handleRoomDelete(ctx context.Context, sock *store.SocketState, frame protocol.InboundFrame) {
	if aerr := r.rooms.DeleteRoom(ctx, sock.UserID, frame.RoomID); aerr != nil {
		r.sendError(sock, frame.ClientMessageID, aerr)
	}
}
