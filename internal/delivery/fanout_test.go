package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/protocol"
	"github.com/streamspace/relaycore/internal/store"
)

type capturedSend struct {
	userID string
	frame  protocol.OutboundFrame
}

type fakeSender struct {
	sent []capturedSend
}

func (f *fakeSender) SendToUser(userID string, frame protocol.OutboundFrame, excludeConnectionID string) {
	f.sent = append(f.sent, capturedSend{userID: userID, frame: frame})
}

func (f *fakeSender) SendToUserNotifyFailure(userID string, frame protocol.OutboundFrame, excludeConnectionID string, onFailure func()) {
	f.sent = append(f.sent, capturedSend{userID: userID, frame: frame})
}

func newTestRoom(roomID, owner string, members ...string) *models.Room {
	room := &models.Room{
		RoomID:   roomID,
		CreatedBy: owner,
		CreatedAt: time.Now(),
		Members:  map[string]models.Role{owner: models.RoleOwner},
		JoinedAt: map[string]time.Time{owner: time.Now()},
	}
	for _, m := range members {
		room.Members[m] = models.RoleMember
		room.JoinedAt[m] = time.Now()
	}
	return room
}

// TestConfirmRoomDelivered_NotifiesSenderOnlyOnLastConfirm exercises the
// room delivery aggregate scenario the live path used to skip entirely:
// the sender gets exactly one ROOM_DELIVERY_UPDATE once every recipient
// has confirmed, not before.
func TestConfirmRoomDelivered_NotifiesSenderOnlyOnLastConfirm(t *testing.T) {
	rooms := store.NewRoomStore()
	rooms.Put(newTestRoom("r1", "u1", "u2", "u3"))
	aggs := store.NewAggregateStore()
	aggs.GetOrCreate("rm1", 2)
	sender := &fakeSender{}

	svc := &Service{rooms: rooms, aggs: aggs, sender: sender}

	aerr := svc.ConfirmRoomDelivered(context.Background(), "u1", "r1", "rm1", "u2")
	require.Nil(t, aerr)
	assert.Empty(t, sender.sent, "must not notify before every recipient has confirmed")

	aerr = svc.ConfirmRoomDelivered(context.Background(), "u1", "r1", "rm1", "u3")
	require.Nil(t, aerr)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "u1", sender.sent[0].userID)
	assert.Equal(t, protocol.OutRoomDeliveryUpdate, sender.sent[0].frame.Type)
}

func TestConfirmRoomDelivered_UnknownRoomErrors(t *testing.T) {
	svc := &Service{rooms: store.NewRoomStore(), aggs: store.NewAggregateStore(), sender: &fakeSender{}}
	aerr := svc.ConfirmRoomDelivered(context.Background(), "u1", "missing", "rm1", "u2")
	require.NotNil(t, aerr)
	assert.Equal(t, "ROOM_NOT_FOUND", string(aerr.Code))
}

func TestConfirmRoomDelivered_NonMemberRejected(t *testing.T) {
	rooms := store.NewRoomStore()
	rooms.Put(newTestRoom("r1", "u1", "u2"))
	svc := &Service{rooms: rooms, aggs: store.NewAggregateStore(), sender: &fakeSender{}}

	aerr := svc.ConfirmRoomDelivered(context.Background(), "u1", "r1", "rm1", "outsider")
	require.NotNil(t, aerr)
	assert.Equal(t, "NOT_A_MEMBER", string(aerr.Code))
}
