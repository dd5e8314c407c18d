package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/relaycore/internal/db"
	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/store"
)

// fakeAdapter is a minimal in-memory stand-in for db.Adapter, enough to
// drive the message-row paths lifecycle exercises in these tests. Most
// methods not needed by a test panic on use; InsertDelivery, MarkDelivered
// and MarkRead are no-op stubs.
type fakeAdapter struct {
	mu       sync.Mutex
	rows     map[string]db.MessageRow
	byClient map[string]string // chatId:senderId:clientMessageId -> messageId
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{rows: map[string]db.MessageRow{}, byClient: map[string]string{}}
}

func clientKey(chatID, senderID, clientMessageID string) string {
	return chatID + ":" + senderID + ":" + clientMessageID
}

func (f *fakeAdapter) InsertMessage(ctx context.Context, row db.MessageRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := clientKey(row.ChatID, row.SenderID, row.ClientMessageID)
	if row.ClientMessageID != "" {
		if _, exists := f.byClient[key]; exists {
			return db.ErrDuplicate
		}
	}
	f.rows[row.MessageID] = row
	if row.ClientMessageID != "" {
		f.byClient[key] = row.MessageID
	}
	return nil
}

func (f *fakeAdapter) GetMessage(ctx context.Context, messageID string) (db.MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[messageID]
	if !ok {
		return db.MessageRow{}, db.ErrNotFound
	}
	return row, nil
}

func (f *fakeAdapter) GetMessageByClientID(ctx context.Context, chatID, senderID, clientMessageID string) (db.MessageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byClient[clientKey(chatID, senderID, clientMessageID)]
	if !ok {
		return db.MessageRow{}, db.ErrNotFound
	}
	return f.rows[id], nil
}

func (f *fakeAdapter) UpdateMessageState(ctx context.Context, messageID, fromState, toState string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[messageID]
	if !ok || row.State != fromState {
		return assert.AnError
	}
	row.State = toState
	f.rows[messageID] = row
	return nil
}

func (f *fakeAdapter) EditMessageContent(ctx context.Context, messageID, newContent string) error {
	panic("not used in this test")
}
func (f *fakeAdapter) SoftDeleteMessage(ctx context.Context, messageID string) error {
	panic("not used in this test")
}
func (f *fakeAdapter) ListUndeliveredAfter(ctx context.Context, recipientID, afterMessageID string, limit int) ([]db.MessageRow, error) {
	panic("not used in this test")
}
func (f *fakeAdapter) MessageExists(ctx context.Context, messageID string) (bool, error) {
	panic("not used in this test")
}

func (f *fakeAdapter) InsertDelivery(ctx context.Context, row db.DeliveryRow) error { return nil }
func (f *fakeAdapter) GetDelivery(ctx context.Context, messageID, recipientID string) (db.DeliveryRow, error) {
	panic("not used in this test")
}
func (f *fakeAdapter) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	return false, nil
}
func (f *fakeAdapter) MarkRead(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	return false, nil
}
func (f *fakeAdapter) DeliveredRecipients(ctx context.Context, roomMessageID string) ([]string, error) {
	panic("not used in this test")
}
func (f *fakeAdapter) UpsertReadCursor(ctx context.Context, userID, chatID, lastReadMessageID string, at time.Time) error {
	panic("not used in this test")
}
func (f *fakeAdapter) CreateRoom(ctx context.Context, row db.RoomRow) error { panic("not used in this test") }
func (f *fakeAdapter) GetRoom(ctx context.Context, roomID string) (db.RoomRow, error) {
	panic("not used in this test")
}
func (f *fakeAdapter) DeleteRoom(ctx context.Context, roomID string) error {
	panic("not used in this test")
}
func (f *fakeAdapter) BumpRoomVersion(ctx context.Context, roomID string, at time.Time) (int64, error) {
	panic("not used in this test")
}
func (f *fakeAdapter) UpsertMember(ctx context.Context, row db.RoomMemberRow) error {
	panic("not used in this test")
}
func (f *fakeAdapter) RemoveMember(ctx context.Context, roomID, userID string) error {
	panic("not used in this test")
}
func (f *fakeAdapter) ListMembers(ctx context.Context, roomID string) ([]db.RoomMemberRow, error) {
	panic("not used in this test")
}

func newTestService(adapter db.Adapter) *Service {
	return NewService(adapter, store.NewMessageStore(), store.NewDeliveryStore(), 4096, nil)
}

// TestReconcileDuplicate_ResolvesWinnerByIdempotencyKey covers the
// concurrent-duplicate collision: a losing candidate's own freshly
// generated messageId was never inserted, so the winner must be resolved
// by the (chatId, senderId, clientMessageId) idempotency key, not by that
// unreachable id.
func TestReconcileDuplicate_ResolvesWinnerByIdempotencyKey(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newTestService(adapter)

	chatID := models.DirectChatID("u1", "u2")
	require.NoError(t, adapter.InsertMessage(context.Background(), db.MessageRow{
		MessageID: "winner-id", ChatID: chatID, SenderID: "u1", RecipientID: "u2",
		Content: "hi", MessageType: string(models.MessageTypeDirect),
		State: string(models.MessageSent), ClientMessageID: "client-1", CreatedAt: time.Now(),
	}))

	losing := &models.Message{
		MessageID: "losing-id", SenderID: "u1", RecipientID: "u2", Content: "hi",
		ClientMessageID: "client-1", MessageType: models.MessageTypeDirect, Timestamp: time.Now(),
	}

	result, aerr := svc.reconcileDuplicate(context.Background(), losing)
	require.Nil(t, aerr)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "winner-id", result.MessageID)
	assert.Equal(t, models.MessageSent, result.State)
}

func TestReconcileDuplicate_WinnerNotYetVisibleIsPersistenceError(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newTestService(adapter)

	losing := &models.Message{
		MessageID: "losing-id", SenderID: "u1", RecipientID: "u2", Content: "hi",
		ClientMessageID: "client-missing", MessageType: models.MessageTypeDirect, Timestamp: time.Now(),
	}
	_, aerr := svc.reconcileDuplicate(context.Background(), losing)
	require.NotNil(t, aerr)
	assert.Equal(t, "PERSISTENCE_ERROR", string(aerr.Code))
}

// TestMarkFailedBackpressure_TransitionsSentMessage covers the FAILED_BACKPRESSURE
// path: a SENT message whose delivery frame was dropped under backpressure
// transitions out of the ordinary lattice.
func TestMarkFailedBackpressure_TransitionsSentMessage(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newTestService(adapter)

	require.NoError(t, adapter.InsertMessage(context.Background(), db.MessageRow{
		MessageID: "m1", ChatID: "c1", SenderID: "u1", RecipientID: "u2",
		Content: "hi", MessageType: string(models.MessageTypeDirect),
		State: string(models.MessageSent), CreatedAt: time.Now(),
	}))
	svc.messages.Put(&models.Message{MessageID: "m1", State: models.MessageSent})

	aerr := svc.MarkFailedBackpressure(context.Background(), "m1", "u2")
	require.Nil(t, aerr)

	row, err := adapter.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, string(models.MessageFailedBack), row.State)

	cached, ok := svc.messages.Get("m1")
	require.True(t, ok)
	assert.Equal(t, models.MessageFailedBack, cached.State)
}

// TestMarkFailedBackpressure_DoesNotClobberAlreadyDelivered guards against
// a late backpressure callback firing after the recipient had already
// confirmed delivery through a different socket.
func TestMarkFailedBackpressure_DoesNotClobberAlreadyDelivered(t *testing.T) {
	adapter := newFakeAdapter()
	svc := newTestService(adapter)

	require.NoError(t, adapter.InsertMessage(context.Background(), db.MessageRow{
		MessageID: "m1", ChatID: "c1", SenderID: "u1", RecipientID: "u2",
		Content: "hi", MessageType: string(models.MessageTypeDirect),
		State: string(models.MessageDelivered), CreatedAt: time.Now(),
	}))

	aerr := svc.MarkFailedBackpressure(context.Background(), "m1", "u2")
	require.Nil(t, aerr)

	row, err := adapter.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, string(models.MessageDelivered), row.State)
}
