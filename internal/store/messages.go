package store

import (
	"sync"
	"time"

	"github.com/streamspace/relaycore/internal/models"
)

// MessageStore is the in-memory message cache and idempotency index. The
// message lifecycle service is its sole writer.
type MessageStore struct {
	mu        sync.RWMutex
	messages  map[string]*models.Message   // messageId -> message
	direct    map[string]directEntry       // "senderId:clientMessageId" -> messageId + insertedAt
	room      map[string]roomEntry         // "senderId:roomId:clientMessageId" -> record + insertedAt
}

type directEntry struct {
	messageID  string
	insertedAt time.Time
}

type roomEntry struct {
	rec        RoomIdempotent
	insertedAt time.Time
}

// RoomIdempotent is the cached result of a prior room-message accept, used
// to dedupe retried ROOM_MESSAGE sends.
type RoomIdempotent struct {
	RoomMessageID        string
	PerRecipientMessageID map[string]string
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		messages: make(map[string]*models.Message),
		direct:   make(map[string]directEntry),
		room:     make(map[string]roomEntry),
	}
}

func directKey(senderID, clientMessageID string) string {
	return senderID + ":" + clientMessageID
}

func roomKey(senderID, roomID, clientMessageID string) string {
	return senderID + ":" + roomID + ":" + clientMessageID
}

func (m *MessageStore) Get(messageID string) (*models.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[messageID]
	return msg, ok
}

// Put inserts or overwrites the cached message record.
func (m *MessageStore) Put(msg *models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.MessageID] = msg
}

// LookupDirect returns the cached messageId for a (senderId, clientMessageId)
// pair, if one was accepted before.
func (m *MessageStore) LookupDirect(senderID, clientMessageID string) (string, bool) {
	if clientMessageID == "" {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.direct[directKey(senderID, clientMessageID)]
	return e.messageID, ok
}

// PutDirectIdempotency records the (senderId, clientMessageId) -> messageId
// mapping. Must be called before returning the SENT ACK.
func (m *MessageStore) PutDirectIdempotency(senderID, clientMessageID, messageID string) {
	if clientMessageID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.direct[directKey(senderID, clientMessageID)] = directEntry{messageID: messageID, insertedAt: time.Now()}
}

func (m *MessageStore) LookupRoom(senderID, roomID, clientMessageID string) (RoomIdempotent, bool) {
	if clientMessageID == "" {
		return RoomIdempotent{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.room[roomKey(senderID, roomID, clientMessageID)]
	return e.rec, ok
}

func (m *MessageStore) PutRoomIdempotency(senderID, roomID, clientMessageID string, rec RoomIdempotent) {
	if clientMessageID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.room[roomKey(senderID, roomID, clientMessageID)] = roomEntry{rec: rec, insertedAt: time.Now()}
}

// SweepIdempotency evicts direct and room idempotency entries older than
// maxAge, bounding memory growth across long-lived deployments. The
// underlying DB unique constraint remains the durable guarantee; this
// index only accelerates the common case of a retry arriving soon after
// the original send.
func (m *MessageStore) SweepIdempotency(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for k, e := range m.direct {
		if e.insertedAt.Before(cutoff) {
			delete(m.direct, k)
			n++
		}
	}
	for k, e := range m.room {
		if e.insertedAt.Before(cutoff) {
			delete(m.room, k)
			n++
		}
	}
	return n
}

// TransitionState mutates the cached state if the lattice permits it.
// Returns false without mutation if the transition is illegal.
func (m *MessageStore) TransitionState(messageID string, to models.MessageState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[messageID]
	if !ok {
		return false
	}
	if !models.CanTransition(msg.State, to) {
		return false
	}
	msg.State = to
	return true
}

// DeliveryStore is the per-recipient delivery-state cache, an advisory
// mirror of the DB delivery table.
type DeliveryStore struct {
	mu    sync.RWMutex
	state map[string]models.DeliveryState // "messageId:recipientId" -> state
}

func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{state: make(map[string]models.DeliveryState)}
}

func deliveryKey(messageID, recipientID string) string {
	return messageID + ":" + recipientID
}

func (d *DeliveryStore) Get(messageID, recipientID string) (models.DeliveryState, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.state[deliveryKey(messageID, recipientID)]
	return s, ok
}

func (d *DeliveryStore) Set(messageID, recipientID string, state models.DeliveryState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[deliveryKey(messageID, recipientID)] = state
}
