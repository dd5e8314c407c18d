// Package models defines the core data structures for the messaging core:
// messages, deliveries, rooms, and presence. The wire protocol frames live
// in package protocol.
package models

import "time"

// MessageState is a position in the forward-only message lattice
// SENDING -> SENT -> DELIVERED -> READ.
type MessageState string

const (
	MessageSending    MessageState = "SENDING"
	MessageSent       MessageState = "SENT"
	MessageDelivered  MessageState = "DELIVERED"
	MessageRead       MessageState = "READ"
	MessageFailedBack MessageState = "FAILED_BACKPRESSURE"
)

// messageRank orders states for forward-only transition checks. States not
// in the lattice (FAILED_BACKPRESSURE) never appear as a transition source
// or target checked by CanTransition.
var messageRank = map[MessageState]int{
	MessageSending:   0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageRead:      3,
}

// CanTransition reports whether moving from `from` to `to` is a single
// forward step along SENDING -> SENT -> DELIVERED -> READ. No skips, no
// backward moves.
func CanTransition(from, to MessageState) bool {
	fr, fok := messageRank[from]
	tr, tok := messageRank[to]
	if !fok || !tok {
		return false
	}
	return tr == fr+1
}

// Rank returns a state's position in the lattice, or -1 if it isn't a
// lattice member (e.g. FAILED_BACKPRESSURE).
func Rank(s MessageState) int {
	r, ok := messageRank[s]
	if !ok {
		return -1
	}
	return r
}

// MessageType distinguishes direct messages from room fan-out messages.
type MessageType string

const (
	MessageTypeDirect MessageType = "direct"
	MessageTypeRoom   MessageType = "room"
)

// Message is the in-memory cache entry mirrored from the database row.
// The lifecycle service is the only writer.
type Message struct {
	MessageID       string
	SenderID        string
	RecipientID     string // direct only
	RoomID          string // room only
	RoomMessageID   string // room only
	Content         string
	Timestamp       time.Time
	State           MessageState
	ClientMessageID string
	MessageType     MessageType
	Edited          bool
	Deleted         bool
}

// DeliveryState is a position in the per-recipient delivery lattice
// PERSISTED -> SENT -> DELIVERED -> READ.
type DeliveryState string

const (
	DeliveryPersisted DeliveryState = "PERSISTED"
	DeliverySent      DeliveryState = "SENT"
	DeliveryDelivered DeliveryState = "DELIVERED"
	DeliveryRead      DeliveryState = "READ"
)

// Delivery is the per-recipient delivery record keyed by (MessageID,
// RecipientID).
type Delivery struct {
	MessageID   string
	RecipientID string
	State       DeliveryState
	MarkedAt    *time.Time
}

// DirectChatID returns the canonical chat_id for a direct conversation: the
// two participant IDs, lexicographically sorted.
func DirectChatID(userA, userB string) string {
	if userA <= userB {
		return "direct:" + userA + ":" + userB
	}
	return "direct:" + userB + ":" + userA
}

// RoomChatID returns the canonical chat_id for a room.
func RoomChatID(roomID string) string {
	return "room:" + roomID
}

// RoomRecipientMessageID formats the per-recipient message ID used for a room
// fan-out persist call: rm_<roomMessageId>_<memberId>.
func RoomRecipientMessageID(roomMessageID, memberID string) string {
	return "rm_" + roomMessageID + "_" + memberID
}
