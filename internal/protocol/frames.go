// Package protocol defines the inbound/outbound frame envelope, the frame
// type constants, and the noise / sensitive-room-action classification the
// router and safety gate use. The dispatch pipeline itself lives in package
// router.
package protocol

import (
	"encoding/json"
	"time"
)

// InboundFrame is the minimally-parsed shape every inbound frame must
// satisfy before type-specific validation runs.
type InboundFrame struct {
	Type            string                 `json:"type"`
	Version         string                 `json:"version,omitempty"`
	CorrelationID   string                 `json:"correlationId,omitempty"`
	RecipientID     string                 `json:"recipientId,omitempty"`
	RoomID          string                 `json:"roomId,omitempty"`
	Content         string                 `json:"content,omitempty"`
	ClientMessageID string                 `json:"clientMessageId,omitempty"`
	MessageID       string                 `json:"messageId,omitempty"`
	LastMessageID   *string                `json:"lastMessageId,omitempty"`
	Limit           int                    `json:"limit,omitempty"`
	UserIDs         []string               `json:"userIds,omitempty"`
	Role            string                 `json:"role,omitempty"`
	Name            string                 `json:"name,omitempty"`
	ThumbnailURL    string                 `json:"thumbnailUrl,omitempty"`
	Raw             map[string]interface{} `json:"-"`
}

// Frame type constants for the inbound set named in the component design.
const (
	TypeHello                   = "HELLO"
	TypeMessageSend              = "MESSAGE_SEND"
	TypeMessageRead               = "MESSAGE_READ"
	TypeMessageReadConfirm         = "MESSAGE_READ_CONFIRM"
	TypeMessageDeliveredConfirm    = "MESSAGE_DELIVERED_CONFIRM"
	TypeMessageEdit               = "MESSAGE_EDIT"
	TypeMessageDelete             = "MESSAGE_DELETE"
	TypeMessageReplay              = "MESSAGE_REPLAY"
	TypeStateSync                 = "STATE_SYNC"
	TypeResume                   = "RESUME"
	TypePresencePing               = "PRESENCE_PING"
	TypeClientAck                 = "CLIENT_ACK"
	TypePing                    = "PING"
	TypeTypingStart                = "TYPING_START"
	TypeTypingStop                 = "TYPING_STOP"

	TypeRoomCreate        = "ROOM_CREATE"
	TypeRoomJoin          = "ROOM_JOIN"
	TypeRoomLeave         = "ROOM_LEAVE"
	TypeRoomMessage       = "ROOM_MESSAGE"
	TypeRoomInfo          = "ROOM_INFO"
	TypeRoomList          = "ROOM_LIST"
	TypeRoomMembers       = "ROOM_MEMBERS"
	TypeRoomUpdateMeta    = "ROOM_UPDATE_META"
	TypeRoomAddMembers    = "ROOM_ADD_MEMBERS"
	TypeRoomRemoveMember  = "ROOM_REMOVE_MEMBER"
	TypeRoomSetRole       = "ROOM_SET_ROLE"
	TypeRoomDelete        = "ROOM_DELETE"
)

// noiseTypes bypass the per-socket generic rate limiter entirely.
var noiseTypes = map[string]bool{
	TypePing:                   true,
	TypeClientAck:              true,
	TypeMessageDeliveredConfirm: true,
	TypeMessageReadConfirm:      true,
	TypePresencePing:            true,
	TypeResume:                 true,
	TypeStateSync:              true,
	TypeMessageReplay:           true,
	TypeTypingStart:             true,
	TypeTypingStop:              true,
}

func IsNoiseType(t string) bool { return noiseTypes[t] }

// sensitiveRoomActions require the stricter per-user limiter.
var sensitiveRoomActions = map[string]bool{
	TypeRoomCreate:       true,
	TypeRoomDelete:       true,
	TypeRoomSetRole:      true,
	TypeRoomRemoveMember: true,
	TypeRoomAddMembers:   true,
}

func IsSensitiveRoomAction(t string) bool { return sensitiveRoomActions[t] }

// OutboundFrame is the generic outbound envelope shape; handlers populate
// Fields with whatever additional keys their payload needs and the
// transport layer marshals the whole thing.
type OutboundFrame struct {
	Type          string                 `json:"type"`
	MessageID     string                 `json:"messageId,omitempty"`
	Timestamp     *time.Time             `json:"timestamp,omitempty"`
	State         string                 `json:"state,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Fields        map[string]interface{} `json:"-"`
}

// Outbound type constants (non-exhaustive, per the external interfaces
// contract).
const (
	OutHelloAck             = "HELLO_ACK"
	OutMessageAck            = "MESSAGE_ACK"
	OutMessageNack           = "MESSAGE_NACK"
	OutMessageReceive         = "MESSAGE_RECEIVE"
	OutDeliveryStatus        = "DELIVERY_STATUS"
	OutMessageStateUpdate     = "MESSAGE_STATE_UPDATE"
	OutMessageRead           = "MESSAGE_READ"
	OutMessageMutation       = "MESSAGE_MUTATION"
	OutMessageMutationAck     = "MESSAGE_MUTATION_ACK"
	OutRoomMessage           = "ROOM_MESSAGE"
	OutRoomDeliveryUpdate     = "ROOM_DELIVERY_UPDATE"
	OutRoomCreated           = "ROOM_CREATED"
	OutRoomMembersUpdated     = "ROOM_MEMBERS_UPDATED"
	OutRoomUpdated           = "ROOM_UPDATED"
	OutRoomDeleted           = "ROOM_DELETED"
	OutPresenceUpdate        = "PRESENCE_UPDATE"
	OutPresenceSnapshot       = "PRESENCE_SNAPSHOT"
	OutTypingStart           = "TYPING_START"
	OutTypingStop            = "TYPING_STOP"
	OutMessageReplayComplete  = "MESSAGE_REPLAY_COMPLETE"
	OutStateSyncResponse      = "STATE_SYNC_RESPONSE"
	OutResyncStart           = "RESYNC_START"
	OutResyncComplete        = "RESYNC_COMPLETE"
	OutRoomsSnapshot         = "ROOMS_SNAPSHOT"
	OutRateLimitWarning       = "RATE_LIMIT_WARNING"
	OutError                = "ERROR"
	OutMessageError           = "MESSAGE_ERROR"
	OutSystemCapabilities     = "SYSTEM_CAPABILITIES"
	OutConnectionEstablished  = "CONNECTION_ESTABLISHED"
	OutServerShutdown        = "SERVER_SHUTDOWN"
)

func New(frameType string, fields map[string]interface{}) OutboundFrame {
	return OutboundFrame{Type: frameType, Fields: fields}
}

// MarshalJSON flattens Fields alongside the envelope's named keys so
// callers populate Fields freely without losing Type/MessageID/etc.
func (f OutboundFrame) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(f.Fields)+5)
	for k, v := range f.Fields {
		out[k] = v
	}
	out["type"] = f.Type
	if f.MessageID != "" {
		out["messageId"] = f.MessageID
	}
	if f.Timestamp != nil {
		out["timestamp"] = f.Timestamp
	}
	if f.State != "" {
		out["state"] = f.State
	}
	if f.CorrelationID != "" {
		out["correlationId"] = f.CorrelationID
	}
	return json.Marshal(out)
}
