// Package events publishes the structured observability events named in
// the design notes (MESSAGE_CREATED, MESSAGE_SENT, MESSAGE_DELIVERED,
// MESSAGE_FAILED, MESSAGE_DROPPED, SAFETY_CHECKED, CONNECTION_OPEN,
// CONNECTION_CLOSE, PRESENCE_ONLINE, PRESENCE_OFFLINE) over NATS for
// external consumers (analytics, search indexing). Publication is
// independent of and non-blocking for the message path: a publish
// failure is logged, never surfaced to the sender.
package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/streamspace/relaycore/internal/logger"
)

const (
	SubjectMessageCreated   = "relaycore.message.created"
	SubjectMessageSent      = "relaycore.message.sent"
	SubjectMessageDelivered = "relaycore.message.delivered"
	SubjectMessageFailed    = "relaycore.message.failed"
	SubjectMessageDropped   = "relaycore.message.dropped"
	SubjectSafetyChecked    = "relaycore.safety.checked"
	SubjectConnectionOpen   = "relaycore.connection.open"
	SubjectConnectionClose  = "relaycore.connection.close"
	SubjectPresenceOnline   = "relaycore.presence.online"
	SubjectPresenceOffline  = "relaycore.presence.offline"
)

// Config holds NATS connection parameters.
type Config struct {
	URL     string
	Enabled bool
}

// Publisher wraps a NATS connection. When disabled (or when the NATS
// server is unreachable at startup), it degrades to a no-op so the
// message path never blocks on an observability sink.
type Publisher struct {
	conn    *nats.Conn
	enabled bool
}

// NewPublisher connects to NATS if cfg.Enabled; on connection failure it
// logs and falls back to a disabled publisher rather than failing
// startup, since event publication is a best-effort side channel.
func NewPublisher(cfg Config) *Publisher {
	if !cfg.Enabled {
		return &Publisher{enabled: false}
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("relaycore"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("failed to connect to nats, event publishing disabled")
		return &Publisher{enabled: false}
	}
	return &Publisher{conn: conn, enabled: true}
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Publisher) publish(subject string, payload map[string]interface{}) {
	if !p.enabled {
		return
	}
	payload["ts"] = time.Now().UTC()
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Log.Warn().Err(err).Str("subject", subject).Msg("failed to marshal event payload")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		logger.Log.Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

func (p *Publisher) MessageCreated(messageID, senderID, chatID string) {
	p.publish(SubjectMessageCreated, map[string]interface{}{"messageId": messageID, "senderId": senderID, "chatId": chatID})
}

func (p *Publisher) MessageSent(messageID string) {
	p.publish(SubjectMessageSent, map[string]interface{}{"messageId": messageID})
}

func (p *Publisher) MessageDelivered(messageID, recipientID string) {
	p.publish(SubjectMessageDelivered, map[string]interface{}{"messageId": messageID, "recipientId": recipientID})
}

func (p *Publisher) MessageFailed(messageID, reason string) {
	p.publish(SubjectMessageFailed, map[string]interface{}{"messageId": messageID, "reason": reason})
}

func (p *Publisher) MessageDropped(connectionID, reason string) {
	p.publish(SubjectMessageDropped, map[string]interface{}{"connectionId": connectionID, "reason": reason})
}

func (p *Publisher) SafetyChecked(connectionID, policy string) {
	p.publish(SubjectSafetyChecked, map[string]interface{}{"connectionId": connectionID, "policy": policy})
}

func (p *Publisher) ConnectionOpen(connectionID, userID string) {
	p.publish(SubjectConnectionOpen, map[string]interface{}{"connectionId": connectionID, "userId": userID})
}

func (p *Publisher) ConnectionClose(connectionID, userID string) {
	p.publish(SubjectConnectionClose, map[string]interface{}{"connectionId": connectionID, "userId": userID})
}

func (p *Publisher) PresenceOnline(userID string) {
	p.publish(SubjectPresenceOnline, map[string]interface{}{"userId": userID})
}

func (p *Publisher) PresenceOffline(userID string) {
	p.publish(SubjectPresenceOffline, map[string]interface{}{"userId": userID})
}
