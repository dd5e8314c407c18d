package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisher_Disabled(t *testing.T) {
	p := NewPublisher(Config{Enabled: false})
	require.NotNil(t, p)
	assert.False(t, p.enabled)
}

func TestNewPublisher_ConnectFailureDegradesToDisabled(t *testing.T) {
	p := NewPublisher(Config{Enabled: true, URL: "nats://127.0.0.1:1"})
	require.NotNil(t, p)
	assert.False(t, p.enabled, "unreachable NATS server must degrade to a no-op publisher, not panic or block startup")
}

func TestPublisher_MethodsAreNoOpWhenDisabled(t *testing.T) {
	p := NewPublisher(Config{Enabled: false})
	assert.NotPanics(t, func() {
		p.MessageCreated("m1", "u1", "chat:u1:u2")
		p.MessageSent("m1")
		p.MessageDelivered("m1", "u2")
		p.MessageFailed("m1", "db error")
		p.MessageDropped("c1", "repeated invalid frames")
		p.SafetyChecked("c1", "ALLOW")
		p.ConnectionOpen("c1", "u1")
		p.ConnectionClose("c1", "u1")
		p.PresenceOnline("u1")
		p.PresenceOffline("u1")
		p.Close()
	})
}

func TestSubjectConstants(t *testing.T) {
	subjects := map[string]string{
		"MessageCreated":   SubjectMessageCreated,
		"MessageSent":      SubjectMessageSent,
		"MessageDelivered": SubjectMessageDelivered,
		"MessageFailed":    SubjectMessageFailed,
		"MessageDropped":   SubjectMessageDropped,
		"SafetyChecked":    SubjectSafetyChecked,
		"ConnectionOpen":   SubjectConnectionOpen,
		"ConnectionClose":  SubjectConnectionClose,
		"PresenceOnline":   SubjectPresenceOnline,
		"PresenceOffline":  SubjectPresenceOffline,
	}
	for name, subject := range subjects {
		assert.NotEmpty(t, subject, "subject %s should not be empty", name)
		assert.Contains(t, subject, "relaycore.", "subject %s should be namespaced", name)
	}
}
