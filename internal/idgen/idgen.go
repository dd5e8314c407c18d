// Package idgen generates the opaque IDs used throughout the messaging core.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// MessageID returns a time-monotonic-prefixed, random-suffixed message ID.
// The prefix preserves coarse ordering under a plain string sort (used by
// the replay engine's "strictly greater than lastMessageId" comparison);
// the suffix defeats same-millisecond collisions.
func MessageID() string {
	prefix := fmt.Sprintf("%016x", time.Now().UnixNano())
	return "msg_" + prefix + "_" + randomSuffix(8)
}

// CorrelationID returns a fresh correlation ID for one inbound frame.
func CorrelationID() string {
	return uuid.New().String()
}

// ConnectionID returns a fresh per-socket connection identifier.
func ConnectionID() string {
	return uuid.New().String()
}

// ClientID returns a fresh ephemeral client/session identifier.
func ClientID() string {
	return uuid.New().String()
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failures are effectively unrecoverable on any real
		// platform; fall back to a timestamp-derived suffix rather than
		// panicking mid-accept.
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return encoding.EncodeToString(buf)
}
