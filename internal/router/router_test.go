package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamspace/relaycore/internal/models"
	"github.com/streamspace/relaycore/internal/safety"
	"github.com/streamspace/relaycore/internal/store"
)

// TestHandleRaw_PolicyDropIsSilentAndLeavesSocketOpen covers the gate's
// repeated-invalid-frame DROP verdict: it must not close the socket or
// write any response, unlike FAIL.
func TestHandleRaw_PolicyDropIsSilentAndLeavesSocketOpen(t *testing.T) {
	sockets := store.NewSocketStateStore()
	gate := safety.NewGate(safety.Limits{PayloadMaxSize: 1024 * 1024}, sockets)
	r := &Router{gate: gate}

	sock := store.NewSocketState("c1", "u1", "s1", models.Capabilities{})
	closed := false
	sock.Close = func(code int, reason string) error { closed = true; return nil }
	sent := 0
	sock.Send = func(frame interface{}) error { sent++; return nil }

	badFrame := []byte("{not json")
	// The first five invalid frames are FAIL verdicts, each answered with an
	// error frame; only later ones are DROP. Prime the gate's violation count
	// directly so every frame HandleRaw sees here is a DROP.
	for i := 0; i < 5; i++ {
		gate.CheckMessage(sock.ConnectionID, badFrame)
	}
	for i := 0; i < 2; i++ {
		r.HandleRaw(context.Background(), sock, badFrame)
	}

	assert.False(t, closed, "DROP must never close the socket")
	assert.Zero(t, sent, "DROP must never write a response")
	require.True(t, sock.IsOpen())
}
