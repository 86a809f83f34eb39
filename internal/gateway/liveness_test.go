package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/coop/internal/config"
	"github.com/cory-johannsen/coop/internal/protocol"
)

func newMonitor(h *testHarness) *Monitor {
	return NewMonitor(h.gateway, config.LivenessConfig{
		SweepInterval: 10 * time.Millisecond,
	}, zap.NewNop())
}

func TestSweepProbesResponsiveConnections(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.handshake(t, conn, "alice")
	m := newMonitor(h)

	m.sweep()
	assert.Equal(t, 1, conn.pingCount())
	assert.False(t, conn.isClosed())
}

func TestSweepTerminatesSilentConnections(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.handshake(t, conn, "alice")
	m := newMonitor(h)

	// First sweep arms the probe; with no pong, heartbeat, or traffic in
	// between, the second sweep closes the connection.
	m.sweep()
	m.sweep()

	assert.True(t, conn.isClosed())
}

func TestPongAnswersProbe(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.handshake(t, conn, "alice")
	m := newMonitor(h)

	m.sweep()
	conn.pong(t)
	m.sweep()

	assert.False(t, conn.isClosed())
	assert.Equal(t, 2, conn.pingCount())
}

func TestHeartbeatAnswersProbe(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.handshake(t, conn, "alice")
	m := newMonitor(h)

	m.sweep()
	conn.deliver(protocol.Envelope{Type: protocol.TypeHeartbeat})
	conn.lastFrame(t, 2)
	m.sweep()

	assert.False(t, conn.isClosed())
}

func TestInboundTrafficAnswersProbe(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.handshake(t, conn, "alice")
	m := newMonitor(h)

	m.sweep()
	// Any frame counts as proof of life, even a protocol error.
	conn.deliverRaw(`{"type":"bogus"}`)
	conn.lastFrame(t, 2)
	m.sweep()

	assert.False(t, conn.isClosed())
}

func TestTerminatedConnectionLeavesSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	h.handshake(t, a, "alice")
	idB := h.handshake(t, b, "bob")

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	sessionID := a.lastFrame(t, 2)["sessionId"].(string)
	b.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID})
	b.awaitFrames(t, 2)
	a.awaitFrames(t, 3)

	// Only the host goes silent; the joiner keeps answering.
	m := newMonitor(h)
	m.sweep()
	b.pong(t)
	m.sweep()

	assert.True(t, a.isClosed())
	left := b.lastFrame(t, 3)
	assert.Equal(t, protocol.TypePlayerLeft, left["type"])

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, ok := h.registry.Get(sessionID)
		require.True(t, ok)
		if s.HostID() == idB && s.PlayerCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session membership never reflected the termination")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMonitorStartStop(t *testing.T) {
	h := newHarness(t)
	m := newMonitor(h)

	done := make(chan error, 1)
	go func() { done <- m.Start() }()

	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // idempotent

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
