package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cory-johannsen/coop/internal/config"
	"github.com/cory-johannsen/coop/internal/protocol"
	"github.com/cory-johannsen/coop/internal/session"
)

// fakeConn is an in-memory wsConn. Frames pushed with deliver appear on
// ReadMessage; outbound frames accumulate in written.
type fakeConn struct {
	inbound chan []byte

	mu          sync.Mutex
	written     [][]byte
	pings       int
	closed      bool
	pongHandler func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) deliver(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.inbound <- data
}

func (f *fakeConn) deliverRaw(raw string) {
	f.inbound <- []byte(raw)
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	raw, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, raw, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("write on closed connection")
	}
	f.pings++
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetReadLimit(int64)               {}

func (f *fakeConn) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongHandler = h
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.inbound)
	return nil
}

// pong invokes the registered pong handler, simulating the peer answering
// a transport ping.
func (f *fakeConn) pong(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	h := f.pongHandler
	f.mu.Unlock()
	require.NotNil(t, h)
	require.NoError(t, h(""))
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// awaitFrames blocks until the connection has written at least n frames,
// then returns them all decoded into generic maps.
func (f *fakeConn) awaitFrames(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		count := len(f.written)
		f.mu.Unlock()
		if count >= n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames, have %d", n, count)
		}
		time.Sleep(time.Millisecond)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.written))
	for _, raw := range f.written {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) lastFrame(t *testing.T, n int) map[string]any {
	t.Helper()
	frames := f.awaitFrames(t, n)
	return frames[len(frames)-1]
}

type testHarness struct {
	gateway  *Gateway
	registry *session.Registry

	mu    sync.Mutex
	dones []chan struct{}
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := zap.NewNop()
	registry := session.NewRegistry()
	g := New(config.GatewayConfig{
		WriteTimeout:    time.Second,
		MaxMessageBytes: 64 * 1024,
	}, "coop-server/test", logger)
	// Cost 4 keeps password hashing fast in tests.
	mgr := session.NewManager(registry, g, config.SessionConfig{
		MaxPlayersLimit: 8,
		BcryptCost:      4,
	}, nil, logger)
	router := session.NewRouter(registry, g, logger)
	g.Bind(mgr, router)
	return &testHarness{gateway: g, registry: registry}
}

// connect starts a serve loop over a fresh fake connection. Cleanup closes
// this connection and waits for its own serve loop only, so tests with
// several connections tear down in any order.
func (h *testHarness) connect(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	h.mu.Lock()
	h.dones = append(h.dones, done)
	h.mu.Unlock()
	go func() {
		defer close(done)
		h.gateway.serve(conn)
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return conn
}

// waitAll blocks until every serve loop started so far has exited.
func (h *testHarness) waitAll() {
	h.mu.Lock()
	dones := append([]chan struct{}(nil), h.dones...)
	h.mu.Unlock()
	for _, done := range dones {
		<-done
	}
}

// handshake performs a handshake and returns the assigned player id.
func (h *testHarness) handshake(t *testing.T, conn *fakeConn, name string) string {
	t.Helper()
	conn.mu.Lock()
	seen := len(conn.written)
	conn.mu.Unlock()
	conn.deliver(protocol.Handshake{
		Type:       protocol.TypeHandshake,
		PlayerName: name,
		Version:    "1.0.0",
	})
	resp := conn.lastFrame(t, seen+1)
	require.Equal(t, protocol.TypeHandshakeResponse, resp["type"])
	playerID, _ := resp["playerId"].(string)
	require.NotEmpty(t, playerID)
	return playerID
}

func TestHandshakeAssignsIdentity(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.deliver(protocol.Handshake{
		Type:       protocol.TypeHandshake,
		PlayerName: "alice",
		Version:    "1.0.0",
	})

	resp := conn.lastFrame(t, 1)
	assert.Equal(t, protocol.TypeHandshakeResponse, resp["type"])
	assert.Equal(t, "coop-server/test", resp["serverVersion"])
	playerID := resp["playerId"].(string)
	assert.NotEmpty(t, playerID)

	sender, ok := h.gateway.Lookup(playerID)
	require.True(t, ok)
	assert.Equal(t, playerID, sender.PlayerID())
}

func TestHandshakeIdentitiesAreUnique(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)

	idA := h.handshake(t, a, "alice")
	idB := h.handshake(t, b, "bob")
	assert.NotEqual(t, idA, idB)
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.deliverRaw(`{not json`)
	resp := conn.lastFrame(t, 1)
	assert.Equal(t, protocol.TypeError, resp["type"])
	assert.Equal(t, "Invalid message format", resp["error"])

	// Still usable afterwards.
	h.handshake(t, conn, "alice")
	assert.False(t, conn.isClosed())
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.deliverRaw(`{"type":"teleport"}`)
	resp := conn.lastFrame(t, 1)
	assert.Equal(t, protocol.TypeError, resp["type"])
	assert.Equal(t, "Unknown message type: teleport", resp["error"])
}

func TestCreateSessionBeforeHandshake(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	resp := conn.lastFrame(t, 1)
	assert.Equal(t, protocol.TypeError, resp["type"])
	assert.Equal(t, "Not authenticated", resp["error"])
	assert.Equal(t, 0, h.registry.Count())
}

func TestCreateAndJoinSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	idA := h.handshake(t, a, "alice")
	idB := h.handshake(t, b, "bob")

	a.deliver(protocol.CreateSession{
		Type:    protocol.TypeCreateSession,
		Options: protocol.SessionOptions{MaxPlayers: 4, Mode: "coop"},
	})
	created := a.lastFrame(t, 2)
	require.Equal(t, protocol.TypeSessionCreated, created["type"])
	sessionID := created["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	b.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID})
	joined := b.lastFrame(t, 2)
	require.Equal(t, protocol.TypeSessionJoined, joined["type"])
	players := joined["players"].([]any)
	assert.Len(t, players, 2)

	// The host is told about the newcomer; the newcomer is not.
	notice := a.lastFrame(t, 3)
	require.Equal(t, protocol.TypePlayerJoined, notice["type"])
	player := notice["player"].(map[string]any)
	assert.Equal(t, idB, player["id"])
	assert.Equal(t, "bob", player["name"])
	assert.Equal(t, false, player["isHost"])

	s, ok := h.registry.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, idA, s.HostID())
	assert.Equal(t, 2, s.PlayerCount())
}

func TestJoinFailureReasons(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	h.handshake(t, a, "alice")
	h.handshake(t, b, "bob")

	b.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: "no-such-session"})
	resp := b.lastFrame(t, 2)
	assert.Equal(t, protocol.TypeSessionJoinFailed, resp["type"])
	assert.Equal(t, "Session not found", resp["reason"])

	a.deliver(protocol.CreateSession{
		Type: protocol.TypeCreateSession,
		Options: protocol.SessionOptions{
			MaxPlayers: 2,
			Private:    true,
			Password:   "sekrit",
		},
	})
	created := a.lastFrame(t, 2)
	sessionID := created["sessionId"].(string)

	b.deliver(protocol.JoinSession{
		Type:      protocol.TypeJoinSession,
		SessionID: sessionID,
		Password:  "wrong",
	})
	resp = b.lastFrame(t, 3)
	assert.Equal(t, protocol.TypeSessionJoinFailed, resp["type"])
	assert.Equal(t, "Invalid password", resp["reason"])

	b.deliver(protocol.JoinSession{
		Type:      protocol.TypeJoinSession,
		SessionID: sessionID,
		Password:  "sekrit",
	})
	resp = b.lastFrame(t, 4)
	assert.Equal(t, protocol.TypeSessionJoined, resp["type"])
}

func TestActionRelayExcludesSender(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	idA := h.handshake(t, a, "alice")
	h.handshake(t, b, "bob")

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	sessionID := a.lastFrame(t, 2)["sessionId"].(string)
	b.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID})
	b.awaitFrames(t, 2)
	a.awaitFrames(t, 3)

	a.deliver(protocol.PlayerAction{
		Type:      protocol.TypePlayerAction,
		SessionID: sessionID,
		Action:    json.RawMessage(`{"kind":"move","dx":1}`),
		Timestamp: 1234,
	})

	relayed := b.lastFrame(t, 3)
	assert.Equal(t, protocol.TypePlayerAction, relayed["type"])
	assert.Equal(t, idA, relayed["playerId"])
	action := relayed["action"].(map[string]any)
	assert.Equal(t, "move", action["kind"])

	// The sender must not see an echo of its own action.
	time.Sleep(10 * time.Millisecond)
	for _, frame := range a.awaitFrames(t, 3) {
		assert.NotEqual(t, protocol.TypePlayerAction, frame["type"])
	}
}

func TestRelayWithoutSessionRejected(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)
	h.handshake(t, conn, "alice")

	conn.deliver(protocol.Chat{
		Type:    protocol.TypeChat,
		Message: "anyone there?",
	})
	resp := conn.lastFrame(t, 2)
	assert.Equal(t, protocol.TypeError, resp["type"])
	assert.Equal(t, "Not in a session", resp["error"])
}

func TestLeaveSessionNotifiesOthers(t *testing.T) {
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

	b.deliver(protocol.Envelope{Type: protocol.TypeLeaveSession})

	left := a.lastFrame(t, 4)
	assert.Equal(t, protocol.TypePlayerLeft, left["type"])
	assert.Equal(t, idB, left["playerId"])
	assert.Equal(t, "bob", left["playerName"])

	s, ok := h.registry.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, 1, s.PlayerCount())
}

func TestDisconnectLeavesSessionAndMigratesHost(t *testing.T) {
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

	// The host's socket dies; the survivor inherits the session.
	a.Close()

	left := b.lastFrame(t, 3)
	assert.Equal(t, protocol.TypePlayerLeft, left["type"])

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, ok := h.registry.Get(sessionID)
		require.True(t, ok)
		if s.HostID() == idB {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("host never migrated to %s", idB)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRehandshakeDiscardsOldIdentity(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	idA := h.handshake(t, a, "alice")
	h.handshake(t, b, "bob")

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	sessionID := a.lastFrame(t, 2)["sessionId"].(string)
	b.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID})
	b.awaitFrames(t, 2)

	newID := h.handshake(t, a, "alice2")
	assert.NotEqual(t, idA, newID)

	// The old identity left the session and is no longer resolvable.
	left := b.lastFrame(t, 3)
	assert.Equal(t, protocol.TypePlayerLeft, left["type"])
	assert.Equal(t, idA, left["playerId"])

	_, ok := h.gateway.Lookup(idA)
	assert.False(t, ok)
	_, ok = h.gateway.Lookup(newID)
	assert.True(t, ok)
}

func TestJoinAnotherSessionReleasesFirst(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	idA := h.handshake(t, a, "alice")
	h.handshake(t, b, "bob")

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	firstID := a.lastFrame(t, 2)["sessionId"].(string)
	b.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	secondID := b.lastFrame(t, 2)["sessionId"].(string)

	a.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: secondID})
	joined := a.lastFrame(t, 3)
	require.Equal(t, protocol.TypeSessionJoined, joined["type"])

	// The first session lost its only member and must be gone; no stranded
	// entry may keep it alive.
	_, ok := h.registry.Get(firstID)
	assert.False(t, ok)

	// The player's one live membership is the new session.
	a.Close()
	left := b.lastFrame(t, 4)
	assert.Equal(t, protocol.TypePlayerLeft, left["type"])
	assert.Equal(t, idA, left["playerId"])
}

func TestCreateSessionWhileInSessionReleasesOld(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	idA := h.handshake(t, a, "alice")
	idB := h.handshake(t, b, "bob")

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	firstID := a.lastFrame(t, 2)["sessionId"].(string)
	b.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: firstID})
	b.awaitFrames(t, 2)
	a.awaitFrames(t, 3)

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	created := a.lastFrame(t, 4)
	require.Equal(t, protocol.TypeSessionCreated, created["type"])
	secondID := created["sessionId"].(string)

	// The old session saw the departure and host migrated to the survivor.
	left := b.lastFrame(t, 3)
	assert.Equal(t, protocol.TypePlayerLeft, left["type"])
	assert.Equal(t, idA, left["playerId"])

	first, ok := h.registry.Get(firstID)
	require.True(t, ok)
	assert.Equal(t, 1, first.PlayerCount())
	assert.Equal(t, idB, first.HostID())

	second, ok := h.registry.Get(secondID)
	require.True(t, ok)
	assert.Equal(t, idA, second.HostID())
	assert.Equal(t, 1, second.PlayerCount())
}

func TestFailedJoinKeepsCurrentSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	idA := h.handshake(t, a, "alice")

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	sessionID := a.lastFrame(t, 2)["sessionId"].(string)

	a.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: "no-such-session"})
	resp := a.lastFrame(t, 3)
	assert.Equal(t, protocol.TypeSessionJoinFailed, resp["type"])
	assert.Equal(t, "Session not found", resp["reason"])

	// The rejected join mutated nothing; the current membership stands.
	s, ok := h.registry.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, 1, s.PlayerCount())
	assert.Equal(t, idA, s.HostID())
}

func TestRelayTargetsNamedSession(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	h.handshake(t, a, "alice")
	h.handshake(t, b, "bob")

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	ownID := a.lastFrame(t, 2)["sessionId"].(string)
	b.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	otherID := b.lastFrame(t, 2)["sessionId"].(string)

	// Naming a session the sender is not in is rejected outright; the delta
	// must not land anywhere, least of all the sender's own session.
	a.deliver(protocol.StateSync{
		Type:      protocol.TypeStateSync,
		SessionID: otherID,
		State:     map[string]any{"score": 99},
		Timestamp: 1,
	})
	resp := a.lastFrame(t, 3)
	assert.Equal(t, protocol.TypeError, resp["type"])
	assert.Equal(t, "Not in a session", resp["error"])

	own, ok := h.registry.Get(ownID)
	require.True(t, ok)
	assert.Empty(t, own.State())
	other, ok := h.registry.Get(otherID)
	require.True(t, ok)
	assert.Empty(t, other.State())
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t)

	conn.deliver(protocol.Envelope{Type: protocol.TypeHeartbeat})
	resp := conn.lastFrame(t, 1)
	assert.Equal(t, protocol.TypeHeartbeatResponse, resp["type"])
}

func TestSendAfterTerminateIsNoOp(t *testing.T) {
	conn := newFakeConn()
	c := newClient(conn, time.Second)
	c.terminate()

	assert.NoError(t, c.Send(protocol.NewError("gone")))
	assert.Empty(t, conn.written)
}

func TestCloseAllDrainsConnections(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	h.handshake(t, a, "alice")
	h.handshake(t, b, "bob")

	h.gateway.CloseAll()
	h.waitAll()

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, h.gateway.ClientCount())
}

func TestSnapshotCounts(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t)
	b := h.connect(t)
	h.handshake(t, a, "alice")
	h.handshake(t, b, "bob")

	a.deliver(protocol.CreateSession{Type: protocol.TypeCreateSession})
	sessionID := a.lastFrame(t, 2)["sessionId"].(string)
	b.deliver(protocol.JoinSession{Type: protocol.TypeJoinSession, SessionID: sessionID})
	b.awaitFrames(t, 2)

	snap := h.gateway.Snapshot(h.registry)
	assert.Equal(t, 2, snap.Clients)
	assert.Equal(t, 1, snap.Sessions)
	assert.Equal(t, 2, snap.ActivePlayers)
}
