// Package gateway accepts WebSocket connections, performs the identity
// handshake, demultiplexes inbound envelopes to the session layer, and runs
// the shared liveness sweep over all connections.
package gateway

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn is the subset of *websocket.Conn the gateway relies on. Tests
// substitute an in-memory fake.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is the per-connection state: the transport plus the identity
// established by handshake. A Client is owned exclusively by the gateway
// and destroyed when the connection closes; its session membership is held
// only as a lookup key into the session Registry, never an ownership edge.
type Client struct {
	conn         wsConn
	writeTimeout time.Duration

	mu            sync.Mutex
	playerID      string
	playerName    string
	clientVersion string
	sessionID     string
	connectedAt   time.Time
	closed        bool

	// probeAcked reports whether the connection answered the previous
	// liveness probe. The sweep clears it before probing; pong receipt,
	// application heartbeats, and any inbound traffic set it.
	probeAcked atomic.Bool
}

func newClient(conn wsConn, writeTimeout time.Duration) *Client {
	c := &Client{
		conn:         conn,
		writeTimeout: writeTimeout,
		connectedAt:  time.Now(),
	}
	c.probeAcked.Store(true)
	return c
}

// PlayerID returns the identity established by handshake, or "" before one.
func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// PlayerName returns the display name supplied at handshake.
func (c *Client) PlayerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerName
}

// SessionID returns the id of the session the client is in, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setIdentity(playerID, playerName, clientVersion string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playerID = playerID
	c.playerName = playerName
	c.clientVersion = clientVersion
}

func (c *Client) setSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// Send encodes v as JSON and writes it as one text frame. Sends to a
// connection that is already closing are silently dropped so that a race
// between a broadcast and a close never surfaces as an error.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", v, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %T: %w", v, err)
	}
	return nil
}

// ping sends a transport-level liveness probe. Control frames may be
// written concurrently with Send.
func (c *Client) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// terminate closes the underlying connection once. Subsequent Send calls
// become no-ops.
func (c *Client) terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
}
