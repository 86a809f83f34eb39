// Package protocol defines the JSON message envelopes exchanged between
// clients and the coop server over the WebSocket transport. Every message
// carries a "type" discriminator plus type-specific fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client-to-server message types.
const (
	TypeHandshake     = "handshake"
	TypeCreateSession = "create_session"
	TypeJoinSession   = "join_session"
	TypeLeaveSession  = "leave_session"
	TypePlayerAction  = "player_action"
	TypeStateSync     = "state_sync"
	TypeChat          = "chat"
	TypeHeartbeat     = "heartbeat"
)

// Server-to-client message types. player_action, state_sync, and chat are
// reused verbatim for relayed events.
const (
	TypeHandshakeResponse = "handshake_response"
	TypeSessionCreated    = "session_created"
	TypeSessionJoined     = "session_joined"
	TypeSessionJoinFailed = "session_join_failed"
	TypePlayerJoined      = "player_joined"
	TypePlayerLeft        = "player_left"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeError             = "error"
)

// Envelope is the minimal shape every message must satisfy.
type Envelope struct {
	Type string `json:"type"`
}

// TypeOf extracts the type discriminator from a raw envelope.
//
// Precondition: raw must be non-empty.
// Postcondition: Returns the non-empty type string, or a non-nil error for
// malformed JSON or a missing discriminator.
func TypeOf(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return "", errors.New("envelope missing type")
	}
	return env.Type, nil
}
