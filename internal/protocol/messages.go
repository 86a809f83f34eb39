package protocol

import "encoding/json"

// Handshake establishes a player identity for the connection.
type Handshake struct {
	Type       string `json:"type"`
	PlayerName string `json:"playerName"`
	Version    string `json:"version"`
}

// SessionOptions carries the create_session parameters.
type SessionOptions struct {
	MaxPlayers int    `json:"maxPlayers"`
	Mode       string `json:"mode"`
	WorldID    string `json:"worldId"`
	Private    bool   `json:"private"`
	Password   string `json:"password,omitempty"`
}

// CreateSession asks the server to create a new session with the requester
// as sole member and host.
type CreateSession struct {
	Type    string         `json:"type"`
	Options SessionOptions `json:"options"`
}

// JoinSession asks the server to add the requester to an existing session.
type JoinSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Password  string `json:"password,omitempty"`
}

// PlayerAction is a content-agnostic game action. Inbound it names the
// session; outbound it names the acting player. The action payload is
// relayed verbatim, never interpreted by the server.
type PlayerAction struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	PlayerID  string          `json:"playerId,omitempty"`
	Action    json.RawMessage `json:"action"`
	Timestamp int64           `json:"timestamp"`
}

// StateSync carries a state delta. Each top-level key overwrites the prior
// value in the session state map (last-write-wins); members receive the raw
// delta as sent, not the merged result.
type StateSync struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	PlayerID  string         `json:"playerId,omitempty"`
	State     map[string]any `json:"state"`
	Timestamp int64          `json:"timestamp"`
}

// Chat is a pure relay message; the server neither stores nor inspects it.
type Chat struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	PlayerID  string `json:"playerId,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// HandshakeResponse returns the generated identity and the server version.
type HandshakeResponse struct {
	Type          string `json:"type"`
	PlayerID      string `json:"playerId"`
	ServerVersion string `json:"serverVersion"`
}

// SessionView is the public projection of a session. Anything broadcast or
// returned to a non-member goes through this shape; it never exposes the
// password or other players' internal fields.
type SessionView struct {
	ID          string `json:"id"`
	MaxPlayers  int    `json:"maxPlayers"`
	Mode        string `json:"mode"`
	WorldID     string `json:"worldId"`
	PlayerCount int    `json:"playerCount"`
	HasPassword bool   `json:"hasPassword"`
}

// Position is a player's last known world coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlayerInfo is a roster entry for a session member.
type PlayerInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	IsHost      bool     `json:"isHost"`
	CurrentRoom string   `json:"currentRoom"`
	Position    Position `json:"position"`
}

// SessionCreated confirms session creation to the requester.
type SessionCreated struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Session   SessionView `json:"session"`
}

// SessionJoined confirms a join and carries the full current roster.
type SessionJoined struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId"`
	Players   []PlayerInfo `json:"players"`
}

// SessionJoinFailed names the reason a join was rejected.
type SessionJoinFailed struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PlayerJoined announces a new member to the existing members.
type PlayerJoined struct {
	Type   string     `json:"type"`
	Player PlayerInfo `json:"player"`
}

// PlayerLeft announces a departure to the remaining members.
type PlayerLeft struct {
	Type       string `json:"type"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// HeartbeatResponse answers an application-level heartbeat.
type HeartbeatResponse struct {
	Type string `json:"type"`
}

// ErrorMessage is the uniform error reply; the connection stays open.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewError builds an error envelope from a message string.
func NewError(msg string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Error: msg}
}
