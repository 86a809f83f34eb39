package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/coop/internal/protocol"
	"github.com/cory-johannsen/coop/internal/session"
)

// dispatch routes one inbound frame by its type discriminator. Protocol
// errors are answered with an error envelope on the same connection; the
// connection always stays open.
func (g *Gateway) dispatch(c *Client, raw []byte) {
	msgType, err := protocol.TypeOf(raw)
	if err != nil {
		g.reply(c, protocol.NewError("Invalid message format"))
		return
	}

	switch msgType {
	case protocol.TypeHandshake:
		g.handleHandshake(c, raw)
	case protocol.TypeCreateSession:
		g.handleCreateSession(c, raw)
	case protocol.TypeJoinSession:
		g.handleJoinSession(c, raw)
	case protocol.TypeLeaveSession:
		g.handleLeaveSession(c)
	case protocol.TypePlayerAction:
		g.handlePlayerAction(c, raw)
	case protocol.TypeStateSync:
		g.handleStateSync(c, raw)
	case protocol.TypeChat:
		g.handleChat(c, raw)
	case protocol.TypeHeartbeat:
		g.handleHeartbeat(c)
	default:
		g.reply(c, protocol.NewError(fmt.Sprintf("Unknown message type: %s", msgType)))
	}
}

// reply sends a message to the originating connection, logging send
// failures instead of surfacing them; the read loop notices a dead socket
// on its own.
func (g *Gateway) reply(c *Client, msg any) {
	if err := c.Send(msg); err != nil {
		g.logger.Warn("reply failed",
			zap.String("player_id", c.PlayerID()),
			zap.Error(err),
		)
	}
}

// handleHandshake assigns a fresh server-generated identity. A repeat
// handshake on the same connection discards the previous identity: the
// player leaves any session it was in, then starts over under a new id.
func (g *Gateway) handleHandshake(c *Client, raw []byte) {
	var msg protocol.Handshake
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.reply(c, protocol.NewError("Invalid message format"))
		return
	}

	oldPlayerID := c.PlayerID()
	if oldPlayerID != "" {
		if sid := c.SessionID(); sid != "" {
			g.manager.Leave(oldPlayerID, sid)
			c.setSession("")
		}
	}

	playerID := uuid.NewString()
	c.setIdentity(playerID, msg.PlayerName, msg.Version)
	g.bindIdentity(c, oldPlayerID, playerID)

	g.logger.Info("player handshake",
		zap.String("player_id", playerID),
		zap.String("player_name", msg.PlayerName),
		zap.String("client_version", msg.Version),
	)

	g.reply(c, protocol.HandshakeResponse{
		Type:          protocol.TypeHandshakeResponse,
		PlayerID:      playerID,
		ServerVersion: g.serverVersion,
	})
}

func (g *Gateway) handleCreateSession(c *Client, raw []byte) {
	var msg protocol.CreateSession
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.reply(c, protocol.NewError("Invalid message format"))
		return
	}

	view, err := g.manager.Create(c.PlayerID(), c.PlayerName(), msg.Options)
	if err != nil {
		g.reply(c, protocol.NewError(err.Error()))
		return
	}
	// A player moves between sessions, never occupies two: once the new
	// session exists, the old membership is released so no stranded entry
	// can pin its session alive.
	if sid := c.SessionID(); sid != "" {
		g.manager.Leave(c.PlayerID(), sid)
	}
	c.setSession(view.ID)

	g.reply(c, protocol.SessionCreated{
		Type:      protocol.TypeSessionCreated,
		SessionID: view.ID,
		Session:   view,
	})
}

func (g *Gateway) handleJoinSession(c *Client, raw []byte) {
	var msg protocol.JoinSession
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.reply(c, protocol.NewError("Invalid message format"))
		return
	}

	if c.PlayerID() == "" {
		g.reply(c, protocol.NewError(session.ErrNotAuthenticated.Error()))
		return
	}

	players, err := g.manager.Join(c.PlayerID(), c.PlayerName(), msg.SessionID, msg.Password)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrInvalidPassword),
		errors.Is(err, session.ErrSessionFull):
		g.reply(c, protocol.SessionJoinFailed{
			Type:   protocol.TypeSessionJoinFailed,
			Reason: err.Error(),
		})
		return
	default:
		g.reply(c, protocol.NewError(err.Error()))
		return
	}
	// Joining a different session releases the current membership; joining
	// the session the player is already in is an idempotent roster read and
	// must not churn it. Failed joins above leave everything untouched.
	if sid := c.SessionID(); sid != "" && sid != msg.SessionID {
		g.manager.Leave(c.PlayerID(), sid)
	}
	c.setSession(msg.SessionID)

	g.reply(c, protocol.SessionJoined{
		Type:      protocol.TypeSessionJoined,
		SessionID: msg.SessionID,
		Players:   players,
	})
}

// handleLeaveSession removes the player from its current session. Leaving
// while not in a session is a silent no-op, as is leaving before handshake.
func (g *Gateway) handleLeaveSession(c *Client) {
	sid := c.SessionID()
	if sid == "" {
		return
	}
	g.manager.Leave(c.PlayerID(), sid)
	c.setSession("")
}

func (g *Gateway) handlePlayerAction(c *Client, raw []byte) {
	var msg protocol.PlayerAction
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.reply(c, protocol.NewError("Invalid message format"))
		return
	}
	if err := g.router.Action(msg.SessionID, c.PlayerID(), msg.Action, msg.Timestamp); err != nil {
		g.reply(c, protocol.NewError(err.Error()))
	}
}

func (g *Gateway) handleStateSync(c *Client, raw []byte) {
	var msg protocol.StateSync
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.reply(c, protocol.NewError("Invalid message format"))
		return
	}
	if err := g.router.StateSync(msg.SessionID, c.PlayerID(), msg.State, msg.Timestamp); err != nil {
		g.reply(c, protocol.NewError(err.Error()))
	}
}

func (g *Gateway) handleChat(c *Client, raw []byte) {
	var msg protocol.Chat
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.reply(c, protocol.NewError("Invalid message format"))
		return
	}
	if err := g.router.Chat(msg.SessionID, c.PlayerID(), msg.Message, msg.Timestamp); err != nil {
		g.reply(c, protocol.NewError(err.Error()))
	}
}

// handleHeartbeat answers the application-level heartbeat and counts as
// proof of life for the liveness monitor, same as a transport pong.
func (g *Gateway) handleHeartbeat(c *Client) {
	c.probeAcked.Store(true)
	g.reply(c, protocol.HeartbeatResponse{Type: protocol.TypeHeartbeatResponse})
}
