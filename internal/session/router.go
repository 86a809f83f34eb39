package session

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/cory-johannsen/coop/internal/protocol"
)

// Router fans out action, state, and chat messages to session members,
// always excluding the sender. It performs no semantic validation of the
// payloads; game-logic correctness is entirely the clients' concern.
type Router struct {
	registry *Registry
	dir      Directory
	logger   *zap.Logger
}

// NewRouter creates a Router over the given registry and directory.
//
// Precondition: registry, dir, and logger must be non-nil.
func NewRouter(registry *Registry, dir Directory, logger *zap.Logger) *Router {
	return &Router{
		registry: registry,
		dir:      dir,
		logger:   logger,
	}
}

// member resolves the session and verifies the sender's membership while
// taking the session lock. The lock is returned held on success.
func (r *Router) member(sessionID, senderID string) (*Session, error) {
	s, ok := r.registry.Get(sessionID)
	if !ok {
		return nil, ErrNotInSession
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrNotInSession
	}
	if _, _, ok := s.memberLocked(senderID); !ok {
		s.mu.Unlock()
		return nil, ErrNotInSession
	}
	return s, nil
}

// Action relays a player action verbatim to every other member.
//
// Precondition: senderID must be a current member of the session.
func (r *Router) Action(sessionID, senderID string, action json.RawMessage, timestamp int64) error {
	s, err := r.member(sessionID, senderID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	fanOutLocked(r.dir, r.logger, s, senderID, protocol.PlayerAction{
		Type:      protocol.TypePlayerAction,
		PlayerID:  senderID,
		Action:    action,
		Timestamp: timestamp,
	})
	return nil
}

// StateSync merges the delta into the session state (last-write-wins per
// top-level key) and relays the raw delta as received, not the merged
// result, to every other member.
func (r *Router) StateSync(sessionID, senderID string, delta map[string]any, timestamp int64) error {
	s, err := r.member(sessionID, senderID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.applyStateLocked(delta)
	fanOutLocked(r.dir, r.logger, s, senderID, protocol.StateSync{
		Type:      protocol.TypeStateSync,
		PlayerID:  senderID,
		State:     delta,
		Timestamp: timestamp,
	})
	return nil
}

// Chat relays a chat message to every other member; nothing is stored.
func (r *Router) Chat(sessionID, senderID, message string, timestamp int64) error {
	s, err := r.member(sessionID, senderID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	fanOutLocked(r.dir, r.logger, s, senderID, protocol.Chat{
		Type:      protocol.TypeChat,
		PlayerID:  senderID,
		Message:   message,
		Timestamp: timestamp,
	})
	return nil
}
