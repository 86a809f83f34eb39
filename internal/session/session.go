// Package session implements the registry, lifecycle rules, and broadcast
// routing for bounded multiplayer sessions. Each session operation holds the
// session's own lock across the full mutate-then-broadcast sequence, so
// operations on one session appear atomic to every observer while different
// sessions proceed in parallel.
package session

import (
	"sync"
	"time"

	"github.com/cory-johannsen/coop/internal/protocol"
)

// Player is a session member. Players are embedded in their Session and
// ordered by join time; that order is the host-migration tie-break.
type Player struct {
	// ID is the member's player identifier, assigned at handshake.
	ID string
	// Name is the display name supplied at handshake.
	Name string
	// IsHost marks the current migration-target member. Exactly one member
	// holds it while the session is non-empty.
	IsHost bool
	// CurrentRoom is the member's last known room.
	CurrentRoom string
	// Position is the member's last known world coordinates.
	Position protocol.Position
}

// Session is a bounded group of players sharing a broadcast scope. The
// Registry exclusively owns every Session; clients only ever hold the id as
// a lookup key.
type Session struct {
	mu sync.Mutex

	id         string
	hostID     string
	maxPlayers int
	mode       string
	worldID    string
	private    bool
	// passwordHash is the bcrypt hash of the join password; nil means no
	// password is required.
	passwordHash []byte
	// players is kept in join order.
	players   []*Player
	state     map[string]any
	createdAt time.Time

	// closed is set under mu when the last player leaves, before the
	// Registry entry is deleted, so a racing join never observes an
	// empty session.
	closed bool
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// HostID returns the current host's player id.
func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostID
}

// PlayerCount returns the current member count.
func (s *Session) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

// View returns the public projection of the session. Anything returned or
// broadcast to a non-member goes through this projection; it never exposes
// the password or member internals.
func (s *Session) View() protocol.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() protocol.SessionView {
	return protocol.SessionView{
		ID:          s.id,
		MaxPlayers:  s.maxPlayers,
		Mode:        s.mode,
		WorldID:     s.worldID,
		PlayerCount: len(s.players),
		HasPassword: len(s.passwordHash) > 0,
	}
}

// Roster returns the full member list in join order.
func (s *Session) Roster() []protocol.PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

func (s *Session) rosterLocked() []protocol.PlayerInfo {
	roster := make([]protocol.PlayerInfo, 0, len(s.players))
	for _, p := range s.players {
		roster = append(roster, playerInfo(p))
	}
	return roster
}

func playerInfo(p *Player) protocol.PlayerInfo {
	return protocol.PlayerInfo{
		ID:          p.ID,
		Name:        p.Name,
		IsHost:      p.IsHost,
		CurrentRoom: p.CurrentRoom,
		Position:    p.Position,
	}
}

// memberLocked returns the member with the given id and its index in join
// order. Callers must hold s.mu.
func (s *Session) memberLocked(playerID string) (*Player, int, bool) {
	for i, p := range s.players {
		if p.ID == playerID {
			return p, i, true
		}
	}
	return nil, 0, false
}

// applyStateLocked merges a delta into the session state one top-level key
// at a time; each incoming key unconditionally overwrites the prior value.
// Concurrent deltas touching the same key race in arrival order. Callers
// must hold s.mu.
func (s *Session) applyStateLocked(delta map[string]any) {
	for k, v := range delta {
		s.state[k] = v
	}
}

// State returns a copy of the session state map.
func (s *Session) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := make(map[string]any, len(s.state))
	for k, v := range s.state {
		state[k] = v
	}
	return state
}
