package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/coop/internal/catalog"
	"github.com/cory-johannsen/coop/internal/config"
	"github.com/cory-johannsen/coop/internal/protocol"
)

// Sender delivers an outbound envelope to a single connected player.
// Implementations must tolerate concurrent calls and must not block
// indefinitely; a failed delivery affects only that recipient.
type Sender interface {
	// PlayerID returns the identity the connection handshook with.
	PlayerID() string
	// Send encodes and writes one envelope. Sends to a closing connection
	// are silently dropped.
	Send(v any) error
}

// Directory resolves a player id to its live connection. Broadcast targets
// are matched by identity rather than by connection reference, so a player
// that reconnected under the same identity still receives traffic.
type Directory interface {
	Lookup(playerID string) (Sender, bool)
}

// Manager enforces the session lifecycle rules on top of the Registry:
// creation, join preconditions (capacity, password), leave, and the
// deterministic FIFO host-migration policy.
type Manager struct {
	registry *Registry
	dir      Directory
	catalog  *catalog.Catalog
	logger   *zap.Logger

	maxPlayersLimit int
	bcryptCost      int
}

// defaultMaxPlayers is used when create_session omits a positive maxPlayers.
const defaultMaxPlayers = 4

// NewManager creates a Manager.
//
// Precondition: registry, dir, and logger must be non-nil; cat may be nil
// when no world catalogue is configured.
func NewManager(registry *Registry, dir Directory, cfg config.SessionConfig, cat *catalog.Catalog, logger *zap.Logger) *Manager {
	return &Manager{
		registry:        registry,
		dir:             dir,
		catalog:         cat,
		logger:          logger,
		maxPlayersLimit: cfg.MaxPlayersLimit,
		bcryptCost:      cfg.BcryptCost,
	}
}

// Create builds a new session with the requester as sole member and host,
// inserts it into the Registry, and returns the public view.
//
// Precondition: playerID must be a handshaken identity.
// Postcondition: On success the session is visible in the Registry with the
// requester as host; the returned view never exposes the password.
func (m *Manager) Create(playerID, playerName string, opts protocol.SessionOptions) (protocol.SessionView, error) {
	if playerID == "" {
		return protocol.SessionView{}, ErrNotAuthenticated
	}

	maxPlayers := opts.MaxPlayers
	if maxPlayers < 1 {
		maxPlayers = defaultMaxPlayers
	}
	if m.maxPlayersLimit > 0 && maxPlayers > m.maxPlayersLimit {
		m.logger.Debug("clamping maxPlayers to configured limit",
			zap.Int("requested", maxPlayers),
			zap.Int("limit", m.maxPlayersLimit),
		)
		maxPlayers = m.maxPlayersLimit
	}

	mode, worldID := m.resolveWorld(opts.Mode, opts.WorldID)

	var passwordHash []byte
	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), m.bcryptCost)
		if err != nil {
			return protocol.SessionView{}, fmt.Errorf("hashing session password: %w", err)
		}
		passwordHash = hash
	}

	host := &Player{
		ID:     playerID,
		Name:   playerName,
		IsHost: true,
	}
	s := &Session{
		id:           uuid.NewString(),
		hostID:       playerID,
		maxPlayers:   maxPlayers,
		mode:         mode,
		worldID:      worldID,
		private:      opts.Private,
		passwordHash: passwordHash,
		players:      []*Player{host},
		state:        make(map[string]any),
		createdAt:    time.Now(),
	}
	m.registry.add(s)

	m.logger.Info("session created",
		zap.String("session_id", s.id),
		zap.String("host_id", playerID),
		zap.Int("max_players", maxPlayers),
		zap.String("mode", mode),
		zap.String("world_id", worldID),
		zap.Bool("private", opts.Private),
	)
	return s.View(), nil
}

// resolveWorld fills empty mode/worldId from the catalogue defaults. Unknown
// worlds are logged but never rejected; worldId stays free-form.
func (m *Manager) resolveWorld(mode, worldID string) (string, string) {
	if m.catalog != nil {
		if mode == "" {
			mode = m.catalog.DefaultMode()
		}
		if worldID == "" {
			worldID = m.catalog.DefaultWorld()
		} else if !m.catalog.HasWorld(worldID) {
			m.logger.Warn("session references world not in catalogue",
				zap.String("world_id", worldID),
			)
		}
	}
	return mode, worldID
}

// Join adds the requester to an existing session, replies with the full
// current roster, and announces the newcomer to the other members.
//
// Postcondition: On failure no session state is mutated and the error names
// the reason (ErrSessionNotFound, ErrInvalidPassword, ErrSessionFull).
func (m *Manager) Join(playerID, playerName, sessionID, password string) ([]protocol.PlayerInfo, error) {
	if playerID == "" {
		return nil, ErrNotAuthenticated
	}

	s, ok := m.registry.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionNotFound
	}
	if s.private && len(s.passwordHash) > 0 {
		if bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)) != nil {
			return nil, ErrInvalidPassword
		}
	}
	if _, _, exists := s.memberLocked(playerID); exists {
		// Re-join under the same identity: already a member, just return
		// the roster without duplicating the entry.
		return s.rosterLocked(), nil
	}
	if len(s.players) >= s.maxPlayers {
		return nil, ErrSessionFull
	}

	joiner := &Player{
		ID:   playerID,
		Name: playerName,
	}
	s.players = append(s.players, joiner)

	m.broadcastLocked(s, playerID, protocol.PlayerJoined{
		Type:   protocol.TypePlayerJoined,
		Player: playerInfo(joiner),
	})

	m.logger.Info("player joined session",
		zap.String("session_id", s.id),
		zap.String("player_id", playerID),
		zap.Int("player_count", len(s.players)),
	)
	return s.rosterLocked(), nil
}

// Leave removes the player from the session, announcing the departure to
// the remaining members. If the departing player was host, the first
// remaining player in join order becomes the new host. When the last player
// leaves, the session is deleted from the Registry in the same logical
// step.
//
// Postcondition: Never fails; a missing session or membership is a no-op.
func (m *Manager) Leave(playerID, sessionID string) {
	if playerID == "" || sessionID == "" {
		return
	}
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	departing, idx, ok := s.memberLocked(playerID)
	if !ok {
		return
	}
	s.players = append(s.players[:idx], s.players[idx+1:]...)

	m.broadcastLocked(s, playerID, protocol.PlayerLeft{
		Type:       protocol.TypePlayerLeft,
		PlayerID:   departing.ID,
		PlayerName: departing.Name,
	})

	if len(s.players) == 0 {
		// Tombstone under the session lock so no join can land on an
		// observably empty session, then drop the Registry entry.
		s.closed = true
		m.registry.remove(s.id)
		m.logger.Info("session deleted",
			zap.String("session_id", s.id),
			zap.String("last_player_id", playerID),
		)
		return
	}

	if departing.IsHost {
		next := s.players[0]
		next.IsHost = true
		s.hostID = next.ID
		m.logger.Info("host migrated",
			zap.String("session_id", s.id),
			zap.String("old_host_id", departing.ID),
			zap.String("new_host_id", next.ID),
		)
	}

	m.logger.Info("player left session",
		zap.String("session_id", s.id),
		zap.String("player_id", playerID),
		zap.Int("player_count", len(s.players)),
	)
}

// broadcastLocked fans out msg to every member except exceptID, matched by
// player identity. Delivery failure to one member never blocks the others;
// it is logged and skipped. Callers must hold s.mu.
func (m *Manager) broadcastLocked(s *Session, exceptID string, msg any) {
	fanOutLocked(m.dir, m.logger, s, exceptID, msg)
}

func fanOutLocked(dir Directory, logger *zap.Logger, s *Session, exceptID string, msg any) {
	for _, p := range s.players {
		if p.ID == exceptID {
			continue
		}
		sender, ok := dir.Lookup(p.ID)
		if !ok {
			continue
		}
		if err := sender.Send(msg); err != nil {
			logger.Warn("broadcast delivery failed",
				zap.String("session_id", s.id),
				zap.String("player_id", p.ID),
				zap.Error(err),
			)
		}
	}
}
