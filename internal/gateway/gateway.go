package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/coop/internal/config"
	"github.com/cory-johannsen/coop/internal/session"
)

// Gateway accepts inbound WebSocket connections and owns every Client. It
// implements session.Directory so the session layer resolves broadcast
// targets by player identity, which survives a reconnect under the same id.
type Gateway struct {
	cfg           config.GatewayConfig
	serverVersion string
	logger        *zap.Logger

	manager *session.Manager
	router  *session.Router

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	byPlayer map[string]*Client
	draining bool
}

// New creates a Gateway. Bind must be called before serving traffic.
//
// Precondition: logger must be non-nil.
func New(cfg config.GatewayConfig, serverVersion string, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:           cfg,
		serverVersion: serverVersion,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients connect from arbitrary origins; the handshake
			// is the only gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:  make(map[*Client]struct{}),
		byPlayer: make(map[string]*Client),
	}
}

// Bind wires the session layer. It is separate from New because the
// Manager and Router resolve broadcast targets through the Gateway itself.
//
// Precondition: manager and router must be non-nil.
func (g *Gateway) Bind(manager *session.Manager, router *session.Router) {
	g.manager = manager
	g.router = router
}

// HandleWS upgrades an HTTP request and serves the connection until it
// closes. It blocks for the lifetime of the connection.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	g.serve(conn)
}

// serve runs the per-connection receive loop and the standard cleanup when
// it exits, for any reason.
func (g *Gateway) serve(conn wsConn) {
	c := newClient(conn, g.cfg.WriteTimeout)
	conn.SetReadLimit(g.cfg.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		c.probeAcked.Store(true)
		return nil
	})

	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.clients[c] = struct{}{}
	g.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			g.logger.Debug("connection read ended",
				zap.String("player_id", c.PlayerID()),
				zap.Error(err),
			)
			break
		}
		c.probeAcked.Store(true)
		g.dispatch(c, raw)
	}

	g.disconnect(c)
}

// disconnect is the single cleanup path shared by voluntary closes, socket
// errors, and liveness terminations: the player leaves any session it was
// in (with host migration or session deletion as usual), then the Client is
// destroyed. Failures here never propagate to other connections.
func (g *Gateway) disconnect(c *Client) {
	playerID := c.PlayerID()
	sessionID := c.SessionID()

	if g.manager != nil && sessionID != "" {
		g.manager.Leave(playerID, sessionID)
	}
	c.setSession("")

	g.mu.Lock()
	delete(g.clients, c)
	if playerID != "" && g.byPlayer[playerID] == c {
		delete(g.byPlayer, playerID)
	}
	g.mu.Unlock()

	c.terminate()

	if playerID != "" {
		g.logger.Info("player disconnected",
			zap.String("player_id", playerID),
			zap.Duration("connected", time.Since(c.connectedAt)),
		)
	}
}

// Lookup implements session.Directory.
func (g *Gateway) Lookup(playerID string) (session.Sender, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.byPlayer[playerID]
	if !ok {
		return nil, false
	}
	return c, true
}

// bindIdentity maps a freshly handshaken identity to its connection,
// replacing any previous mapping for the same connection.
func (g *Gateway) bindIdentity(c *Client, oldPlayerID, playerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if oldPlayerID != "" && g.byPlayer[oldPlayerID] == c {
		delete(g.byPlayer, oldPlayerID)
	}
	g.byPlayer[playerID] = c
}

// ClientCount returns the number of open connections, handshaken or not.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// clientsSnapshot returns the current connections for the liveness sweep.
func (g *Gateway) clientsSnapshot() []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		out = append(out, c)
	}
	return out
}

// CloseAll refuses new connections and closes every live one, driving each
// read loop through the standard disconnect path.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	g.draining = true
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.terminate()
	}
	g.logger.Info("gateway drained", zap.Int("connections_closed", len(clients)))
}
