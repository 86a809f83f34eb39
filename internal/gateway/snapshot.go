package gateway

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/cory-johannsen/coop/internal/session"
)

// Snapshot is a point-in-time count of server activity, served over plain
// HTTP for operators and monitoring.
type Snapshot struct {
	Clients       int `json:"clients"`
	Sessions      int `json:"sessions"`
	ActivePlayers int `json:"activePlayers"`
}

// Snapshot reports current connection and session counts. The counts are
// taken independently, so a concurrent join or leave may skew them by one.
func (g *Gateway) Snapshot(registry *session.Registry) Snapshot {
	return Snapshot{
		Clients:       g.ClientCount(),
		Sessions:      registry.Count(),
		ActivePlayers: registry.ActivePlayers(),
	}
}

// SnapshotHandler serves the activity snapshot as JSON.
func (g *Gateway) SnapshotHandler(registry *session.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(g.Snapshot(registry)); err != nil {
			g.logger.Warn("snapshot encode failed", zap.Error(err))
		}
	}
}
