package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/coop/internal/config"
)

// Monitor probes every connection on a single shared ticker. Each sweep
// first terminates connections that never answered the previous probe,
// then arms the next one with a transport ping. Any inbound traffic,
// a pong, or an application heartbeat counts as an answer, so a client
// is only dropped after staying silent for two full sweep intervals.
type Monitor struct {
	gateway *Gateway
	cfg     config.LivenessConfig
	logger  *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMonitor creates a liveness Monitor over the gateway's connections.
//
// Precondition: gateway and logger must be non-nil.
func NewMonitor(gateway *Gateway, cfg config.LivenessConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Start runs the sweep loop. It blocks until Stop is called.
func (m *Monitor) Start() error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started",
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
	)

	for {
		select {
		case <-m.stop:
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

// Stop ends the sweep loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// sweep visits every connection once. Terminating a connection only closes
// the socket; the read loop then runs the standard disconnect path, which
// handles session departure and host migration.
func (m *Monitor) sweep() {
	for _, c := range m.gateway.clientsSnapshot() {
		if !c.probeAcked.Load() {
			m.logger.Info("closing unresponsive connection",
				zap.String("player_id", c.PlayerID()),
			)
			c.terminate()
			continue
		}
		c.probeAcked.Store(false)
		if err := c.ping(); err != nil {
			m.logger.Debug("liveness ping failed",
				zap.String("player_id", c.PlayerID()),
				zap.Error(err),
			)
		}
	}
}
