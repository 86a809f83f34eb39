// Package main provides the coop server binary: a WebSocket coordination
// server for multiplayer game sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/coop/internal/catalog"
	"github.com/cory-johannsen/coop/internal/config"
	"github.com/cory-johannsen/coop/internal/gateway"
	"github.com/cory-johannsen/coop/internal/observability"
	"github.com/cory-johannsen/coop/internal/server"
	"github.com/cory-johannsen/coop/internal/session"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting coop server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("version", cfg.Server.Version),
	)

	// Load the world catalogue, if one is configured.
	var worlds *catalog.Catalog
	if cfg.Catalog.WorldsFile != "" {
		catStart := time.Now()
		worlds, err = catalog.LoadFile(cfg.Catalog.WorldsFile)
		if err != nil {
			logger.Fatal("loading world catalogue", zap.Error(err))
		}
		logger.Info("world catalogue loaded",
			zap.Int("worlds", worlds.WorldCount()),
			zap.String("default_world", worlds.DefaultWorld()),
			zap.Duration("elapsed", time.Since(catStart)),
		)
	}

	// Build services. The gateway doubles as the directory the session
	// layer resolves broadcast targets through, so it is built first and
	// bound after.
	registry := session.NewRegistry()
	gw := gateway.New(cfg.Gateway, cfg.Server.Version, logger)
	manager := session.NewManager(registry, gw, cfg.Session, worlds, logger)
	router := session.NewRouter(registry, gw, logger)
	gw.Bind(manager, router)

	monitor := gateway.NewMonitor(gw, cfg.Liveness, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	mux.HandleFunc("/snapshot", gw.SnapshotHandler(registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: mux,
	}

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("http", &server.FuncService{
		StartFn: func() error {
			err := httpServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownGrace)
			defer cancel()
			gw.CloseAll()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		},
	})

	lifecycle.Add("liveness", monitor)

	logger.Info("coop server initialized",
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
