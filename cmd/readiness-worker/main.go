package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/hackgods/clinic-scheduling-engine/internal/app"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "dev").Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "readiness-worker").Logger()

	// A separate worker only makes sense against shared storage; the memory
	// backend runs this loop inside the api-server.
	if cfg.StorageBackend != config.StoragePostgres {
		logger.Fatal().Str("storage", cfg.StorageBackend).Msg("readiness-worker requires STORAGE_BACKEND=postgres")
	}

	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("readiness-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("wiring failed")
	}
	defer a.Close()

	if err := a.Runner().Run(rootCtx); err != nil {
		logger.Error().Err(err).Msg("readiness-worker stopped with error")
		return
	}
	logger.Info().Msg("shutdown signal received, readiness-worker stopped")
}
