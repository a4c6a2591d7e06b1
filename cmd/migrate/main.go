package main

import (
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/db"
	"github.com/hackgods/clinic-scheduling-engine/internal/logging"
	"github.com/hackgods/clinic-scheduling-engine/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "dev").Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "migrate").Logger()

	if cfg.PostgresDSN == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	logger.Info().Msg("applying migrations")
	if err := db.Migrate(cfg.PostgresDSN, migrations.FS); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	logger.Info().Msg("migrations up to date")
}
