package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling-engine/internal/app"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "dev").Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("storage", cfg.StorageBackend).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("wiring failed")
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           a.Handler(version),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return rootCtx },
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down api-server")
		return srv.Shutdown(shutdownCtx)
	})

	// Memory state lives in this process, so nothing else can run the
	// readiness loop against it.
	if cfg.StorageBackend == config.StorageMemory {
		g.Go(func() error { return a.Runner().Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api-server stopped with error")
		a.Close()
		os.Exit(1)
	}
	logger.Info().Msg("api-server stopped")
}
