// Package app wires the scheduling engine from configuration. The api-server
// and readiness-worker binaries share it so both see the same stores and
// outreach policy.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-engine/internal/api"
	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/db"
	"github.com/hackgods/clinic-scheduling-engine/internal/notifier"
	"github.com/hackgods/clinic-scheduling-engine/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-engine/internal/outreach"
	"github.com/hackgods/clinic-scheduling-engine/internal/readiness"
	redisclient "github.com/hackgods/clinic-scheduling-engine/internal/redis"
	"github.com/hackgods/clinic-scheduling-engine/internal/worker"
)

type App struct {
	Config      config.Config
	Scheduling  *appointment.Service
	Readiness   *readiness.Tracker
	Outreach    *outreach.Coordinator
	Directory   appointment.ProviderStore
	Registry    *prometheus.Registry
	Postgres    *pgxpool.Pool // nil with the memory backend
	Redis       *redis.Client // nil when Redis is unreachable in memory mode
	Clock       func() time.Time
	log         zerolog.Logger
	cleanupFunc []func()
}

// Build connects the configured backends and wires the engine. With the
// postgres backend Redis is required; with the memory backend it is optional
// and the in-process locker is used when it cannot be reached.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		Clock:    WallClock(cfg.ClinicTimezone, time.Now),
		log:      logger,
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	switch {
	case err == nil:
		a.Redis = rdb
		a.onClose(func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing redis")
			}
		})
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
	case cfg.StorageBackend == config.StorageMemory:
		logger.Warn().Err(err).Msg("redis unavailable, using in-process locking")
	default:
		return nil, fmt.Errorf("redis connection: %w", err)
	}

	var (
		repo         appointment.Repository
		directory    appointment.ProviderStore
		readyStore   readiness.Store
		outreachRepo outreach.Store
	)
	switch cfg.StorageBackend {
	case config.StoragePostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.Postgres = pool
		a.onClose(pool.Close)
		logger.Info().Msg("connected to Postgres")

		pgRepo := appointment.NewPgRepository(pool)
		repo, directory = pgRepo, pgRepo
		readyStore = readiness.NewPgStore(pool)
		outreachRepo = outreach.NewPgStore(pool)
	default:
		memRepo := appointment.NewMemoryRepository()
		repo, directory = memRepo, memRepo
		readyStore = readiness.NewMemoryStore()
		outreachRepo = outreach.NewMemoryStore()
	}

	locker := redisclient.NewLocalLocker()
	if a.Redis != nil {
		locker = redisclient.NewRedisLocker(a.Redis, cfg.LockTTL)
	}

	// Nil collectors are no-ops when metrics are disabled.
	var (
		schedMetrics    *metrics.SchedulingMetrics
		readyMetrics    *metrics.ReadinessMetrics
		outreachMetrics *metrics.OutreachMetrics
	)
	if cfg.MetricsEnabled {
		schedMetrics = metrics.NewSchedulingMetrics(a.Registry)
		readyMetrics = metrics.NewReadinessMetrics(a.Registry)
		outreachMetrics = metrics.NewOutreachMetrics(a.Registry)
	}

	a.Directory = directory
	a.Scheduling = appointment.NewService(repo, locker, cfg.Scheduling, logger, schedMetrics).WithClock(a.Clock)
	a.Readiness = readiness.NewTracker(readyStore, cfg.Scheduling, logger, readyMetrics).WithClock(a.Clock)
	a.Outreach = outreach.NewCoordinator(outreachRepo, a.Readiness, repo, a.notifier(), cfg.Outreach, logger, outreachMetrics).
		WithClock(a.Clock)

	// Readiness must exist before outreach reports attempts against it.
	a.Scheduling.Subscribe(a.Readiness)
	a.Scheduling.Subscribe(a.Outreach)

	return a, nil
}

// notifier routes sms and call through the Redis queue the notifier service
// consumes, email through SendGrid when a key is configured, and logs the
// rest.
func (a *App) notifier() notifier.Notifier {
	fallback := notifier.NewLogNotifier(a.log)
	router := notifier.NewRouter().Handle(fallback, notifier.ChannelSMS, notifier.ChannelCall, notifier.ChannelEmail)

	if a.Redis != nil {
		router.Handle(notifier.NewRedisQueue(a.Redis, a.Config.Notifier.Queue), notifier.ChannelSMS, notifier.ChannelCall)
	}
	if sg := notifier.NewSendGridNotifier(notifier.SendGridConfig{
		APIKey:    a.Config.Notifier.SendGridAPIKey,
		FromEmail: a.Config.Notifier.FromEmail,
		FromName:  a.Config.Notifier.FromName,
	}, a.log); sg != nil {
		router.Handle(sg, notifier.ChannelEmail)
	}
	return router
}

// Handler builds the HTTP surface.
func (a *App) Handler(version string) http.Handler {
	cfg := api.RouterConfig{
		Scheduling: a.Scheduling,
		Readiness:  a.Readiness,
		Outreach:   a.Outreach,
		Redis:      a.Redis,
		Logger:     a.log,
		Clock:      a.Clock,
		Env:        a.Config.Env,
		Version:    version,
	}
	if a.Postgres != nil {
		cfg.Postgres = a.Postgres
	}
	if a.Config.MetricsEnabled {
		cfg.Metrics = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{})
	}
	return api.NewRouter(cfg)
}

// Runner builds the periodic overdue and outreach loop.
func (a *App) Runner() *worker.Runner {
	return worker.NewRunner(a.Readiness, a.Outreach, a.Config.WorkerInterval, a.log).WithClock(a.Clock)
}

// WallClock reads source in the clinic's zone and relabels the reading as
// UTC. Appointment starts are stored the same way, so every "now" handed to
// the engine compares against them directly.
func WallClock(loc *time.Location, source func() time.Time) func() time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return func() time.Time {
		t := source().In(loc)
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	}
}

func (a *App) onClose(fn func()) {
	a.cleanupFunc = append(a.cleanupFunc, fn)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.cleanupFunc) - 1; i >= 0; i-- {
		a.cleanupFunc[i]()
	}
	a.cleanupFunc = nil
}
