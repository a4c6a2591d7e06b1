package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/outreach"
	"github.com/hackgods/clinic-scheduling-engine/internal/readiness"
)

type RouterConfig struct {
	Scheduling *appointment.Service
	Readiness  *readiness.Tracker
	Outreach   *outreach.Coordinator
	Postgres   Pinger        // nil in memory mode
	Redis      *redis.Client // nil when using the in-process locker
	Metrics    http.Handler  // nil disables /metrics
	Logger     zerolog.Logger
	Clock      func() time.Time
	Env        string
	Version    string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	h := &Handler{
		scheduling: cfg.Scheduling,
		readiness:  cfg.Readiness,
		outreach:   cfg.Outreach,
		log:        cfg.Logger.With().Str("component", "api").Logger(),
		now:        cfg.Clock,
	}

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.createAppointment)
		r.Get("/", h.listAppointments)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getAppointment)
			r.Post("/reschedule", h.rescheduleAppointment)
			r.Post("/cancel", h.transition(cfg.Scheduling.Cancel))
			r.Post("/complete", h.transition(cfg.Scheduling.Complete))
			r.Post("/no-show", h.transition(cfg.Scheduling.MarkNoShow))

			r.Post("/intake/progress", h.recordFormProgress)
			r.Post("/intake/submit", h.recordFormSubmitted)
			r.Post("/intake/reset", h.resetFormProgress)

			r.Get("/outreach", h.outreachHistory)
		})
	})

	r.Get("/providers/{id}/availability", h.availability)
	r.Get("/readiness/counts", h.readinessCounts)
	r.Post("/outreach/attempts", h.recordOutreachAttempt)

	return r
}
