// Package worker drives the time-based parts of the engine from a ticker:
// overdue intake evaluation and outreach dispatch.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type OverdueEvaluator interface {
	EvaluateOverdue(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

type OutreachDriver interface {
	NudgeOverdue(ctx context.Context, ids []uuid.UUID, now time.Time) (int, error)
	DispatchDue(ctx context.Context, now time.Time) (int, error)
}

type Result struct {
	Overdue    int
	Nudged     int
	Dispatched int
}

type Runner struct {
	readiness OverdueEvaluator
	outreach  OutreachDriver
	interval  time.Duration
	timeout   time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewRunner(r OverdueEvaluator, o OutreachDriver, interval time.Duration, logger zerolog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		readiness: r,
		outreach:  o,
		interval:  interval,
		timeout:   20 * time.Second,
		log:       logger.With().Str("component", "worker").Logger(),
		now:       time.Now,
	}
}

func (r *Runner) WithClock(now func() time.Time) *Runner {
	if now != nil {
		r.now = now
	}
	return r
}

// RunOnce performs one tick. Overdue evaluation (followed by nudges) and
// dispatch of already-due outreach run concurrently; plans re-armed by a
// nudge go out on the next tick.
func (r *Runner) RunOnce(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ids, err := r.readiness.EvaluateOverdue(gctx, now)
		res.Overdue = len(ids)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res.Nudged, err = r.outreach.NudgeOverdue(gctx, ids, now)
		return err
	})
	g.Go(func() error {
		var err error
		res.Dispatched, err = r.outreach.DispatchDue(gctx, now)
		return err
	})

	err := g.Wait()
	return res, err
}

// Run ticks until ctx is cancelled, starting with an immediate run.
func (r *Runner) Run(ctx context.Context) error {
	r.tick(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("worker stopping")
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res, err := r.RunOnce(runCtx, r.now())
	if err != nil {
		r.log.Error().Err(err).Msg("worker run failed")
		return
	}
	r.log.Info().
		Int("overdue", res.Overdue).
		Int("nudged", res.Nudged).
		Int("dispatched", res.Dispatched).
		Dur("took", time.Since(start)).
		Msg("worker run complete")
}
