package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/observability/metrics"
)

// casRetries bounds how often a write is replayed after losing a version race.
const casRetries = 5

// Tracker owns the intake readiness lifecycle. Every write is a
// read-modify-write guarded by the record version, so concurrent progress,
// submission and overdue evaluation never overwrite each other.
type Tracker struct {
	store   Store
	lead    time.Duration
	log     zerolog.Logger
	metrics *metrics.ReadinessMetrics
	now     func() time.Time
}

func NewTracker(store Store, cfg config.SchedulingConfig, logger zerolog.Logger, m *metrics.ReadinessMetrics) *Tracker {
	return &Tracker{
		store:   store,
		lead:    cfg.IntakeLeadTime,
		log:     logger.With().Str("component", "readiness").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for UpdatedAt stamps.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	if now != nil {
		t.now = now
	}
	return t
}

func (t *Tracker) LeadTime() time.Duration { return t.lead }

// OnAppointmentCreated starts intake at not-started, 0%. Calling it again for
// the same appointment returns the existing record.
func (t *Tracker) OnAppointmentCreated(ctx context.Context, appt appointment.Appointment) (*Record, error) {
	rec := &Record{
		AppointmentID:     appt.ID,
		ProviderID:        appt.ProviderID,
		AppointmentStart:  appt.Start,
		AppointmentStatus: appointment.StatusScheduled,
		Status:            StatusNotStarted,
		Confirmation:      Unconfirmed,
		UpdatedAt:         t.now(),
	}

	err := t.store.Insert(ctx, rec)
	if errors.Is(err, ErrAlreadyExists) {
		return t.store.Get(ctx, appt.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert readiness: %w", err)
	}

	t.metrics.ObserveTransition(string(StatusNotStarted))
	return rec, nil
}

// RecordFormProgress advances the completion percentage. A value below the
// stored one fails with *RegressionError and leaves the record untouched.
func (t *Tracker) RecordFormProgress(ctx context.Context, id uuid.UUID, pct int) (*Record, error) {
	if pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPercentage, pct)
	}
	return t.mutate(ctx, id, "record form progress", func(r *Record) (bool, error) {
		if pct < r.Percentage {
			return false, &RegressionError{Current: r.Percentage, Attempted: pct}
		}
		if pct == r.Percentage {
			return false, nil
		}
		r.Percentage = pct
		if r.Status == StatusNotStarted {
			r.Status = StatusInProgress
		}
		return true, nil
	})
}

// ResetProgress is the staff override that clears progress, including a
// submitted form. An overdue record stays overdue.
func (t *Tracker) ResetProgress(ctx context.Context, id uuid.UUID) (*Record, error) {
	return t.mutate(ctx, id, "reset progress", func(r *Record) (bool, error) {
		status := StatusNotStarted
		if r.Status == StatusOverdue {
			status = StatusOverdue
		}
		if r.Percentage == 0 && r.Status == status {
			return false, nil
		}
		r.Percentage = 0
		r.Status = status
		return true, nil
	})
}

// RecordFormSubmitted marks intake complete. Submitting twice is a no-op.
func (t *Tracker) RecordFormSubmitted(ctx context.Context, id uuid.UUID) (*Record, error) {
	return t.mutate(ctx, id, "record form submitted", func(r *Record) (bool, error) {
		if r.Status == StatusSubmitted && r.Percentage == 100 {
			return false, nil
		}
		r.Status = StatusSubmitted
		r.Percentage = 100
		return true, nil
	})
}

// EvaluateOverdue moves every open record whose deadline (start minus lead
// time) is at or before now to overdue, and returns the IDs it moved.
func (t *Tracker) EvaluateOverdue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	candidates, err := t.store.ListOpenStartingBefore(ctx, now.Add(t.lead))
	if err != nil {
		return nil, fmt.Errorf("list open readiness: %w", err)
	}

	var moved []uuid.UUID
	for _, c := range candidates {
		var transitioned bool
		_, err := t.mutate(ctx, c.AppointmentID, "mark overdue", func(r *Record) (bool, error) {
			transitioned = false
			if r.Closed() || !r.Status.open() || r.Deadline(t.lead).After(now) {
				return false, nil
			}
			r.Status = StatusOverdue
			transitioned = true
			return true, nil
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return moved, err
		}
		if transitioned {
			moved = append(moved, c.AppointmentID)
		}
	}

	if len(moved) > 0 {
		t.log.Info().Int("count", len(moved)).Time("now", now).Msg("intake marked overdue")
	}
	return moved, nil
}

// AggregateCounts buckets the matching records of scheduled appointments for
// the dashboard.
func (t *Tracker) AggregateCounts(ctx context.Context, filter Filter) (Counts, error) {
	records, err := t.store.List(ctx, filter)
	if err != nil {
		return Counts{}, fmt.Errorf("list readiness: %w", err)
	}
	var c Counts
	for _, r := range records {
		if r.Closed() {
			continue
		}
		c.add(r.Status)
	}
	return c, nil
}

// RecordOutreach stores the latest outreach attempt summary.
func (t *Tracker) RecordOutreach(ctx context.Context, id uuid.UUID, summary OutreachSummary) (*Record, error) {
	return t.mutate(ctx, id, "record outreach", func(r *Record) (bool, error) {
		if r.LastOutreach != nil && *r.LastOutreach == summary {
			return false, nil
		}
		r.LastOutreach = &summary
		return true, nil
	})
}

// MarkOutreachExhausted flags the record for manual staff follow-up.
func (t *Tracker) MarkOutreachExhausted(ctx context.Context, id uuid.UUID) (*Record, error) {
	return t.mutate(ctx, id, "mark outreach exhausted", func(r *Record) (bool, error) {
		if r.OutreachExhausted {
			return false, nil
		}
		r.OutreachExhausted = true
		return true, nil
	})
}

func (t *Tracker) RecordConfirmed(ctx context.Context, id uuid.UUID) (*Record, error) {
	return t.mutate(ctx, id, "record confirmation", func(r *Record) (bool, error) {
		if r.Confirmation == Confirmed {
			return false, nil
		}
		r.Confirmation = Confirmed
		return true, nil
	})
}

func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return t.store.Get(ctx, id)
}

func (t *Tracker) List(ctx context.Context, filter Filter) ([]Record, error) {
	return t.store.List(ctx, filter)
}

// HandleAppointmentEvent keeps readiness in step with the appointment it belongs to.
func (t *Tracker) HandleAppointmentEvent(ctx context.Context, ev appointment.Event) error {
	switch ev.Type {
	case appointment.EventAppointmentCreated:
		_, err := t.OnAppointmentCreated(ctx, ev.Appointment)
		return err
	case appointment.EventAppointmentRescheduled:
		_, err := t.moveStart(ctx, ev.Appointment, ev.OccurredAt)
		return err
	case appointment.EventAppointmentCancelled, appointment.EventAppointmentCompleted, appointment.EventAppointmentNoShow:
		return t.close(ctx, ev.Appointment)
	default:
		return nil
	}
}

// close records that the appointment left scheduled. The record keeps its
// intake and outreach history.
func (t *Tracker) close(ctx context.Context, appt appointment.Appointment) error {
	_, err := t.mutate(ctx, appt.ID, "close readiness", func(r *Record) (bool, error) {
		if r.AppointmentStatus == appt.Status {
			return false, nil
		}
		r.AppointmentStatus = appt.Status
		return true, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// moveStart follows a reschedule. An overdue record whose new deadline is
// still ahead of now goes back to its pre-deadline status.
func (t *Tracker) moveStart(ctx context.Context, appt appointment.Appointment, now time.Time) (*Record, error) {
	rec, err := t.mutate(ctx, appt.ID, "move appointment start", func(r *Record) (bool, error) {
		if r.AppointmentStart.Equal(appt.Start) {
			return false, nil
		}
		r.AppointmentStart = appt.Start
		if r.Status == StatusOverdue && r.Deadline(t.lead).After(now) {
			r.Status = StatusNotStarted
			if r.Percentage > 0 {
				r.Status = StatusInProgress
			}
		}
		return true, nil
	})
	if errors.Is(err, ErrNotFound) {
		return t.OnAppointmentCreated(ctx, appt)
	}
	return rec, err
}

// mutate applies fn to a fresh copy of the record and writes it back with a
// version check, replaying fn when another writer got there first.
func (t *Tracker) mutate(ctx context.Context, id uuid.UUID, op string, fn func(r *Record) (bool, error)) (*Record, error) {
	for attempt := 0; ; attempt++ {
		current, err := t.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := clone(*current)
		changed, err := fn(&next)
		if err != nil {
			return nil, err
		}
		if !changed {
			return current, nil
		}

		next.UpdatedAt = t.now()
		err = t.store.Update(ctx, &next, current.Version)
		if errors.Is(err, ErrVersionMismatch) && attempt < casRetries {
			t.metrics.ObserveCASConflict()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		if next.Status != current.Status {
			t.metrics.ObserveTransition(string(next.Status))
			t.log.Debug().
				Str("appointment_id", id.String()).
				Str("from", string(current.Status)).
				Str("to", string(next.Status)).
				Msg("readiness transition")
		}
		return &next, nil
	}
}
