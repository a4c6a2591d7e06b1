package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling-engine/internal/redis"
	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

// Service is the scheduling engine: the only writer of appointment state.
type Service struct {
	repo    Repository
	locker  redisclient.Locker
	cfg     config.SchedulingConfig
	log     zerolog.Logger
	metrics *metrics.SchedulingMetrics
	now     func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.SchedulingConfig, logger zerolog.Logger, m *metrics.SchedulingMetrics) *Service {
	if cfg.BookingRetries < 0 {
		cfg.BookingRetries = 0
	}
	return &Service{
		repo:    repo,
		locker:  locker,
		cfg:     cfg,
		log:     logger.With().Str("component", "scheduling").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for created/updated timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Subscribe registers a listener for committed appointment events.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

type BookRequest struct {
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	Interval   slotgrid.Interval
	VisitType  VisitType
}

// Book validates the interval against the provider's grid and commits a new
// scheduled appointment. The conflict check and the insert run under the
// provider lock so concurrent bookings cannot both pass the check.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	if !req.VisitType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVisitType, req.VisitType)
	}

	provider, err := s.loadProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if provider.Archived {
		return nil, ErrProviderArchived
	}
	if err := slotgrid.ValidateInterval(*provider, req.Interval); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	var created *Appointment

	err = s.withProviderLock(ctx, "book", provider.ID, func(lockCtx context.Context) error {
		from, to := dayBounds(req.Interval.Start)
		existing, err := s.repo.ListScheduledForProvider(lockCtx, provider.ID, from, to)
		if err != nil {
			return fmt.Errorf("list provider appointments: %w", err)
		}
		if conflicts := FindConflicts(provider.ID, req.Interval, existing); len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}

		now := s.now()
		appt := &Appointment{
			ID:              uuid.New(),
			ProviderID:      provider.ID,
			PatientID:       req.PatientID,
			Start:           req.Interval.Start,
			DurationMinutes: req.Interval.Minutes,
			VisitType:       req.VisitType,
			Status:          StatusScheduled,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.repo.InsertAppointment(lockCtx, appt); err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		created = appt
		return nil
	})
	if err != nil {
		s.metrics.ObserveWrite("book", resultLabel(err))
		return nil, err
	}

	s.metrics.ObserveWrite("book", "ok")
	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("provider_id", created.ProviderID.String()).
		Time("start", created.Start).
		Int("minutes", created.DurationMinutes).
		Msg("appointment booked")

	s.publish(ctx, Event{Type: EventAppointmentCreated, Appointment: *created, OccurredAt: created.CreatedAt})

	return created, nil
}

// Reschedule moves a scheduled appointment to a new interval on the same
// provider, validated exactly like Book but ignoring its own current range.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, iv slotgrid.Interval) (*Appointment, error) {
	current, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusScheduled {
		return nil, fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidState, current.Status)
	}

	provider, err := s.loadProvider(ctx, current.ProviderID)
	if err != nil {
		return nil, err
	}
	if provider.Archived {
		return nil, ErrProviderArchived
	}
	if err := slotgrid.ValidateInterval(*provider, iv); err != nil {
		return nil, err
	}

	var updated, previous *Appointment

	err = s.withProviderLock(ctx, "reschedule", provider.ID, func(lockCtx context.Context) error {
		fresh, err := s.loadAppointment(lockCtx, id)
		if err != nil {
			return err
		}
		if fresh.Status != StatusScheduled {
			return fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidState, fresh.Status)
		}

		from, to := dayBounds(iv.Start)
		existing, err := s.repo.ListScheduledForProvider(lockCtx, provider.ID, from, to)
		if err != nil {
			return fmt.Errorf("list provider appointments: %w", err)
		}
		if conflicts := FindConflictsExcluding(provider.ID, iv, existing, fresh.ID); len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}

		prev := *fresh
		next := *fresh
		next.Start = iv.Start
		next.DurationMinutes = iv.Minutes
		next.UpdatedAt = s.now()

		if err := s.repo.UpdateAppointment(lockCtx, &next, fresh.Version); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		updated, previous = &next, &prev
		return nil
	})
	if err != nil {
		s.metrics.ObserveWrite("reschedule", resultLabel(err))
		return nil, err
	}

	s.metrics.ObserveWrite("reschedule", "ok")
	s.log.Info().
		Str("appointment_id", updated.ID.String()).
		Time("from", previous.Start).
		Time("to", updated.Start).
		Msg("appointment rescheduled")

	s.publish(ctx, Event{Type: EventAppointmentRescheduled, Appointment: *updated, Previous: previous, OccurredAt: updated.UpdatedAt})

	return updated, nil
}

// Cancel moves a scheduled appointment to cancelled. Cancelling an already
// cancelled appointment succeeds without side effects.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "cancel", id, StatusCancelled, EventAppointmentCancelled)
}

// Complete marks a scheduled appointment as attended.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "complete", id, StatusCompleted, EventAppointmentCompleted)
}

// MarkNoShow marks a scheduled appointment the patient missed.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "no_show", id, StatusNoShow, EventAppointmentNoShow)
}

// transition applies scheduled -> to with an optimistic version check. Status
// changes never create overlap, so no provider lock is taken.
func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, to AppointmentStatus, evType EventType) (*Appointment, error) {
	for attempt := 0; ; attempt++ {
		current, err := s.loadAppointment(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status == to {
			return current, nil
		}
		if current.Status != StatusScheduled {
			s.metrics.ObserveWrite(op, "invalid_state")
			return nil, fmt.Errorf("%w: cannot move a %s appointment to %s", ErrInvalidState, current.Status, to)
		}

		prev := *current
		next := *current
		next.Status = to
		next.UpdatedAt = s.now()

		err = s.repo.UpdateAppointment(ctx, &next, current.Version)
		if errors.Is(err, ErrVersionMismatch) && attempt < s.cfg.BookingRetries {
			s.metrics.ObserveRetry(op, "version_mismatch")
			continue
		}
		if err != nil {
			s.metrics.ObserveWrite(op, resultLabel(err))
			return nil, fmt.Errorf("update appointment: %w", err)
		}

		s.metrics.ObserveWrite(op, "ok")
		s.log.Info().
			Str("appointment_id", next.ID.String()).
			Str("status", string(next.Status)).
			Msg("appointment status changed")

		s.publish(ctx, Event{Type: evType, Appointment: next, Previous: &prev, OccurredAt: next.UpdatedAt})
		return &next, nil
	}
}

// GetAppointment retrieves a single appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.loadAppointment(ctx, id)
}

// ListAppointments clamps paging to 1..100 rows before hitting storage.
func (s *Service) ListAppointments(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	appointments, err := s.repo.ListAppointments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// Availability lists the grid starts on day where a booking of the given
// length would currently succeed.
func (s *Service) Availability(ctx context.Context, providerID uuid.UUID, day time.Time, minutes int) ([]slotgrid.Interval, error) {
	provider, err := s.loadProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if provider.Archived {
		return nil, nil
	}

	from, to := dayBounds(day)
	existing, err := s.repo.ListScheduledForProvider(ctx, providerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list provider appointments: %w", err)
	}

	busy := make([]slotgrid.Interval, 0, len(existing))
	for _, a := range existing {
		busy = append(busy, a.Interval())
	}
	return slotgrid.FreeSlots(*provider, day, minutes, busy), nil
}

// GetProvider exposes provider data to the read side.
func (s *Service) GetProvider(ctx context.Context, id uuid.UUID) (*slotgrid.Provider, error) {
	return s.loadProvider(ctx, id)
}

// withProviderLock runs fn under the provider lock, retrying lock contention
// and lost optimistic writes a bounded number of times before reporting a conflict.
func (s *Service) withProviderLock(ctx context.Context, op string, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	key := redisclient.ProviderKey(providerID)

	var lastErr error
	for attempt := 0; attempt <= s.cfg.BookingRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, s.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}

		err := s.locker.WithLock(ctx, key, fn)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			s.metrics.ObserveRetry(op, "lock_busy")
		case errors.Is(err, ErrVersionMismatch):
			s.metrics.ObserveRetry(op, "version_mismatch")
		case errors.Is(err, ErrOverlapRejected):
			s.metrics.ObserveRetry(op, "overlap_rejected")
		default:
			return err
		}
		lastErr = err
	}

	s.log.Warn().
		Err(lastErr).
		Str("operation", op).
		Str("provider_id", providerID.String()).
		Msg("write retries exhausted")
	return &ConflictError{}
}

func (s *Service) publish(ctx context.Context, ev Event) {
	s.metrics.ObserveEvent(string(ev.Type))
	s.logEvent(ctx, ev)

	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, l := range listeners {
		if err := l.HandleAppointmentEvent(ctx, ev); err != nil {
			s.log.Error().
				Err(err).
				Str("event", string(ev.Type)).
				Str("appointment_id", ev.Appointment.ID.String()).
				Msg("event listener failed")
		}
	}
}

func (s *Service) logEvent(ctx context.Context, ev Event) {
	payload := map[string]any{
		"provider_id": ev.Appointment.ProviderID.String(),
		"patient_id":  ev.Appointment.PatientID.String(),
		"start":       ev.Appointment.Start,
		"minutes":     ev.Appointment.DurationMinutes,
		"status":      ev.Appointment.Status,
	}
	if ev.Previous != nil {
		payload["previous_start"] = ev.Previous.Start
		payload["previous_status"] = ev.Previous.Status
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := ev.Appointment.ID

	if err := s.repo.InsertEvent(ctx, EventLog{
		EventType:     string(ev.Type),
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     ev.OccurredAt,
	}); err != nil {
		s.log.Error().Err(err).Str("event", string(ev.Type)).Str("appointment_id", apptID.String()).Msg("failed to insert event log")
	}
}

func (s *Service) loadProvider(ctx context.Context, id uuid.UUID) (*slotgrid.Provider, error) {
	p, err := s.repo.GetProviderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}
	return p, nil
}

func (s *Service) loadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return a, nil
}

// dayBounds returns the wall-clock day containing t. Bookings never cross
// midnight, so every overlap candidate starts inside it.
func dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, slotgrid.ErrOutOfHours), errors.Is(err, slotgrid.ErrMisalignedTime):
		return "invalid_time"
	default:
		return "error"
	}
}
