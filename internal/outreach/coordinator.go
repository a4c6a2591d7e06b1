package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/notifier"
	"github.com/hackgods/clinic-scheduling-engine/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-engine/internal/readiness"
)

const (
	casRetries        = 5
	defaultBatchSize  = 100
	defaultRetryDelay = time.Hour
)

// ReadinessRecorder is the part of the readiness tracker outreach reports to.
type ReadinessRecorder interface {
	Get(ctx context.Context, id uuid.UUID) (*readiness.Record, error)
	RecordOutreach(ctx context.Context, id uuid.UUID, summary readiness.OutreachSummary) (*readiness.Record, error)
	MarkOutreachExhausted(ctx context.Context, id uuid.UUID) (*readiness.Record, error)
	RecordConfirmed(ctx context.Context, id uuid.UUID) (*readiness.Record, error)
}

// Directory resolves appointments and patient contact details at dispatch time.
type Directory interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error)
}

// Coordinator decides whether and when a patient is contacted. Sending is
// always delegated to the notifier.
type Coordinator struct {
	store     Store
	readiness ReadinessRecorder
	directory Directory
	notifier  notifier.Notifier
	policy    config.OutreachConfig
	log       zerolog.Logger
	metrics   *metrics.OutreachMetrics
	now       func() time.Time
	batchSize int
}

func NewCoordinator(
	store Store,
	rr ReadinessRecorder,
	dir Directory,
	n notifier.Notifier,
	policy config.OutreachConfig,
	logger zerolog.Logger,
	m *metrics.OutreachMetrics,
) *Coordinator {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if len(policy.Escalation) == 0 {
		policy.Escalation = []string{string(ChannelSMS)}
	}
	return &Coordinator{
		store:     store,
		readiness: rr,
		directory: dir,
		notifier:  n,
		policy:    policy,
		log:       logger.With().Str("component", "outreach").Logger(),
		metrics:   m,
		now:       time.Now,
		batchSize: defaultBatchSize,
	}
}

// WithClock replaces the clock used for UpdatedAt stamps.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	if now != nil {
		c.now = now
	}
	return c
}

// ScheduleInitialOutreach plans the first contact on the first escalation
// channel at start minus lead time, or at booking time if that is later.
func (c *Coordinator) ScheduleInitialOutreach(ctx context.Context, appt appointment.Appointment) (*Plan, error) {
	p := &Plan{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		Channel:       c.channelFor(0),
		NextAttemptAt: c.firstAttemptAt(appt, appt.CreatedAt),
		State:         PlanPending,
		UpdatedAt:     c.now(),
	}

	err := c.store.InsertPlan(ctx, p)
	if errors.Is(err, ErrPlanExists) {
		return c.store.GetPlan(ctx, appt.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert outreach plan: %w", err)
	}

	c.log.Debug().
		Str("appointment_id", appt.ID.String()).
		Str("channel", string(p.Channel)).
		Time("at", p.NextAttemptAt).
		Msg("initial outreach scheduled")
	return p, nil
}

// RecordAttempt appends a reported attempt and decides what happens next:
// a failure within budget schedules a retry on the next escalation channel,
// a failure past it exhausts the plan, anything else completes it. The budget
// counts sends, so several reports about one send cost a single attempt.
func (c *Coordinator) RecordAttempt(ctx context.Context, id uuid.UUID, channel Channel, outcome Outcome, at time.Time) (*Plan, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if _, err := c.store.GetPlan(ctx, id); err != nil {
		return nil, err
	}

	attempt := Attempt{ID: uuid.New(), AppointmentID: id, Channel: channel, Outcome: outcome, At: at}
	if err := c.store.AppendAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("append outreach attempt: %w", err)
	}
	c.metrics.ObserveAttempt(string(channel), string(outcome))

	var (
		exhausted bool
		count     int
	)
	plan, err := c.mutatePlan(ctx, id, func(p *Plan) bool {
		exhausted = false
		// A report with no send behind it still counts as one contact.
		if p.Attempts == 0 {
			p.Attempts = 1
		}
		count = p.Attempts
		if p.State.Terminal() {
			return false
		}
		if outcome != OutcomeFailed {
			if p.State == PlanCompleted {
				return false
			}
			p.State = PlanCompleted
			return true
		}
		if count >= c.policy.MaxAttempts {
			p.State = PlanExhausted
			exhausted = true
			return true
		}
		p.State = PlanPending
		p.Channel = c.channelFor(count)
		p.NextAttemptAt = at.Add(c.backoffFor(count))
		return true
	})
	if err != nil {
		return nil, err
	}

	c.report(ctx, id, "record outreach", func() error {
		_, err := c.readiness.RecordOutreach(ctx, id, readiness.OutreachSummary{Channel: string(channel), At: at, Attempts: count})
		return err
	})
	if exhausted {
		c.metrics.ObserveExhausted()
		c.log.Warn().
			Str("appointment_id", id.String()).
			Int("attempts", count).
			Msg("outreach exhausted, manual follow-up required")
		c.report(ctx, id, "mark outreach exhausted", func() error {
			_, err := c.readiness.MarkOutreachExhausted(ctx, id)
			return err
		})
	}
	if outcome == OutcomeResponded {
		c.report(ctx, id, "record confirmation", func() error {
			_, err := c.readiness.RecordConfirmed(ctx, id)
			return err
		})
	}

	return plan, nil
}

// DispatchDue hands every pending plan due at now to the notifier and
// returns how many were sent. Sends still waiting for an outcome past the
// dispatch timeout are first recorded as failed.
func (c *Coordinator) DispatchDue(ctx context.Context, now time.Time) (int, error) {
	var errs []error
	if err := c.expireStale(ctx, now); err != nil {
		errs = append(errs, err)
	}

	plans, err := c.store.ListDuePlans(ctx, now, c.batchSize)
	if err != nil {
		return 0, errors.Join(append(errs, fmt.Errorf("list due outreach: %w", err))...)
	}

	var sent int
	for _, p := range plans {
		ok, err := c.dispatch(ctx, p, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", p.AppointmentID, err))
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

// NudgeOverdue re-arms outreach for appointments whose intake just went
// overdue, as long as the attempt budget allows another contact.
func (c *Coordinator) NudgeOverdue(ctx context.Context, ids []uuid.UUID, now time.Time) (int, error) {
	var nudged int
	for _, id := range ids {
		var changed bool
		_, err := c.mutatePlan(ctx, id, func(p *Plan) bool {
			changed = false
			if p.Attempts >= c.policy.MaxAttempts {
				return false
			}
			switch {
			case p.State == PlanCompleted:
				p.Channel = c.channelFor(p.Attempts)
			case p.State == PlanPending && p.NextAttemptAt.After(now):
			default:
				return false
			}
			p.State = PlanPending
			p.NextAttemptAt = now
			changed = true
			return true
		})
		if errors.Is(err, ErrPlanNotFound) {
			continue
		}
		if err != nil {
			return nudged, err
		}
		if changed {
			nudged++
		}
	}
	return nudged, nil
}

// Suppress stops all future outreach for an appointment. A send already in
// flight is not recalled.
func (c *Coordinator) Suppress(ctx context.Context, id uuid.UUID) error {
	_, err := c.mutatePlan(ctx, id, func(p *Plan) bool {
		if p.State.Terminal() {
			return false
		}
		p.State = PlanSuppressed
		return true
	})
	if errors.Is(err, ErrPlanNotFound) {
		return nil
	}
	return err
}

func (c *Coordinator) Plan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return c.store.GetPlan(ctx, id)
}

func (c *Coordinator) Attempts(ctx context.Context, id uuid.UUID) ([]Attempt, error) {
	return c.store.ListAttempts(ctx, id)
}

// HandleAppointmentEvent plans outreach for new bookings, follows reschedules
// and suppresses outreach once the appointment is no longer scheduled.
func (c *Coordinator) HandleAppointmentEvent(ctx context.Context, ev appointment.Event) error {
	switch ev.Type {
	case appointment.EventAppointmentCreated:
		_, err := c.ScheduleInitialOutreach(ctx, ev.Appointment)
		return err
	case appointment.EventAppointmentRescheduled:
		return c.reschedule(ctx, ev.Appointment, ev.OccurredAt)
	case appointment.EventAppointmentCancelled, appointment.EventAppointmentCompleted, appointment.EventAppointmentNoShow:
		return c.Suppress(ctx, ev.Appointment.ID)
	default:
		return nil
	}
}

// reschedule moves a pending plan to the new start. A plan whose reminder
// already went out is re-armed for the new time while the budget allows.
func (c *Coordinator) reschedule(ctx context.Context, appt appointment.Appointment, now time.Time) error {
	next := c.firstAttemptAt(appt, now)
	_, err := c.mutatePlan(ctx, appt.ID, func(p *Plan) bool {
		switch p.State {
		case PlanPending:
			if p.NextAttemptAt.Equal(next) {
				return false
			}
		case PlanCompleted, PlanDispatched:
			if p.Attempts >= c.policy.MaxAttempts {
				return false
			}
			p.State = PlanPending
			p.Channel = c.channelFor(p.Attempts)
		default:
			return false
		}
		p.NextAttemptAt = next
		return true
	})
	if errors.Is(err, ErrPlanNotFound) {
		_, err = c.ScheduleInitialOutreach(ctx, appt)
	}
	return err
}

// dispatch claims a due plan with a version check so two workers never send
// the same reminder, then hands it to the notifier. Any failure after the
// claim puts the plan back to pending.
func (c *Coordinator) dispatch(ctx context.Context, p Plan, now time.Time) (bool, error) {
	claimed := p
	claimed.State = PlanDispatched
	claimed.Attempts = p.Attempts + 1
	claimed.UpdatedAt = now
	if err := c.store.UpdatePlan(ctx, &claimed, p.Version); err != nil {
		if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrPlanNotFound) {
			return false, nil
		}
		return false, err
	}

	appt, err := c.directory.GetAppointmentByID(ctx, p.AppointmentID)
	if err != nil {
		return false, c.release(ctx, p.AppointmentID, err)
	}
	if appt.Status != appointment.StatusScheduled {
		return false, c.Suppress(ctx, p.AppointmentID)
	}

	patient, err := c.directory.GetPatientByID(ctx, p.PatientID)
	if err != nil {
		return false, c.release(ctx, p.AppointmentID, err)
	}

	contact := contactFor(patient, p.Channel)
	if contact == "" {
		c.log.Warn().
			Str("appointment_id", p.AppointmentID.String()).
			Str("channel", string(p.Channel)).
			Msg("patient has no contact for channel, counting as failed attempt")
		c.metrics.ObserveDispatch(string(p.Channel), "no_contact")
		_, err := c.RecordAttempt(ctx, p.AppointmentID, p.Channel, OutcomeFailed, now)
		return false, err
	}

	req := notifier.Request{
		AppointmentID: p.AppointmentID,
		PatientID:     p.PatientID,
		Channel:       string(p.Channel),
		Contact:       contact,
		Template:      c.templateFor(ctx, p.AppointmentID, p.Attempts),
		Attempt:       claimed.Attempts,
		AppointmentAt: appt.Start,
		RequestedAt:   now,
	}
	if err := c.notifier.Dispatch(ctx, req); err != nil {
		c.metrics.ObserveDispatch(string(p.Channel), "error")
		return false, c.release(ctx, p.AppointmentID, err)
	}

	c.metrics.ObserveDispatch(string(p.Channel), "ok")
	c.log.Info().
		Str("appointment_id", p.AppointmentID.String()).
		Str("channel", req.Channel).
		Str("template", req.Template).
		Int("attempt", req.Attempt).
		Msg("outreach dispatched")
	return true, nil
}

// release returns a dispatched plan to pending, giving back the attempt the
// claim took, and passes cause through.
func (c *Coordinator) release(ctx context.Context, id uuid.UUID, cause error) error {
	_, err := c.mutatePlan(ctx, id, func(p *Plan) bool {
		if p.State != PlanDispatched {
			return false
		}
		p.State = PlanPending
		if p.Attempts > 0 {
			p.Attempts--
		}
		return true
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (c *Coordinator) templateFor(ctx context.Context, id uuid.UUID, count int) string {
	if rec, err := c.readiness.Get(ctx, id); err == nil && rec.Status == readiness.StatusOverdue {
		return notifier.TemplateIntakeOverdue
	}
	if count == 0 {
		return notifier.TemplateReminder
	}
	return notifier.TemplateReminderFollowUp
}

// expireStale records a failed attempt for every send whose outcome has not
// arrived within the dispatch timeout, so the plan retries or exhausts. The
// version check lets only one worker expire a given send.
func (c *Coordinator) expireStale(ctx context.Context, now time.Time) error {
	if c.policy.DispatchTimeout <= 0 {
		return nil
	}
	stale, err := c.store.ListStaleDispatched(ctx, now.Add(-c.policy.DispatchTimeout), c.batchSize)
	if err != nil {
		return fmt.Errorf("list stale outreach: %w", err)
	}

	var errs []error
	for _, p := range stale {
		reclaimed := p
		reclaimed.State = PlanPending
		reclaimed.UpdatedAt = now
		if err := c.store.UpdatePlan(ctx, &reclaimed, p.Version); err != nil {
			if errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrPlanNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("expire %s: %w", p.AppointmentID, err))
			continue
		}

		c.metrics.ObserveDispatch(string(p.Channel), "timeout")
		c.log.Warn().
			Str("appointment_id", p.AppointmentID.String()).
			Str("channel", string(p.Channel)).
			Time("dispatched_at", p.UpdatedAt).
			Msg("no outcome reported for outreach, counting as failed attempt")
		if _, err := c.RecordAttempt(ctx, p.AppointmentID, p.Channel, OutcomeFailed, now); err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", p.AppointmentID, err))
		}
	}
	return errors.Join(errs...)
}

// report forwards a derived update to readiness. The attempt log is the
// source of truth, so failures here are logged rather than returned.
func (c *Coordinator) report(ctx context.Context, id uuid.UUID, op string, fn func() error) {
	if err := fn(); err != nil && !errors.Is(err, readiness.ErrNotFound) {
		c.log.Error().Err(err).Str("appointment_id", id.String()).Str("operation", op).Msg("readiness update failed")
	}
}

func (c *Coordinator) mutatePlan(ctx context.Context, id uuid.UUID, fn func(p *Plan) bool) (*Plan, error) {
	for attempt := 0; ; attempt++ {
		current, err := c.store.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		next := *current
		if !fn(&next) {
			return current, nil
		}
		next.UpdatedAt = c.now()
		err = c.store.UpdatePlan(ctx, &next, current.Version)
		if errors.Is(err, ErrVersionMismatch) && attempt < casRetries {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update outreach plan: %w", err)
		}
		return &next, nil
	}
}

func (c *Coordinator) firstAttemptAt(appt appointment.Appointment, notBefore time.Time) time.Time {
	at := appt.Start.Add(-c.policy.LeadTime)
	if !notBefore.IsZero() && at.Before(notBefore) {
		return notBefore
	}
	return at
}

// channelFor picks the channel for the attempt after count previous ones,
// staying on the last escalation step once the list runs out.
func (c *Coordinator) channelFor(count int) Channel {
	steps := c.policy.Escalation
	if count >= len(steps) {
		count = len(steps) - 1
	}
	return Channel(steps[count])
}

func (c *Coordinator) backoffFor(count int) time.Duration {
	steps := c.policy.Backoff
	if len(steps) == 0 {
		return defaultRetryDelay
	}
	i := count - 1
	if i < 0 {
		i = 0
	}
	if i >= len(steps) {
		i = len(steps) - 1
	}
	return steps[i]
}

func contactFor(p *appointment.Patient, ch Channel) string {
	var v *string
	switch ch {
	case ChannelSMS, ChannelCall:
		v = p.Phone
	case ChannelEmail:
		v = p.Email
	}
	if v == nil {
		return ""
	}
	return *v
}
