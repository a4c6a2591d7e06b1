package readiness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/logging"
)

const lead = 24 * time.Hour

func newTracker(store Store) *Tracker {
	return NewTracker(store, config.SchedulingConfig{IntakeLeadTime: lead}, logging.Nop(), nil)
}

func newAppt(start time.Time) appointment.Appointment {
	return appointment.Appointment{
		ID:              uuid.New(),
		ProviderID:      uuid.New(),
		PatientID:       uuid.New(),
		Start:           start,
		DurationMinutes: 30,
		Status:          appointment.StatusScheduled,
	}
}

var apptStart = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func TestOnAppointmentCreated(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()
	a := newAppt(apptStart)

	rec, err := tr.OnAppointmentCreated(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, rec.Status)
	assert.Equal(t, 0, rec.Percentage)
	assert.Equal(t, Unconfirmed, rec.Confirmation)
	assert.Nil(t, rec.LastOutreach)

	again, err := tr.OnAppointmentCreated(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, again.Version)
}

func TestRecordFormProgressIsMonotonic(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()
	a := newAppt(apptStart)
	_, err := tr.OnAppointmentCreated(ctx, a)
	require.NoError(t, err)

	rec, err := tr.RecordFormProgress(ctx, a.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)

	_, err = tr.RecordFormProgress(ctx, a.ID, 20)
	require.ErrorIs(t, err, ErrRegression)
	var regression *RegressionError
	require.True(t, errors.As(err, &regression))
	assert.Equal(t, 40, regression.Current)
	assert.Equal(t, 20, regression.Attempted)

	stored, err := tr.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, stored.Percentage)

	_, err = tr.RecordFormProgress(ctx, a.ID, 101)
	assert.ErrorIs(t, err, ErrInvalidPercentage)

	_, err = tr.RecordFormProgress(ctx, uuid.New(), 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordFormSubmitted(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()
	a := newAppt(apptStart)
	_, err := tr.OnAppointmentCreated(ctx, a)
	require.NoError(t, err)

	first, err := tr.RecordFormSubmitted(ctx, a.ID)
	require.NoError(t, err)
	second, err := tr.RecordFormSubmitted(ctx, a.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusSubmitted, second.Status)
	assert.Equal(t, 100, second.Percentage)
	assert.Equal(t, first.Version, second.Version)

	_, err = tr.RecordFormProgress(ctx, a.ID, 60)
	assert.ErrorIs(t, err, ErrRegression)

	reset, err := tr.ResetProgress(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNotStarted, reset.Status)
	assert.Equal(t, 0, reset.Percentage)
}

func TestEvaluateOverdue(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()

	open := newAppt(apptStart)
	submitted := newAppt(apptStart)
	later := newAppt(apptStart.Add(48 * time.Hour))
	for _, a := range []appointment.Appointment{open, submitted, later} {
		_, err := tr.OnAppointmentCreated(ctx, a)
		require.NoError(t, err)
	}
	_, err := tr.RecordFormSubmitted(ctx, submitted.ID)
	require.NoError(t, err)

	moved, err := tr.EvaluateOverdue(ctx, apptStart.Add(-lead-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, moved)

	moved, err = tr.EvaluateOverdue(ctx, apptStart.Add(-lead))
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{open.ID}, moved)

	rec, err := tr.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOverdue, rec.Status)

	moved, err = tr.EvaluateOverdue(ctx, apptStart)
	require.NoError(t, err)
	assert.Empty(t, moved)

	// Progress while overdue is kept but does not clear the flag; submission does.
	rec, err = tr.RecordFormProgress(ctx, open.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, StatusOverdue, rec.Status)
	rec, err = tr.RecordFormSubmitted(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, rec.Status)
}

func TestAggregateCounts(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()

	providerA := uuid.New()
	var appts []appointment.Appointment
	for i := 0; i < 5; i++ {
		a := newAppt(apptStart.Add(time.Duration(i) * time.Hour))
		if i < 3 {
			a.ProviderID = providerA
		}
		appts = append(appts, a)
		require.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{Type: appointment.EventAppointmentCreated, Appointment: a}))
	}

	_, err := tr.RecordFormProgress(ctx, appts[1].ID, 50)
	require.NoError(t, err)
	_, err = tr.RecordFormSubmitted(ctx, appts[2].ID)
	require.NoError(t, err)
	_, err = tr.EvaluateOverdue(ctx, apptStart.Add(-lead))
	require.NoError(t, err)

	counts, err := tr.AggregateCounts(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, Counts{NeedsAction: 3, AtRisk: 1, Ready: 1}, counts)

	counts, err = tr.AggregateCounts(ctx, Filter{ProviderID: &providerA})
	require.NoError(t, err)
	assert.Equal(t, Counts{NeedsAction: 1, AtRisk: 1, Ready: 1}, counts)

	cancelled := appts[4]
	cancelled.Status = appointment.StatusCancelled
	require.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{Type: appointment.EventAppointmentCancelled, Appointment: cancelled}))

	counts, err = tr.AggregateCounts(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, Counts{NeedsAction: 2, AtRisk: 1, Ready: 1}, counts)

	rec, err := tr.Get(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, rec.AppointmentStatus)
	assert.True(t, rec.Closed())
}

func TestCancelKeepsReadinessHistory(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()
	a := newAppt(apptStart)
	require.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{Type: appointment.EventAppointmentCreated, Appointment: a}))

	_, err := tr.RecordFormProgress(ctx, a.ID, 60)
	require.NoError(t, err)
	summary := OutreachSummary{Channel: "sms", At: apptStart.Add(-48 * time.Hour), Attempts: 3}
	_, err = tr.RecordOutreach(ctx, a.ID, summary)
	require.NoError(t, err)
	_, err = tr.MarkOutreachExhausted(ctx, a.ID)
	require.NoError(t, err)

	cancelled := a
	cancelled.Status = appointment.StatusCancelled
	require.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{Type: appointment.EventAppointmentCancelled, Appointment: cancelled}))

	rec, err := tr.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, rec.AppointmentStatus)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, 60, rec.Percentage)
	assert.Equal(t, &summary, rec.LastOutreach)
	assert.True(t, rec.OutreachExhausted)

	// Cancelled intake never goes overdue and is not counted.
	moved, err := tr.EvaluateOverdue(ctx, apptStart)
	require.NoError(t, err)
	assert.Empty(t, moved)
	counts, err := tr.AggregateCounts(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, Counts{}, counts)

	// Events for appointments without a record are ignored.
	orphan := newAppt(apptStart)
	orphan.Status = appointment.StatusCancelled
	assert.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{Type: appointment.EventAppointmentCancelled, Appointment: orphan}))
}

func TestFinishedAppointmentsLeaveOverdueTracking(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()

	attended := newAppt(apptStart)
	missed := newAppt(apptStart)
	pending := newAppt(apptStart)
	for _, a := range []appointment.Appointment{attended, missed, pending} {
		_, err := tr.OnAppointmentCreated(ctx, a)
		require.NoError(t, err)
	}

	// attended goes overdue before the visit, then the visit happens.
	moved, err := tr.EvaluateOverdue(ctx, apptStart.Add(-lead))
	require.NoError(t, err)
	assert.Len(t, moved, 3)

	attended.Status = appointment.StatusCompleted
	missed.Status = appointment.StatusNoShow
	require.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{Type: appointment.EventAppointmentCompleted, Appointment: attended}))
	require.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{Type: appointment.EventAppointmentNoShow, Appointment: missed}))

	counts, err := tr.AggregateCounts(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, Counts{AtRisk: 1}, counts)

	rec, err := tr.Get(ctx, missed.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusNoShow, rec.AppointmentStatus)

	// A completed appointment whose deadline has not passed yet never turns overdue.
	early := newAppt(apptStart.Add(72 * time.Hour))
	_, err = tr.OnAppointmentCreated(ctx, early)
	require.NoError(t, err)
	early.Status = appointment.StatusCompleted
	require.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{Type: appointment.EventAppointmentCompleted, Appointment: early}))
	moved, err = tr.EvaluateOverdue(ctx, early.Start)
	require.NoError(t, err)
	assert.Empty(t, moved)
}

func TestRescheduleClearsOverdueWhenDeadlineMoves(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()
	a := newAppt(apptStart)
	_, err := tr.OnAppointmentCreated(ctx, a)
	require.NoError(t, err)
	_, err = tr.RecordFormProgress(ctx, a.ID, 10)
	require.NoError(t, err)

	now := apptStart.Add(-time.Hour)
	_, err = tr.EvaluateOverdue(ctx, now)
	require.NoError(t, err)

	moved := a
	moved.Start = apptStart.Add(72 * time.Hour)
	require.NoError(t, tr.HandleAppointmentEvent(ctx, appointment.Event{
		Type: appointment.EventAppointmentRescheduled, Appointment: moved, Previous: &a, OccurredAt: now,
	}))

	rec, err := tr.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, moved.Start, rec.AppointmentStart)
}

func TestOutreachFields(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()
	a := newAppt(apptStart)
	_, err := tr.OnAppointmentCreated(ctx, a)
	require.NoError(t, err)

	summary := OutreachSummary{Channel: "sms", At: apptStart.Add(-48 * time.Hour), Attempts: 1}
	rec, err := tr.RecordOutreach(ctx, a.ID, summary)
	require.NoError(t, err)
	assert.Equal(t, &summary, rec.LastOutreach)

	rec, err = tr.MarkOutreachExhausted(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, rec.OutreachExhausted)

	rec, err = tr.RecordConfirmed(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, rec.Confirmation)
}

// Concurrent progress updates must end at the highest value seen, and a
// submission racing overdue evaluation must end submitted.
func TestConcurrentWritesUseCompareAndSet(t *testing.T) {
	tr := newTracker(NewMemoryStore())
	ctx := context.Background()
	a := newAppt(apptStart)
	_, err := tr.OnAppointmentCreated(ctx, a)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for pct := 1; pct <= 90; pct++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, err := tr.RecordFormProgress(ctx, a.ID, p)
			if err != nil && !errors.Is(err, ErrRegression) && !errors.Is(err, ErrVersionMismatch) {
				t.Errorf("progress %d: %v", p, err)
			}
		}(pct)
	}
	wg.Wait()

	rec, err := tr.Get(ctx, a.ID)
	require.NoError(t, err)
	// A writer that exhausted its CAS retries may have lost, but never a higher value to a lower one.
	assert.GreaterOrEqual(t, rec.Percentage, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = tr.EvaluateOverdue(ctx, apptStart)
	}()
	go func() {
		defer wg.Done()
		_, err := tr.RecordFormSubmitted(ctx, a.ID)
		assert.NoError(t, err)
	}()
	wg.Wait()

	rec, err = tr.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, rec.Status)
	assert.Equal(t, 100, rec.Percentage)
}

type flakyStore struct {
	*MemoryStore
	failures int
}

func (s *flakyStore) Update(ctx context.Context, r *Record, expectedVersion int64) error {
	if s.failures > 0 {
		s.failures--
		return ErrVersionMismatch
	}
	return s.MemoryStore.Update(ctx, r, expectedVersion)
}

func TestMutateRetriesLostRaces(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	tr := newTracker(store)
	ctx := context.Background()
	a := newAppt(apptStart)
	_, err := tr.OnAppointmentCreated(ctx, a)
	require.NoError(t, err)

	store.failures = 2
	rec, err := tr.RecordFormProgress(ctx, a.ID, 25)
	require.NoError(t, err)
	assert.Equal(t, 25, rec.Percentage)

	store.failures = casRetries + 1
	_, err = tr.RecordFormProgress(ctx, a.ID, 50)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}
