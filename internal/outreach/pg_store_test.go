package outreach

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var planColumnNames = []string{"appointment_id", "patient_id", "channel", "next_attempt_at", "state", "attempts", "version", "updated_at"}

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgStore(mock), mock
}

func TestPgAppendAndListAttempts(t *testing.T) {
	store, mock := newMockStore(t)
	a := Attempt{ID: uuid.New(), AppointmentID: uuid.New(), Channel: ChannelSMS, Outcome: OutcomeFailed, At: apptStart}

	mock.ExpectExec("INSERT INTO outreach_attempts").
		WithArgs(a.ID, a.AppointmentID, a.Channel, a.Outcome, a.At).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT .* FROM outreach_attempts").
		WithArgs(a.AppointmentID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "appointment_id", "channel", "outcome", "attempted_at"}).
			AddRow(a.ID, a.AppointmentID, a.Channel, a.Outcome, a.At))

	require.NoError(t, store.AppendAttempt(context.Background(), a))
	got, err := store.ListAttempts(context.Background(), a.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, []Attempt{a}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgInsertPlanConflict(t *testing.T) {
	store, mock := newMockStore(t)
	p := &Plan{AppointmentID: uuid.New(), PatientID: uuid.New(), Channel: ChannelSMS, NextAttemptAt: apptStart, State: PlanPending, UpdatedAt: bookedAt}

	mock.ExpectExec("INSERT INTO outreach_plans").
		WithArgs(p.AppointmentID, p.PatientID, p.Channel, p.NextAttemptAt, p.State, 0, p.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	assert.ErrorIs(t, store.InsertPlan(context.Background(), p), ErrPlanExists)
}

func TestPgListDuePlans(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	now := apptStart.Add(-time.Hour)

	mock.ExpectQuery("SELECT .* FROM outreach_plans WHERE state = 'pending'").
		WithArgs(now, 50).
		WillReturnRows(pgxmock.NewRows(planColumnNames).
			AddRow(id, uuid.New(), ChannelCall, now, PlanPending, 1, int64(4), bookedAt))

	plans, err := store.ListDuePlans(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, ChannelCall, plans[0].Channel)
	assert.Equal(t, int64(4), plans[0].Version)
	assert.Equal(t, 1, plans[0].Attempts)
}

func TestPgUpdatePlan(t *testing.T) {
	store, mock := newMockStore(t)
	p := &Plan{AppointmentID: uuid.New(), Channel: ChannelEmail, NextAttemptAt: apptStart, State: PlanDispatched, Attempts: 3, UpdatedAt: bookedAt}

	mock.ExpectQuery("UPDATE outreach_plans").
		WithArgs(p.AppointmentID, p.Channel, p.NextAttemptAt, p.State, 3, p.UpdatedAt, int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(3)))

	require.NoError(t, store.UpdatePlan(context.Background(), p, 2))
	assert.Equal(t, int64(3), p.Version)
}

func TestPgListStaleDispatched(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	cutoff := apptStart.Add(-48 * time.Hour)

	mock.ExpectQuery("SELECT .* FROM outreach_plans WHERE state = 'dispatched' AND updated_at <= \\$1").
		WithArgs(cutoff, 100).
		WillReturnRows(pgxmock.NewRows(planColumnNames).
			AddRow(id, uuid.New(), ChannelSMS, cutoff, PlanDispatched, 1, int64(2), cutoff.Add(-time.Minute)))

	plans, err := store.ListStaleDispatched(context.Background(), cutoff, 100)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, PlanDispatched, plans[0].State)
	assert.Equal(t, id, plans[0].AppointmentID)
	require.NoError(t, mock.ExpectationsWereMet())
}
