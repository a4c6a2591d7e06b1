package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/db"
)

var recordColumnNames = []string{
	"appointment_id", "provider_id", "appointment_start", "appointment_status", "status", "percentage", "confirmation",
	"last_channel", "last_outreach_at", "outreach_attempts", "outreach_exhausted", "version", "updated_at",
}

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgStore(mock), mock
}

func TestPgStoreGetWithoutOutreach(t *testing.T) {
	store, mock := newMockStore(t)
	id, provider := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT .* FROM intake_readiness").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(recordColumnNames).AddRow(
			id, provider, apptStart, appointment.StatusScheduled, StatusInProgress, 40, Unconfirmed,
			(*string)(nil), (*time.Time)(nil), 0, false, int64(3), apptStart,
		))

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, rec.Status)
	assert.Equal(t, 40, rec.Percentage)
	assert.Nil(t, rec.LastOutreach)
	assert.Equal(t, int64(3), rec.Version)
}

func TestPgStoreGetWithOutreach(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	channel := "call"
	at := apptStart.Add(-time.Hour)

	mock.ExpectQuery("SELECT .* FROM intake_readiness").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(recordColumnNames).AddRow(
			id, uuid.New(), apptStart, appointment.StatusScheduled, StatusOverdue, 0, Unconfirmed,
			&channel, &at, 2, true, int64(7), apptStart,
		))

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec.LastOutreach)
	assert.Equal(t, OutreachSummary{Channel: "call", At: at, Attempts: 2}, *rec.LastOutreach)
	assert.True(t, rec.OutreachExhausted)
}

func TestPgStoreInsertExisting(t *testing.T) {
	store, mock := newMockStore(t)
	rec := &Record{
		AppointmentID:    uuid.New(),
		ProviderID:       uuid.New(),
		AppointmentStart: apptStart,
		Status:           StatusNotStarted,
		Confirmation:     Unconfirmed,
		UpdatedAt:        apptStart,
	}

	mock.ExpectExec("INSERT INTO intake_readiness").
		WithArgs(rec.AppointmentID, rec.ProviderID, rec.AppointmentStart, appointment.StatusScheduled, rec.Status, 0, rec.Confirmation,
			(*string)(nil), (*time.Time)(nil), 0, false, rec.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.Insert(context.Background(), rec)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdateVersionMismatch(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	rec := &Record{AppointmentID: id, AppointmentStart: apptStart, Status: StatusSubmitted, Percentage: 100, Confirmation: Unconfirmed}

	mock.ExpectQuery("UPDATE intake_readiness").
		WithArgs(id, apptStart, appointment.StatusScheduled, StatusSubmitted, 100, Unconfirmed,
			(*string)(nil), (*time.Time)(nil), 0, false, pgxmock.AnyArg(), int64(1)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT .* FROM intake_readiness").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows(recordColumnNames).AddRow(
			id, uuid.New(), apptStart, appointment.StatusScheduled, StatusOverdue, 0, Unconfirmed,
			(*string)(nil), (*time.Time)(nil), 0, false, int64(2), apptStart,
		))

	err := store.Update(context.Background(), rec, 1)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreListOpenStartingBefore(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM intake_readiness WHERE status IN .* AND appointment_status = 'scheduled'").
		WithArgs(apptStart).
		WillReturnError(errors.New("connection reset by peer"))

	_, err := store.ListOpenStartingBefore(context.Background(), apptStart)
	assert.ErrorIs(t, err, db.ErrUnavailable)
}

func TestPgStoreUpdateWritesAppointmentStatus(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	rec := &Record{
		AppointmentID:     id,
		AppointmentStart:  apptStart,
		AppointmentStatus: appointment.StatusCancelled,
		Status:            StatusInProgress,
		Percentage:        60,
		Confirmation:      Unconfirmed,
	}

	mock.ExpectQuery("UPDATE intake_readiness SET appointment_start = \\$2, appointment_status = \\$3").
		WithArgs(id, apptStart, appointment.StatusCancelled, StatusInProgress, 60, Unconfirmed,
			(*string)(nil), (*time.Time)(nil), 0, false, pgxmock.AnyArg(), int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(5)))

	require.NoError(t, store.Update(context.Background(), rec, 4))
	assert.Equal(t, int64(5), rec.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
