package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-scheduling-engine/internal/db"
	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

type PgRepository struct {
	pool db.Pool
}

func NewPgRepository(pool db.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, provider_id, patient_id, start_time, duration_minutes, visit_type, status, version, created_at, updated_at`

// Helpers

func scanProvider(row pgx.Row) (*slotgrid.Provider, error) {
	var p slotgrid.Provider
	var hours []byte

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Granularity,
		&hours,
		&p.Archived,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, db.Unavailable("scan provider", err)
	}

	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &p.Hours); err != nil {
			return nil, fmt.Errorf("decode working hours for provider %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, db.Unavailable("scan patient", err)
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.ProviderID,
		&a.PatientID,
		&a.Start,
		&a.DurationMinutes,
		&a.VisitType,
		&a.Status,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, db.Unavailable("scan appointment", err)
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("iterate appointments", err)
	}
	return result, nil
}

// Interface methods

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*slotgrid.Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, granularity, hours, archived, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListScheduledForProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND status = 'scheduled'
		  AND start_time >= $2
		  AND start_time < $3
		ORDER BY start_time
	`, providerID, from, to)
	if err != nil {
		return nil, db.Unavailable("list provider appointments", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointments(ctx context.Context, filter ListFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.ProviderID != nil {
		add("provider_id = $%d", *filter.ProviderID)
	}
	if filter.PatientID != nil {
		add("patient_id = $%d", *filter.PatientID)
	}
	if filter.Status != nil {
		add("status = $%d", *filter.Status)
	}
	if filter.From != nil {
		add("start_time >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("start_time < $%d", *filter.To)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY start_time, id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, db.Unavailable("list appointments", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
	`, a.ID, a.ProviderID, a.PatientID, a.Start, a.DurationMinutes, a.VisitType, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if db.HasCode(err, db.CodeExclusionViolation) {
			return ErrOverlapRejected
		}
		return db.Unavailable("insert appointment", err)
	}
	a.Version = 1
	return nil
}

// UpdateAppointment is a compare-and-set on the version column.
func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) error {
	var version int64
	err := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET start_time = $2,
		    duration_minutes = $3,
		    visit_type = $4,
		    status = $5,
		    updated_at = $6,
		    version = version + 1
		WHERE id = $1
		  AND version = $7
		RETURNING version
	`, a.ID, a.Start, a.DurationMinutes, a.VisitType, a.Status, a.UpdatedAt, expectedVersion).Scan(&version)
	if err != nil {
		if db.HasCode(err, db.CodeExclusionViolation) {
			return ErrOverlapRejected
		}
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetAppointmentByID(ctx, a.ID); getErr != nil {
				return getErr
			}
			return ErrVersionMismatch
		}
		return db.Unavailable("update appointment", err)
	}
	a.Version = version
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return db.Unavailable("insert event log", err)
	}

	return nil
}

func (r *PgRepository) UpsertProvider(ctx context.Context, p slotgrid.Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	hours, err := json.Marshal(p.Hours)
	if err != nil {
		return fmt.Errorf("encode working hours: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO providers (id, name, granularity, hours, archived, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    granularity = EXCLUDED.granularity,
		    hours = EXCLUDED.hours,
		    archived = EXCLUDED.archived,
		    updated_at = now()
	`, p.ID, p.Name, p.Granularity, hours, p.Archived)
	if err != nil {
		return db.Unavailable("upsert provider", err)
	}
	return nil
}

func (r *PgRepository) UpsertPatient(ctx context.Context, p Patient) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patients (id, name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    email = EXCLUDED.email,
		    phone = EXCLUDED.phone,
		    updated_at = now()
	`, p.ID, p.Name, p.Email, p.Phone)
	if err != nil {
		return db.Unavailable("upsert patient", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
