package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/db"
)

type PgStore struct {
	pool db.Pool
}

func NewPgStore(pool db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const recordColumns = `appointment_id, provider_id, appointment_start, appointment_status, status, percentage, confirmation, last_channel, last_outreach_at, outreach_attempts, outreach_exhausted, version, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r        Record
		channel  *string
		lastAt   *time.Time
		attempts int
	)

	err := row.Scan(
		&r.AppointmentID,
		&r.ProviderID,
		&r.AppointmentStart,
		&r.AppointmentStatus,
		&r.Status,
		&r.Percentage,
		&r.Confirmation,
		&channel,
		&lastAt,
		&attempts,
		&r.OutreachExhausted,
		&r.Version,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, db.Unavailable("scan readiness", err)
	}

	if channel != nil && lastAt != nil {
		r.LastOutreach = &OutreachSummary{Channel: *channel, At: *lastAt, Attempts: attempts}
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("iterate readiness", err)
	}
	return out, nil
}

// outreachColumns flattens the optional summary into nullable columns.
func outreachColumns(r *Record) (*string, *time.Time, int) {
	if r.LastOutreach == nil {
		return nil, nil, 0
	}
	ch, at := r.LastOutreach.Channel, r.LastOutreach.At
	return &ch, &at, r.LastOutreach.Attempts
}

func appointmentStatus(r *Record) appointment.AppointmentStatus {
	if r.AppointmentStatus == "" {
		return appointment.StatusScheduled
	}
	return r.AppointmentStatus
}

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM intake_readiness
		WHERE appointment_id = $1
	`, id)
	return scanRecord(row)
}

func (s *PgStore) Insert(ctx context.Context, r *Record) error {
	channel, lastAt, attempts := outreachColumns(r)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO intake_readiness (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12)
		ON CONFLICT (appointment_id) DO NOTHING
	`, r.AppointmentID, r.ProviderID, r.AppointmentStart, appointmentStatus(r), r.Status, r.Percentage, r.Confirmation,
		channel, lastAt, attempts, r.OutreachExhausted, r.UpdatedAt)
	if err != nil {
		return db.Unavailable("insert readiness", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	r.Version = 1
	return nil
}

func (s *PgStore) Update(ctx context.Context, r *Record, expectedVersion int64) error {
	channel, lastAt, attempts := outreachColumns(r)

	var version int64
	err := s.pool.QueryRow(ctx, `
		UPDATE intake_readiness
		SET appointment_start = $2,
		    appointment_status = $3,
		    status = $4,
		    percentage = $5,
		    confirmation = $6,
		    last_channel = $7,
		    last_outreach_at = $8,
		    outreach_attempts = $9,
		    outreach_exhausted = $10,
		    updated_at = $11,
		    version = version + 1
		WHERE appointment_id = $1
		  AND version = $12
		RETURNING version
	`, r.AppointmentID, r.AppointmentStart, appointmentStatus(r), r.Status, r.Percentage, r.Confirmation,
		channel, lastAt, attempts, r.OutreachExhausted, r.UpdatedAt, expectedVersion).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.Get(ctx, r.AppointmentID); getErr != nil {
				return getErr
			}
			return ErrVersionMismatch
		}
		return db.Unavailable("update readiness", err)
	}
	r.Version = version
	return nil
}

func (s *PgStore) List(ctx context.Context, filter Filter) ([]Record, error) {
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
	if filter.From != nil {
		add("appointment_start >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("appointment_start < $%d", *filter.To)
	}

	query := `SELECT ` + recordColumns + ` FROM intake_readiness`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY appointment_start, appointment_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, db.Unavailable("list readiness", err)
	}
	return collectRecords(rows)
}

func (s *PgStore) ListOpenStartingBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM intake_readiness
		WHERE status IN ('not-started', 'in-progress')
		  AND appointment_status = 'scheduled'
		  AND appointment_start <= $1
		ORDER BY appointment_start
	`, cutoff)
	if err != nil {
		return nil, db.Unavailable("list open readiness", err)
	}
	return collectRecords(rows)
}
