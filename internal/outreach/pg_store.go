package outreach

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-scheduling-engine/internal/db"
)

type PgStore struct {
	pool db.Pool
}

func NewPgStore(pool db.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const planColumns = `appointment_id, patient_id, channel, next_attempt_at, state, attempts, version, updated_at`

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	err := row.Scan(
		&p.AppointmentID,
		&p.PatientID,
		&p.Channel,
		&p.NextAttemptAt,
		&p.State,
		&p.Attempts,
		&p.Version,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, db.Unavailable("scan outreach plan", err)
	}
	return &p, nil
}

func (s *PgStore) AppendAttempt(ctx context.Context, a Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outreach_attempts (id, appointment_id, channel, outcome, attempted_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.AppointmentID, a.Channel, a.Outcome, a.At)
	if err != nil {
		return db.Unavailable("append outreach attempt", err)
	}
	return nil
}

func (s *PgStore) ListAttempts(ctx context.Context, appointmentID uuid.UUID) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, appointment_id, channel, outcome, attempted_at
		FROM outreach_attempts
		WHERE appointment_id = $1
		ORDER BY attempted_at
	`, appointmentID)
	if err != nil {
		return nil, db.Unavailable("list outreach attempts", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.AppointmentID, &a.Channel, &a.Outcome, &a.At); err != nil {
			return nil, db.Unavailable("scan outreach attempt", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("iterate outreach attempts", err)
	}
	return out, nil
}

func (s *PgStore) GetPlan(ctx context.Context, appointmentID uuid.UUID) (*Plan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+planColumns+`
		FROM outreach_plans
		WHERE appointment_id = $1
	`, appointmentID)
	return scanPlan(row)
}

func (s *PgStore) InsertPlan(ctx context.Context, p *Plan) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO outreach_plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (appointment_id) DO NOTHING
	`, p.AppointmentID, p.PatientID, p.Channel, p.NextAttemptAt, p.State, p.Attempts, p.UpdatedAt)
	if err != nil {
		return db.Unavailable("insert outreach plan", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPlanExists
	}
	p.Version = 1
	return nil
}

func (s *PgStore) UpdatePlan(ctx context.Context, p *Plan, expectedVersion int64) error {
	var version int64
	err := s.pool.QueryRow(ctx, `
		UPDATE outreach_plans
		SET channel = $2,
		    next_attempt_at = $3,
		    state = $4,
		    attempts = $5,
		    updated_at = $6,
		    version = version + 1
		WHERE appointment_id = $1
		  AND version = $7
		RETURNING version
	`, p.AppointmentID, p.Channel, p.NextAttemptAt, p.State, p.Attempts, p.UpdatedAt, expectedVersion).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := s.GetPlan(ctx, p.AppointmentID); getErr != nil {
				return getErr
			}
			return ErrVersionMismatch
		}
		return db.Unavailable("update outreach plan", err)
	}
	p.Version = version
	return nil
}

func (s *PgStore) ListDuePlans(ctx context.Context, now time.Time, limit int) ([]Plan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+planColumns+`
		FROM outreach_plans
		WHERE state = 'pending'
		  AND next_attempt_at <= $1
		ORDER BY next_attempt_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, db.Unavailable("list due outreach plans", err)
	}
	return collectPlans(rows)
}

func (s *PgStore) ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]Plan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+planColumns+`
		FROM outreach_plans
		WHERE state = 'dispatched'
		  AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, db.Unavailable("list stale outreach plans", err)
	}
	return collectPlans(rows)
}

func collectPlans(rows pgx.Rows) ([]Plan, error) {
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("iterate outreach plans", err)
	}
	return out, nil
}
