package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

// Repository contains all storage interactions needed by the engine.
type Repository interface {
	GetProviderByID(ctx context.Context, id uuid.UUID) (*slotgrid.Provider, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, filter ListFilter) ([]Appointment, error)

	// For conflict checks: scheduled appointments of a provider starting in [from, to).
	ListScheduledForProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error)

	// InsertAppointment stores a new appointment with Version 1.
	InsertAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointment writes a only if the stored version equals expectedVersion,
	// otherwise ErrVersionMismatch. On success a.Version is the new version.
	UpdateAppointment(ctx context.Context, a *Appointment, expectedVersion int64) error

	InsertEvent(ctx context.Context, ev EventLog) error
}

// ProviderStore is the write side for provider onboarding and schedule rule changes.
type ProviderStore interface {
	UpsertProvider(ctx context.Context, p slotgrid.Provider) error
	UpsertPatient(ctx context.Context, p Patient) error
}
