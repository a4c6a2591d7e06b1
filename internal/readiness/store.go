package readiness

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists readiness records. Update is a compare-and-set on Version:
// it fails with ErrVersionMismatch when the stored version differs.
type Store interface {
	Get(ctx context.Context, appointmentID uuid.UUID) (*Record, error)
	Insert(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record, expectedVersion int64) error
	List(ctx context.Context, filter Filter) ([]Record, error)
	// ListOpenStartingBefore returns not-started and in-progress records of
	// scheduled appointments starting at or before cutoff.
	ListOpenStartingBefore(ctx context.Context, cutoff time.Time) ([]Record, error)
}
