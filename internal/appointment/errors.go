package appointment

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrProviderNotFound    = fmt.Errorf("provider %w", ErrNotFound)
	ErrPatientNotFound     = fmt.Errorf("patient %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)

	ErrConflict         = errors.New("time is already booked")
	ErrInvalidState     = errors.New("invalid appointment state")
	ErrProviderArchived = fmt.Errorf("%w: provider is archived", ErrInvalidState)
	ErrInvalidVisitType = errors.New("invalid visit type")

	// ErrVersionMismatch is returned by repositories when an optimistic write
	// lost a race. The engine retries it.
	ErrVersionMismatch = errors.New("appointment was modified concurrently")
	// ErrOverlapRejected is returned by repositories whose storage enforces the
	// no-overlap rule itself.
	ErrOverlapRejected = errors.New("storage rejected overlapping appointment")
)

// ConflictError lists the scheduled appointments a candidate collides with.
// Conflicts may be empty when the write lost a race repeatedly.
type ConflictError struct {
	Conflicts []Appointment
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return ErrConflict.Error()
	}
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.ID.String())
	}
	return fmt.Sprintf("%s: overlaps %s", ErrConflict, strings.Join(ids, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
