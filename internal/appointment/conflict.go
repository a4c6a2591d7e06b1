package appointment

import (
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

// FindConflicts returns every scheduled appointment of providerID whose range
// intersects candidate. Ranges are half-open, so back-to-back bookings pass.
// The result is advisory; only the engine acts on it under the provider lock.
func FindConflicts(providerID uuid.UUID, candidate slotgrid.Interval, existing []Appointment) []Appointment {
	return FindConflictsExcluding(providerID, candidate, existing, uuid.Nil)
}

// FindConflictsExcluding is FindConflicts ignoring one appointment, used when
// an appointment is moved and must not collide with itself.
func FindConflictsExcluding(providerID uuid.UUID, candidate slotgrid.Interval, existing []Appointment, exclude uuid.UUID) []Appointment {
	var conflicts []Appointment
	for _, a := range existing {
		if a.ProviderID != providerID || a.Status != StatusScheduled {
			continue
		}
		if exclude != uuid.Nil && a.ID == exclude {
			continue
		}
		if candidate.Overlaps(a.Interval()) {
			conflicts = append(conflicts, a)
		}
	}
	return conflicts
}
