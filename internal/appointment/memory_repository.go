package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

// MemoryRepository keeps everything in process. It backs tests and the
// STORAGE_BACKEND=memory mode; data does not survive a restart.
type MemoryRepository struct {
	mu           sync.RWMutex
	providers    map[uuid.UUID]slotgrid.Provider
	patients     map[uuid.UUID]Patient
	appointments map[uuid.UUID]Appointment
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		providers:    make(map[uuid.UUID]slotgrid.Provider),
		patients:     make(map[uuid.UUID]Patient),
		appointments: make(map[uuid.UUID]Appointment),
	}
}

func (r *MemoryRepository) UpsertProvider(_ context.Context, p slotgrid.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = p
	return nil
}

func (r *MemoryRepository) UpsertPatient(_ context.Context, p Patient) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.ID] = p
	return nil
}

func (r *MemoryRepository) GetProviderByID(_ context.Context, id uuid.UUID) (*slotgrid.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, filter ListFilter) ([]Appointment, error) {
	r.mu.RLock()
	var out []Appointment
	for _, a := range r.appointments {
		if filter.matches(a) {
			out = append(out, a)
		}
	}
	r.mu.RUnlock()

	sortByStart(out)

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListScheduledForProvider(_ context.Context, providerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.ProviderID != providerID || a.Status != StatusScheduled {
			continue
		}
		if a.Start.Before(from) || !a.Start.Before(to) {
			continue
		}
		out = append(out, a)
	}
	sortByStart(out)
	return out, nil
}

// InsertAppointment also enforces the no-overlap rule, mirroring the Postgres
// exclusion constraint, so a caller that skipped the lock still cannot corrupt state.
func (r *MemoryRepository) InsertAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Status == StatusScheduled && r.overlapsLocked(*a) {
		return ErrOverlapRejected
	}
	a.Version = 1
	r.appointments[a.ID] = *a
	return nil
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, a *Appointment, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.appointments[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionMismatch
	}
	if a.Status == StatusScheduled && r.overlapsLocked(*a) {
		return ErrOverlapRejected
	}
	a.Version = expectedVersion + 1
	r.appointments[a.ID] = *a
	return nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) overlapsLocked(a Appointment) bool {
	for _, other := range r.appointments {
		if other.ID == a.ID || other.ProviderID != a.ProviderID || other.Status != StatusScheduled {
			continue
		}
		if a.Interval().Overlaps(other.Interval()) {
			return true
		}
	}
	return false
}

func sortByStart(list []Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Start.Equal(list[j].Start) {
			return list[i].ID.String() < list[j].ID.String()
		}
		return list[i].Start.Before(list[j].Start)
	})
}
