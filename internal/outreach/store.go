package outreach

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Store interface {
	AppendAttempt(ctx context.Context, a Attempt) error
	ListAttempts(ctx context.Context, appointmentID uuid.UUID) ([]Attempt, error)

	GetPlan(ctx context.Context, appointmentID uuid.UUID) (*Plan, error)
	InsertPlan(ctx context.Context, p *Plan) error
	// UpdatePlan is a compare-and-set on Version.
	UpdatePlan(ctx context.Context, p *Plan, expectedVersion int64) error
	// ListDuePlans returns pending plans with NextAttemptAt at or before now, oldest first.
	ListDuePlans(ctx context.Context, now time.Time, limit int) ([]Plan, error)
	// ListStaleDispatched returns dispatched plans last updated at or before
	// cutoff, oldest first.
	ListStaleDispatched(ctx context.Context, cutoff time.Time, limit int) ([]Plan, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID][]Attempt
	plans    map[uuid.UUID]Plan
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[uuid.UUID][]Attempt),
		plans:    make(map[uuid.UUID]Plan),
	}
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[a.AppointmentID] = append(s.attempts[a.AppointmentID], a)
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, appointmentID uuid.UUID) ([]Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Attempt(nil), s.attempts[appointmentID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (s *MemoryStore) GetPlan(_ context.Context, appointmentID uuid.UUID) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[appointmentID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return &p, nil
}

func (s *MemoryStore) InsertPlan(_ context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.AppointmentID]; ok {
		return ErrPlanExists
	}
	p.Version = 1
	s.plans[p.AppointmentID] = *p
	return nil
}

func (s *MemoryStore) UpdatePlan(_ context.Context, p *Plan, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.plans[p.AppointmentID]
	if !ok {
		return ErrPlanNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionMismatch
	}
	p.Version = expectedVersion + 1
	s.plans[p.AppointmentID] = *p
	return nil
}

func (s *MemoryStore) ListDuePlans(_ context.Context, now time.Time, limit int) ([]Plan, error) {
	s.mu.RLock()
	var out []Plan
	for _, p := range s.plans {
		if p.State == PlanPending && !p.NextAttemptAt.After(now) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStaleDispatched(_ context.Context, cutoff time.Time, limit int) ([]Plan, error) {
	s.mu.RLock()
	var out []Plan
	for _, p := range s.plans {
		if p.State == PlanDispatched && !p.UpdatedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
