package readiness

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]Record)}
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	r = clone(r)
	return &r, nil
}

func (s *MemoryStore) Insert(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.AppointmentID]; ok {
		return ErrAlreadyExists
	}
	r.Version = 1
	s.records[r.AppointmentID] = clone(*r)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, r *Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[r.AppointmentID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionMismatch
	}
	r.Version = expectedVersion + 1
	s.records[r.AppointmentID] = clone(*r)
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if filter.matches(r) {
			out = append(out, clone(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListOpenStartingBefore(_ context.Context, cutoff time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.Status.open() && !r.Closed() && !r.AppointmentStart.After(cutoff) {
			out = append(out, clone(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func clone(r Record) Record {
	if r.LastOutreach != nil {
		summary := *r.LastOutreach
		r.LastOutreach = &summary
	}
	return r
}

func sortRecords(list []Record) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].AppointmentStart.Equal(list[j].AppointmentStart) {
			return list[i].AppointmentID.String() < list[j].AppointmentID.String()
		}
		return list[i].AppointmentStart.Before(list[j].AppointmentStart)
	})
}
