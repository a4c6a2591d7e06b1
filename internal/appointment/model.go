package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no-show"
)

// Terminal statuses never transition again.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

func (s AppointmentStatus) Valid() bool {
	return s == StatusScheduled || s.Terminal()
}

type VisitType string

const (
	VisitInClinic VisitType = "in-clinic"
	VisitVirtual  VisitType = "virtual"
)

func (v VisitType) Valid() bool {
	return v == VisitInClinic || v == VisitVirtual
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID              uuid.UUID
	ProviderID      uuid.UUID
	PatientID       uuid.UUID
	Start           time.Time
	DurationMinutes int
	VisitType       VisitType
	Status          AppointmentStatus
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a Appointment) Interval() slotgrid.Interval {
	return slotgrid.Interval{Start: a.Start, Minutes: a.DurationMinutes}
}

func (a Appointment) End() time.Time {
	return a.Interval().End()
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// ListFilter narrows appointment listings. Zero values mean "any".
type ListFilter struct {
	ProviderID *uuid.UUID
	PatientID  *uuid.UUID
	Status     *AppointmentStatus
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

func (f ListFilter) matches(a Appointment) bool {
	if f.ProviderID != nil && a.ProviderID != *f.ProviderID {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.From != nil && a.Start.Before(*f.From) {
		return false
	}
	if f.To != nil && !a.Start.Before(*f.To) {
		return false
	}
	return true
}
