package readiness

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
)

type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusSubmitted  Status = "submitted"
	StatusOverdue    Status = "overdue"
)

// open statuses are the ones EvaluateOverdue may still move to overdue.
func (s Status) open() bool {
	return s == StatusNotStarted || s == StatusInProgress
}

type Confirmation string

const (
	Unconfirmed Confirmation = "unconfirmed"
	Confirmed   Confirmation = "confirmed"
)

// OutreachSummary is the latest contact attempt as seen by staff.
type OutreachSummary struct {
	Channel  string
	At       time.Time
	Attempts int
}

// Record is the intake and confirmation state of one appointment. It lives as
// long as the appointment does and mirrors its status once it leaves
// scheduled.
type Record struct {
	AppointmentID     uuid.UUID
	ProviderID        uuid.UUID
	AppointmentStart  time.Time
	AppointmentStatus appointment.AppointmentStatus
	Status            Status
	Percentage        int
	Confirmation      Confirmation
	LastOutreach      *OutreachSummary
	OutreachExhausted bool
	Version           int64
	UpdatedAt         time.Time
}

// Deadline is the moment intake becomes overdue for the given lead time.
func (r Record) Deadline(lead time.Duration) time.Time {
	return r.AppointmentStart.Add(-lead)
}

// Closed records belong to cancelled, completed or no-show appointments. They
// are kept for audit but never go overdue and are left out of the counts.
func (r Record) Closed() bool {
	return r.AppointmentStatus != "" && r.AppointmentStatus != appointment.StatusScheduled
}

// Filter narrows aggregate and list queries by provider and appointment start.
type Filter struct {
	ProviderID *uuid.UUID
	From       *time.Time
	To         *time.Time
}

func (f Filter) matches(r Record) bool {
	if f.ProviderID != nil && r.ProviderID != *f.ProviderID {
		return false
	}
	if f.From != nil && r.AppointmentStart.Before(*f.From) {
		return false
	}
	if f.To != nil && !r.AppointmentStart.Before(*f.To) {
		return false
	}
	return true
}

// Counts feeds the dashboard summary cards.
type Counts struct {
	NeedsAction int `json:"needs_action"`
	AtRisk      int `json:"at_risk"`
	Ready       int `json:"ready"`
}

func (c *Counts) add(s Status) {
	switch s {
	case StatusNotStarted, StatusInProgress:
		c.NeedsAction++
	case StatusOverdue:
		c.AtRisk++
	case StatusSubmitted:
		c.Ready++
	}
}
