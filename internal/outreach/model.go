package outreach

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelCall  Channel = "call"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelCall || c == ChannelEmail
}

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeDelivered Outcome = "delivered"
	OutcomeResponded Outcome = "responded"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSent || o == OutcomeDelivered || o == OutcomeResponded || o == OutcomeFailed
}

// Attempt is one entry in the append-only outreach log.
type Attempt struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Channel       Channel
	Outcome       Outcome
	At            time.Time
}

type PlanState string

const (
	PlanPending    PlanState = "pending"    // waiting for NextAttemptAt
	PlanDispatched PlanState = "dispatched" // handed to the notifier, outcome not yet reported
	PlanCompleted  PlanState = "completed"
	PlanSuppressed PlanState = "suppressed" // appointment left the scheduled state
	PlanExhausted  PlanState = "exhausted"  // attempt budget spent, staff must follow up
)

// Terminal plans never dispatch again.
func (s PlanState) Terminal() bool {
	return s == PlanSuppressed || s == PlanExhausted
}

// Plan is the coordinator's decision about the next contact for one appointment.
type Plan struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	Channel       Channel
	NextAttemptAt time.Time
	State         PlanState
	Attempts      int // sends claimed so far; MaxAttempts caps it
	Version       int64
	UpdatedAt     time.Time
}

var (
	ErrPlanNotFound    = errors.New("outreach plan not found")
	ErrPlanExists      = errors.New("outreach plan already exists")
	ErrVersionMismatch = errors.New("outreach plan changed concurrently")
	ErrInvalidChannel  = errors.New("unknown outreach channel")
	ErrInvalidOutcome  = errors.New("unknown outreach outcome")
)
