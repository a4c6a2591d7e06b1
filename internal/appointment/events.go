package appointment

import (
	"context"
	"time"
)

type EventType string

const (
	EventAppointmentCreated     EventType = "APPOINTMENT_CREATED"
	EventAppointmentRescheduled EventType = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCancelled   EventType = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   EventType = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      EventType = "APPOINTMENT_NO_SHOW"
)

// Event is emitted after a state change has been committed.
type Event struct {
	Type        EventType
	Appointment Appointment
	// Previous is set for reschedules and status transitions.
	Previous   *Appointment
	OccurredAt time.Time
}

// Listener consumes engine events. Listeners run synchronously, in
// registration order, after the write commits; a listener error is logged and
// never rolls the write back.
type Listener interface {
	HandleAppointmentEvent(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) HandleAppointmentEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}
