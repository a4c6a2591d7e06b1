// Package notifier hands outreach dispatch requests to the services that
// actually talk to patients. Delivery results come back asynchronously through
// the outreach attempt endpoint, never through Dispatch.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ChannelSMS   = "sms"
	ChannelCall  = "call"
	ChannelEmail = "email"
)

var ErrUnsupportedChannel = errors.New("no notifier for channel")

// Request is one reminder the notifier service should attempt.
type Request struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	Channel       string    `json:"channel"`
	Contact       string    `json:"contact"`
	Template      string    `json:"template"`
	Attempt       int       `json:"attempt"`
	AppointmentAt time.Time `json:"appointment_at"`
	RequestedAt   time.Time `json:"requested_at"`
}

type Notifier interface {
	Dispatch(ctx context.Context, req Request) error
}

// Router sends each request to the notifier registered for its channel.
type Router struct {
	routes map[string]Notifier
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]Notifier)}
}

// Handle registers n for the given channels, replacing earlier registrations.
func (r *Router) Handle(n Notifier, channels ...string) *Router {
	for _, ch := range channels {
		r.routes[ch] = n
	}
	return r
}

func (r *Router) Dispatch(ctx context.Context, req Request) error {
	n, ok := r.routes[req.Channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedChannel, req.Channel)
	}
	return n.Dispatch(ctx, req)
}

// LogNotifier only logs. Used in development when no real channel is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Dispatch(_ context.Context, req Request) error {
	n.log.Info().
		Str("appointment_id", req.AppointmentID.String()).
		Str("channel", req.Channel).
		Str("template", req.Template).
		Int("attempt", req.Attempt).
		Msg("would dispatch outreach")
	return nil
}
