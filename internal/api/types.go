package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/outreach"
	"github.com/hackgods/clinic-scheduling-engine/internal/readiness"
	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

// Times on the wire are provider wall clock without a zone.
const (
	wallClockLayout = "2006-01-02T15:04:05"
	dateLayout      = "2006-01-02"
)

// WallTime marshals as provider wall clock.
type WallTime time.Time

func (t WallTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).Format(wallClockLayout) + `"`), nil
}

func (t *WallTime) UnmarshalJSON(b []byte) error {
	parsed, err := parseWallClock(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*t = WallTime(parsed)
	return nil
}

// parseWallClock accepts wall clock with or without seconds. An RFC 3339
// value keeps its wall clock reading and drops the offset.
func parseWallClock(s string) (time.Time, error) {
	for _, layout := range []string{wallClockLayout, "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q must look like %s", s, wallClockLayout)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC), nil
}

type CreateAppointmentRequest struct {
	ProviderID      string `json:"provider_id"`
	PatientID       string `json:"patient_id"`
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes"`
	VisitType       string `json:"visit_type"`
}

type RescheduleRequest struct {
	Start           string `json:"start"`
	DurationMinutes int    `json:"duration_minutes"`
}

type FormProgressRequest struct {
	Percentage int `json:"percentage"`
}

type RecordAttemptRequest struct {
	AppointmentID string `json:"appointment_id"`
	Channel       string `json:"channel"`
	Outcome       string `json:"outcome"`
	At            string `json:"at,omitempty"`
}

type AppointmentResponse struct {
	ID              uuid.UUID          `json:"id"`
	ProviderID      uuid.UUID          `json:"provider_id"`
	PatientID       uuid.UUID          `json:"patient_id"`
	Start           WallTime           `json:"start"`
	End             WallTime           `json:"end"`
	DurationMinutes int                `json:"duration_minutes"`
	VisitType       string             `json:"visit_type"`
	Status          string             `json:"status"`
	Version         int64              `json:"version"`
	Readiness       *IntakeResponse    `json:"readiness,omitempty"`
}

func newAppointmentResponse(a *appointment.Appointment, rec *readiness.Record) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		ProviderID:      a.ProviderID,
		PatientID:       a.PatientID,
		Start:           WallTime(a.Start),
		End:             WallTime(a.End()),
		DurationMinutes: a.DurationMinutes,
		VisitType:       string(a.VisitType),
		Status:          string(a.Status),
		Version:         a.Version,
	}
	if rec != nil {
		r := newIntakeResponse(rec)
		resp.Readiness = &r
	}
	return resp
}

type OutreachSummaryResponse struct {
	Channel  string   `json:"channel"`
	At       WallTime `json:"at"`
	Attempts int      `json:"attempts"`
}

type IntakeResponse struct {
	AppointmentID     uuid.UUID                `json:"appointment_id"`
	Status            string                   `json:"status"`
	Percentage        int                      `json:"percentage"`
	Confirmation      string                   `json:"confirmation"`
	OutreachExhausted bool                     `json:"outreach_exhausted"`
	Closed            bool                     `json:"closed"`
	LastOutreach      *OutreachSummaryResponse `json:"last_outreach,omitempty"`
}

func newIntakeResponse(r *readiness.Record) IntakeResponse {
	resp := IntakeResponse{
		AppointmentID:     r.AppointmentID,
		Status:            string(r.Status),
		Percentage:        r.Percentage,
		Confirmation:      string(r.Confirmation),
		OutreachExhausted: r.OutreachExhausted,
		Closed:            r.Closed(),
	}
	if r.LastOutreach != nil {
		resp.LastOutreach = &OutreachSummaryResponse{
			Channel:  r.LastOutreach.Channel,
			At:       WallTime(r.LastOutreach.At),
			Attempts: r.LastOutreach.Attempts,
		}
	}
	return resp
}

type SlotResponse struct {
	Start WallTime `json:"start"`
	End   WallTime `json:"end"`
}

type AvailabilityResponse struct {
	ProviderID      uuid.UUID      `json:"provider_id"`
	Date            string         `json:"date"`
	DurationMinutes int            `json:"duration_minutes"`
	Slots           []SlotResponse `json:"slots"`
}

func newAvailabilityResponse(providerID uuid.UUID, day time.Time, minutes int, free []slotgrid.Interval) AvailabilityResponse {
	slots := make([]SlotResponse, 0, len(free))
	for _, iv := range free {
		slots = append(slots, SlotResponse{Start: WallTime(iv.Start), End: WallTime(iv.End())})
	}
	return AvailabilityResponse{
		ProviderID:      providerID,
		Date:            day.Format(dateLayout),
		DurationMinutes: minutes,
		Slots:           slots,
	}
}

type PlanResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Channel       string    `json:"channel"`
	NextAttemptAt WallTime  `json:"next_attempt_at"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
}

func newPlanResponse(p *outreach.Plan) PlanResponse {
	return PlanResponse{
		AppointmentID: p.AppointmentID,
		Channel:       string(p.Channel),
		NextAttemptAt: WallTime(p.NextAttemptAt),
		State:         string(p.State),
		Attempts:      p.Attempts,
	}
}

type AttemptResponse struct {
	ID      uuid.UUID `json:"id"`
	Channel string    `json:"channel"`
	Outcome string    `json:"outcome"`
	At      WallTime  `json:"at"`
}

type OutreachHistoryResponse struct {
	Plan     PlanResponse      `json:"plan"`
	Attempts []AttemptResponse `json:"attempts"`
}

type ErrorResponse struct {
	Error     string      `json:"error"`
	Details   string      `json:"details,omitempty"`
	Conflicts []uuid.UUID `json:"conflicts,omitempty"`
}
