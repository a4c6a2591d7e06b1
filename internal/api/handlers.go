package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/outreach"
	"github.com/hackgods/clinic-scheduling-engine/internal/readiness"
	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

type Handler struct {
	scheduling *appointment.Service
	readiness  *readiness.Tracker
	outreach   *outreach.Coordinator
	log        zerolog.Logger
	now        func() time.Time
}

func (h *Handler) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
		return
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	start, err := parseWallClock(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
		return
	}
	visit := appointment.VisitType(req.VisitType)
	if visit == "" {
		visit = appointment.VisitInClinic
	}

	appt, err := h.scheduling.Book(r.Context(), appointment.BookRequest{
		ProviderID: providerID,
		PatientID:  patientID,
		Interval:   slotgrid.Interval{Start: start, Minutes: req.DurationMinutes},
		VisitType:  visit,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newAppointmentResponse(appt, h.readinessFor(r, appt.ID)))
}

func (h *Handler) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter appointment.ListFilter

	if v := q.Get("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		filter.ProviderID = &id
	}
	if v := q.Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		filter.PatientID = &id
	}
	if v := q.Get("status"); v != "" {
		status := appointment.AppointmentStatus(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+strconv.Quote(v))
			return
		}
		filter.Status = &status
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := parseWallClock(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+name, err.Error())
				return
			}
			*dst = &t
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	appts, err := h.scheduling.ListAppointments(r.Context(), filter)
	if err != nil {
		handleError(w, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		resp = append(resp, newAppointmentResponse(&appts[i], nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	appt, err := h.scheduling.GetAppointment(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAppointmentResponse(appt, h.readinessFor(r, id)))
}

func (h *Handler) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	start, err := parseWallClock(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
		return
	}

	appt, err := h.scheduling.Reschedule(r.Context(), id, slotgrid.Interval{Start: start, Minutes: req.DurationMinutes})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAppointmentResponse(appt, h.readinessFor(r, id)))
}

// transition serves cancel, complete and no-show.
func (h *Handler) transition(apply func(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}
		appt, err := apply(r.Context(), id)
		if err != nil {
			handleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newAppointmentResponse(appt, nil))
	}
}

func (h *Handler) availability(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
		return
	}
	day, err := time.Parse(dateLayout, r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must look like 2006-01-02")
		return
	}
	minutes := slotgrid.DefaultGranularity
	if v := r.URL.Query().Get("duration"); v != "" {
		if minutes, err = strconv.Atoi(v); err != nil || minutes <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_duration", "duration must be a positive number of minutes")
			return
		}
	}

	free, err := h.scheduling.Availability(r.Context(), providerID, day, minutes)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAvailabilityResponse(providerID, day, minutes, free))
}

func (h *Handler) recordFormProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	var req FormProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	rec, err := h.readiness.RecordFormProgress(r.Context(), id, req.Percentage)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntakeResponse(rec))
}

func (h *Handler) recordFormSubmitted(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	rec, err := h.readiness.RecordFormSubmitted(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntakeResponse(rec))
}

// resetFormProgress is the staff override; the admin surface is expected to
// sit behind the clinic's own auth proxy.
func (h *Handler) resetFormProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	rec, err := h.readiness.ResetProgress(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	h.log.Info().Str("appointment_id", id.String()).Str("request_id", GetRequestID(r.Context())).Msg("intake progress reset by staff")
	writeJSON(w, http.StatusOK, newIntakeResponse(rec))
}

// readinessCounts re-evaluates overdue intake before counting, so the
// dashboard never shows a stale at-risk number between worker ticks.
func (h *Handler) readinessCounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter readiness.Filter

	if v := q.Get("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}
		filter.ProviderID = &id
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := parseWallClock(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_"+name, err.Error())
				return
			}
			*dst = &t
		}
	}

	now := h.now()
	overdue, err := h.readiness.EvaluateOverdue(r.Context(), now)
	if err != nil {
		handleError(w, err)
		return
	}
	if len(overdue) > 0 && h.outreach != nil {
		if _, err := h.outreach.NudgeOverdue(r.Context(), overdue, now); err != nil {
			h.log.Error().Err(err).Msg("nudge overdue outreach failed")
		}
	}

	counts, err := h.readiness.AggregateCounts(r.Context(), filter)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// recordOutreachAttempt is the notifier callback.
func (h *Handler) recordOutreachAttempt(w http.ResponseWriter, r *http.Request) {
	var req RecordAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	id, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
		return
	}
	at := h.now()
	if req.At != "" {
		if at, err = parseWallClock(req.At); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_at", err.Error())
			return
		}
	}

	plan, err := h.outreach.RecordAttempt(r.Context(), id, outreach.Channel(req.Channel), outreach.Outcome(req.Outcome), at)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPlanResponse(plan))
}

func (h *Handler) outreachHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}
	plan, err := h.outreach.Plan(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	attempts, err := h.outreach.Attempts(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}

	resp := OutreachHistoryResponse{Plan: newPlanResponse(plan), Attempts: make([]AttemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, AttemptResponse{ID: a.ID, Channel: string(a.Channel), Outcome: string(a.Outcome), At: WallTime(a.At)})
	}
	writeJSON(w, http.StatusOK, resp)
}

// readinessFor joins the readiness record into appointment responses. A
// missing record (cancelled, or not yet created) is not an error.
func (h *Handler) readinessFor(r *http.Request, id uuid.UUID) *readiness.Record {
	rec, err := h.readiness.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, readiness.ErrNotFound) {
			h.log.Warn().Err(err).Str("appointment_id", id.String()).Msg("readiness lookup failed")
		}
		return nil
	}
	return rec
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
