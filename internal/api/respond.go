package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/db"
	"github.com/hackgods/clinic-scheduling-engine/internal/outreach"
	"github.com/hackgods/clinic-scheduling-engine/internal/readiness"
	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// handleError maps domain errors onto HTTP. Validation failures are 4xx with
// a stable code; storage failures are 503 so clients retry with backoff.
func handleError(w http.ResponseWriter, err error) {
	var conflict *appointment.ConflictError

	switch {
	case errors.As(err, &conflict):
		ids := make([]uuid.UUID, 0, len(conflict.Conflicts))
		for _, c := range conflict.Conflicts {
			ids = append(ids, c.ID)
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "time_already_booked",
			Details:   "this time is already booked, please pick another slot",
			Conflicts: ids,
		})
	case errors.Is(err, slotgrid.ErrOutOfHours):
		writeError(w, http.StatusUnprocessableEntity, "out_of_hours", err.Error())
	case errors.Is(err, slotgrid.ErrMisalignedTime):
		writeError(w, http.StatusUnprocessableEntity, "misaligned_time", err.Error())
	case errors.Is(err, appointment.ErrProviderNotFound):
		writeError(w, http.StatusNotFound, "provider_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, readiness.ErrNotFound):
		writeError(w, http.StatusNotFound, "readiness_not_found", err.Error())
	case errors.Is(err, outreach.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "outreach_plan_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, readiness.ErrRegression):
		writeError(w, http.StatusConflict, "progress_regression", err.Error())
	case errors.Is(err, appointment.ErrInvalidVisitType),
		errors.Is(err, readiness.ErrInvalidPercentage),
		errors.Is(err, outreach.ErrInvalidChannel),
		errors.Is(err, outreach.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, db.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage is temporarily unavailable, please retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
