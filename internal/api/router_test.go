package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/db"
	"github.com/hackgods/clinic-scheduling-engine/internal/logging"
	"github.com/hackgods/clinic-scheduling-engine/internal/notifier"
	"github.com/hackgods/clinic-scheduling-engine/internal/observability/metrics"
	"github.com/hackgods/clinic-scheduling-engine/internal/outreach"
	"github.com/hackgods/clinic-scheduling-engine/internal/readiness"
	redisclient "github.com/hackgods/clinic-scheduling-engine/internal/redis"
	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

type testAPI struct {
	handler  http.Handler
	provider slotgrid.Provider
	patient  appointment.Patient
	now      time.Time
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	api := &testAPI{now: time.Date(2025, 2, 28, 8, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return api.now }
	log := logging.Nop()

	repo := appointment.NewMemoryRepository()
	provider := slotgrid.Provider{
		ID:          uuid.New(),
		Name:        "Dr. Api",
		Granularity: 15,
		Hours:       slotgrid.WeekHours(9*60, 17*60, time.Monday, time.Tuesday),
	}
	phone := "+15550199"
	patient := appointment.Patient{ID: uuid.New(), Name: "Pat", Phone: &phone}
	require.NoError(t, repo.UpsertProvider(ctx, provider))
	require.NoError(t, repo.UpsertPatient(ctx, patient))

	reg := prometheus.NewRegistry()
	sched := config.SchedulingConfig{SlotGranularity: 15, BookingRetries: 2, IntakeLeadTime: 24 * time.Hour}
	policy := config.OutreachConfig{
		LeadTime:    48 * time.Hour,
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Hour, 4 * time.Hour, 12 * time.Hour},
		Escalation:  []string{"sms", "call", "email"},
	}

	svc := appointment.NewService(repo, redisclient.NewLocalLocker(), sched, log, metrics.NewSchedulingMetrics(reg)).WithClock(clock)
	tracker := readiness.NewTracker(readiness.NewMemoryStore(), sched, log, metrics.NewReadinessMetrics(reg)).WithClock(clock)
	coord := outreach.NewCoordinator(outreach.NewMemoryStore(), tracker, repo, notifier.NewLogNotifier(log), policy, log, metrics.NewOutreachMetrics(reg)).WithClock(clock)
	svc.Subscribe(tracker)
	svc.Subscribe(coord)

	api.handler = NewRouter(RouterConfig{
		Scheduling: svc,
		Readiness:  tracker,
		Outreach:   coord,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:     log,
		Clock:      clock,
		Env:        "test",
		Version:    "dev",
	})
	api.provider = provider
	api.patient = patient
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) book(t *testing.T, start string, minutes int) *httptest.ResponseRecorder {
	return a.do(t, http.MethodPost, "/appointments", CreateAppointmentRequest{
		ProviderID:      a.provider.ID.String(),
		PatientID:       a.patient.ID.String(),
		Start:           start,
		DurationMinutes: minutes,
		VisitType:       "virtual",
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCreateAppointmentFlow(t *testing.T) {
	api := newTestAPI(t)

	rec := api.book(t, "2025-03-03T09:00", 30)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	assert.Equal(t, "2025-03-03T09:00:00", created["start"])
	assert.Equal(t, "2025-03-03T09:30:00", created["end"])
	assert.Equal(t, "scheduled", created["status"])
	readinessBody := created["readiness"].(map[string]any)
	assert.Equal(t, "not-started", readinessBody["status"])

	rec = api.book(t, "2025-03-03T09:30:00", 30)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = api.book(t, "2025-03-03T09:15:00", 30)
	require.Equal(t, http.StatusConflict, rec.Code)
	conflict := decode[ErrorResponse](t, rec)
	assert.Equal(t, "time_already_booked", conflict.Error)
	assert.Len(t, conflict.Conflicts, 2)

	rec = api.book(t, "2025-03-03T08:45:00", 30)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "out_of_hours", decode[ErrorResponse](t, rec).Error)

	rec = api.book(t, "2025-03-03T10:05:00", 15)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "misaligned_time", decode[ErrorResponse](t, rec).Error)

	rec = api.do(t, http.MethodPost, "/appointments", map[string]any{"provider_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/appointments?provider_id="+api.provider.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AppointmentResponse](t, rec), 2)
}

func TestAppointmentLifecycle(t *testing.T) {
	api := newTestAPI(t)

	rec := api.book(t, "2025-03-03T11:00", 30)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[AppointmentResponse](t, rec).ID.String()

	rec = api.do(t, http.MethodPost, "/appointments/"+id+"/reschedule", RescheduleRequest{Start: "2025-03-04T10:00", DurationMinutes: 45})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for i := 0; i < 2; i++ {
		rec = api.do(t, http.MethodPost, "/appointments/"+id+"/cancel", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/appointments/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "cancelled", got["status"])
	intake := got["readiness"].(map[string]any)
	assert.Equal(t, true, intake["closed"])
	assert.Equal(t, "not-started", intake["status"])

	rec = api.do(t, http.MethodPost, "/appointments/"+id+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decode[ErrorResponse](t, rec).Error)

	rec = api.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/appointments/"+id+"/outreach", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "suppressed", decode[OutreachHistoryResponse](t, rec).Plan.State)
}

func TestIntakeEndpoints(t *testing.T) {
	api := newTestAPI(t)

	rec := api.book(t, "2025-03-03T09:00", 30)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[AppointmentResponse](t, rec).ID.String()

	rec = api.do(t, http.MethodPost, "/appointments/"+id+"/intake/progress", FormProgressRequest{Percentage: 40})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "in-progress", decode[IntakeResponse](t, rec).Status)

	rec = api.do(t, http.MethodPost, "/appointments/"+id+"/intake/progress", FormProgressRequest{Percentage: 20})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "progress_regression", decode[ErrorResponse](t, rec).Error)

	rec = api.do(t, http.MethodPost, "/appointments/"+id+"/intake/progress", FormProgressRequest{Percentage: 140})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/appointments/"+id+"/intake/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, decode[IntakeResponse](t, rec).Percentage)

	rec = api.do(t, http.MethodGet, "/readiness/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, readiness.Counts{Ready: 1}, decode[readiness.Counts](t, rec))

	rec = api.do(t, http.MethodPost, "/appointments/"+id+"/intake/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not-started", decode[IntakeResponse](t, rec).Status)
}

func TestReadinessCountsEvaluatesOverdueOnRead(t *testing.T) {
	api := newTestAPI(t)

	rec := api.book(t, "2025-03-03T09:00", 30)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[AppointmentResponse](t, rec).ID.String()

	rec = api.do(t, http.MethodGet, "/readiness/counts?provider_id="+api.provider.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, readiness.Counts{NeedsAction: 1}, decode[readiness.Counts](t, rec))

	// The 24h intake deadline is Sunday 09:00.
	api.now = time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	rec = api.do(t, http.MethodGet, "/readiness/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, readiness.Counts{AtRisk: 1}, decode[readiness.Counts](t, rec))

	rec = api.do(t, http.MethodGet, "/appointments/"+id+"/outreach", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plan := decode[OutreachHistoryResponse](t, rec).Plan
	assert.Equal(t, "pending", plan.State)
	assert.False(t, time.Time(plan.NextAttemptAt).After(api.now))

	rec = api.do(t, http.MethodGet, "/readiness/counts?provider_id=bad", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOutreachAttemptEndpoint(t *testing.T) {
	api := newTestAPI(t)

	rec := api.book(t, "2025-03-03T09:00", 30)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[AppointmentResponse](t, rec).ID.String()

	rec = api.do(t, http.MethodPost, "/outreach/attempts", RecordAttemptRequest{AppointmentID: id, Channel: "sms", Outcome: "failed", At: "2025-03-01T09:00"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	plan := decode[map[string]any](t, rec)
	assert.Equal(t, "call", plan["channel"])
	assert.Equal(t, "2025-03-01T10:00:00", plan["next_attempt_at"])
	assert.EqualValues(t, 1, plan["attempts"])

	rec = api.do(t, http.MethodPost, "/outreach/attempts", RecordAttemptRequest{AppointmentID: id, Channel: "fax", Outcome: "failed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/appointments/"+id+"/outreach", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[OutreachHistoryResponse](t, rec)
	require.Len(t, history.Attempts, 1)
	assert.Equal(t, "failed", history.Attempts[0].Outcome)

	rec = api.do(t, http.MethodGet, "/appointments/"+id, nil)
	got := decode[map[string]any](t, rec)
	last := got["readiness"].(map[string]any)["last_outreach"].(map[string]any)
	assert.Equal(t, "sms", last["channel"])
	assert.EqualValues(t, 1, last["attempts"])
}

func TestAvailabilityEndpoint(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.book(t, "2025-03-03T09:00", 60).Code)

	rec := api.do(t, http.MethodGet, "/providers/"+api.provider.ID.String()+"/availability?date=2025-03-03&duration=60", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	avail := decode[map[string]any](t, rec)
	slots := avail["slots"].([]any)
	require.NotEmpty(t, slots)
	assert.Equal(t, "2025-03-03T10:00:00", slots[0].(map[string]any)["start"])

	rec = api.do(t, http.MethodGet, "/providers/"+api.provider.ID.String()+"/availability?date=March", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/providers/"+uuid.NewString()+"/availability?date=2025-03-03", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = api.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusCreated, api.book(t, "2025-03-03T09:00", 30).Code)
	rec = api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "clinic_scheduling_writes_total"))
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthReadyReportsDependencies(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := NewHealthHandler(nil, client, "test", "dev")
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]string{"redis": "ok"}, decode[ReadinessResponse](t, rec).Dependencies)

	mr.Close()
	rec = httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", decode[ReadinessResponse](t, rec).Status)

	rec = httptest.NewRecorder()
	NewHealthHandler(downPinger{}, nil, "test", "dev").Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStorageErrorsMapTo503(t *testing.T) {
	rec := httptest.NewRecorder()
	handleError(rec, db.Unavailable("list appointments", errors.New("timeout")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_unavailable", decode[ErrorResponse](t, rec).Error)
}
