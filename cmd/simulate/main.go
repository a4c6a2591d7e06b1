package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-scheduling-engine/internal/app"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/db"
	"github.com/hackgods/clinic-scheduling-engine/internal/logging"
)

const wallClockLayout = "2006-01-02T15:04:05"

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	BookingRatio  float64
	MutateRatio   float64
	ReadRatio     float64
	DaysAhead     int
	Granularity   int
	ProviderLimit int
	PatientLimit  int
	PostgresDSN   string

	ClinicTimezone *time.Location
}

type DataPool struct {
	Providers    []uuid.UUID
	Patients     []uuid.UUID
	mu           sync.RWMutex
	appointments []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p int) time.Duration {
		idx := len(latencies) * p / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pct(50), pct(95)
}

type Metrics struct {
	Booking    OperationMetrics
	Reschedule OperationMetrics
	Cancel     OperationMetrics
	Intake     OperationMetrics
	ReadByID   OperationMetrics
	ListByProv OperationMetrics
	Counts     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
	day0    time.Time
}

func main() {
	logger := logging.New(getEnv("LOG_LEVEL", "info"), "dev").With().Str("service", "simulate").Logger()

	cfg := loadConfig(logger)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("mutate", cfg.MutateRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("providers", len(dataPool.Providers)).Int("patients", len(dataPool.Patients)).Msg("data pool loaded")

	now := app.WallClock(cfg.ClinicTimezone, time.Now)()
	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logger,
		day0:   time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC),
	}

	sim.Run()
	sim.PrintReport()

	overlaps, err := sim.Audit(context.Background())
	if err != nil {
		logger.Fatal().Err(err).Msg("audit failed")
	}
	if overlaps > 0 {
		logger.Error().Int("overlaps", overlaps).Msg("double booking detected")
		os.Exit(1)
	}
	logger.Info().Msg("audit clean: no overlapping scheduled appointments")
}

func loadConfig(logger zerolog.Logger) SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load base config")
	}

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		BookingRatio:  getFloat("SIM_BOOKING_RATIO", 0.5),
		MutateRatio:   getFloat("SIM_MUTATE_RATIO", 0.2),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.3),
		DaysAhead:     getInt("SIM_DAYS_AHEAD", 5),
		Granularity:   baseCfg.Scheduling.SlotGranularity,
		ProviderLimit: getInt("SIM_PROVIDER_LIMIT", 10),
		PatientLimit:  getInt("SIM_PATIENT_LIMIT", 4000),
		PostgresDSN:   baseCfg.PostgresDSN,

		ClinicTimezone: baseCfg.ClinicTimezone,
	}

	total := cfg.BookingRatio + cfg.MutateRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.MutateRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.DaysAhead <= 0 {
		return fmt.Errorf("SIM_DAYS_AHEAD must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}
	var err error

	// A small provider pool keeps contention high.
	dataPool.Providers, err = loadIDs(ctx, pool, `SELECT id FROM providers WHERE NOT archived LIMIT $1`, cfg.ProviderLimit)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	dataPool.Patients, err = loadIDs(ctx, pool, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	if len(dataPool.Providers) == 0 {
		return nil, fmt.Errorf("no providers loaded")
	}
	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	return dataPool, nil
}

func loadIDs(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]uuid.UUID, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.MutateRatio:
			switch rng.Intn(3) {
			case 0:
				s.doReschedule(ctx, rng)
			case 1:
				s.doCancel(ctx, rng)
			case 2:
				s.doIntake(ctx, rng)
			}
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByProvider(ctx, rng)
			case 2:
				s.doCounts(ctx)
			}
		}
	}
}

// randomInterval picks an aligned start within a plausible clinic day. Many
// land outside a provider's hours on purpose; those come back as 422.
func (s *Simulator) randomInterval(rng *rand.Rand) (string, int) {
	day := s.day0.AddDate(0, 0, rng.Intn(s.config.DaysAhead))
	slotsPerDay := 24 * 60 / s.config.Granularity
	first := 7 * 60 / s.config.Granularity
	last := 19 * 60 / s.config.Granularity
	if last > slotsPerDay {
		last = slotsPerDay
	}
	slot := first + rng.Intn(last-first)
	start := day.Add(time.Duration(slot*s.config.Granularity) * time.Minute)
	minutes := s.config.Granularity * (1 + rng.Intn(4))
	return start.Format(wallClockLayout), minutes
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	start, minutes := s.randomInterval(rng)
	body := map[string]any{
		"provider_id":      s.pool.Providers[rng.Intn(len(s.pool.Providers))].String(),
		"patient_id":       s.pool.Patients[rng.Intn(len(s.pool.Patients))].String(),
		"start":            start,
		"duration_minutes": minutes,
		"visit_type":       []string{"in-clinic", "virtual"}[rng.Intn(2)],
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/appointments", body, &created)
	if err == nil && status == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(created.ID)
	}
	s.metrics.Booking.Record(latency, err == nil && status == http.StatusCreated, isRejection(status))
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	start, minutes := s.randomInterval(rng)
	status, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/reschedule",
		map[string]any{"start": start, "duration_minutes": minutes}, nil)
	s.metrics.Reschedule.Record(latency, err == nil && status == http.StatusOK, isRejection(status))
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/appointments/"+id.String()+"/cancel", nil, nil)
	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusOK, isRejection(status))
}

func (s *Simulator) doIntake(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	path := "/appointments/" + id.String() + "/intake/progress"
	var body any = map[string]int{"percentage": 10 * (1 + rng.Intn(10))}
	if rng.Intn(4) == 0 {
		path, body = "/appointments/"+id.String()+"/intake/submit", nil
	}
	status, latency, err := s.call(ctx, http.MethodPost, path, body, nil)
	// 404 means the appointment was cancelled underneath us.
	s.metrics.Intake.Record(latency, err == nil && status == http.StatusOK, status == http.StatusConflict || status == http.StatusNotFound)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	status, latency, err := s.call(ctx, http.MethodGet, "/appointments/"+id.String(), nil, nil)
	s.metrics.ReadByID.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListByProvider(ctx context.Context, rng *rand.Rand) {
	id := s.pool.Providers[rng.Intn(len(s.pool.Providers))]
	status, latency, err := s.call(ctx, http.MethodGet, "/appointments?provider_id="+id.String()+"&limit=20", nil, nil)
	s.metrics.ListByProv.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doCounts(ctx context.Context) {
	status, latency, err := s.call(ctx, http.MethodGet, "/readiness/counts", nil, nil)
	s.metrics.Counts.Record(latency, err == nil && status == http.StatusOK, false)
}

type auditAppointment struct {
	ID    uuid.UUID `json:"id"`
	Start string    `json:"start"`
	End   string    `json:"end"`
}

// Audit lists every scheduled appointment per provider and counts pairs that
// overlap. Any non-zero result is a double booking.
func (s *Simulator) Audit(ctx context.Context) (int, error) {
	var overlaps atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, providerID := range s.pool.Providers {
		g.Go(func() error {
			var appts []auditAppointment
			// The list endpoint caps pages at 100.
			for offset := 0; ; offset += 100 {
				var page []auditAppointment
				path := fmt.Sprintf("/appointments?status=scheduled&provider_id=%s&limit=100&offset=%d", providerID, offset)
				status, _, err := s.call(ctx, http.MethodGet, path, nil, &page)
				if err != nil {
					return err
				}
				if status != http.StatusOK {
					return fmt.Errorf("audit %s: status %d", providerID, status)
				}
				appts = append(appts, page...)
				if len(page) < 100 {
					break
				}
			}
			sort.Slice(appts, func(i, j int) bool { return appts[i].Start < appts[j].Start })
			for i := 1; i < len(appts); i++ {
				// Wall clock strings share a layout, so they compare in time order.
				if appts[i].Start < appts[i-1].End {
					s.log.Error().
						Str("provider_id", providerID.String()).
						Str("first", appts[i-1].ID.String()).
						Str("second", appts[i].ID.String()).
						Msg("overlapping appointments")
					overlaps.Add(1)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return int(overlaps.Load()), nil
}

func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, time.Duration, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, latency, err
		}
	}
	return resp.StatusCode, latency, nil
}

// isRejection covers the expected refusals: overlaps, terminal states and
// times outside provider hours.
func isRejection(status int) bool {
	return status == http.StatusConflict || status == http.StatusUnprocessableEntity
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
	printOperationReport("Intake", &s.metrics.Intake)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Provider", &s.metrics.ListByProv)
	printOperationReport("Readiness counts", &s.metrics.Counts)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	rejected := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if rejected > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", rejected, float64(rejected)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
