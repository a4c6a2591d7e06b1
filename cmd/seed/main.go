package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-engine/internal/appointment"
	"github.com/hackgods/clinic-scheduling-engine/internal/config"
	"github.com/hackgods/clinic-scheduling-engine/internal/db"
	"github.com/hackgods/clinic-scheduling-engine/internal/logging"
	"github.com/hackgods/clinic-scheduling-engine/internal/slotgrid"
)

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "dev").Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "seed").Logger()
	logger.Info().Msg("seed starting")

	if cfg.PostgresDSN == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	repo := appointment.NewPgRepository(pool)
	if err := seedProviders(context.Background(), repo, getInt("SEED_PROVIDERS", 20), cfg.Scheduling.SlotGranularity, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed providers")
	}
	if err := seedPatients(context.Background(), repo, getInt("SEED_PATIENTS", 2000), logger); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

// seedProviders creates clinicians with weekday hours. About a third take a
// lunch break, which splits their day into two periods.
func seedProviders(ctx context.Context, store appointment.ProviderStore, count, granularity int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding providers")

	for i := 0; i < count; i++ {
		open := gofakeit.Number(7, 10) * 60
		closing := open + gofakeit.Number(6, 9)*60

		hours := slotgrid.WeekHours(open, closing, weekdays...)
		if gofakeit.Number(0, 2) == 0 {
			lunch := open + 4*60
			hours = make(map[time.Weekday][]slotgrid.Period, len(weekdays))
			for _, d := range weekdays {
				hours[d] = []slotgrid.Period{{Open: open, Close: lunch}, {Open: lunch + 60, Close: closing}}
			}
		}

		p := slotgrid.Provider{
			ID:          uuid.New(),
			Name:        fmt.Sprintf("Dr. %s", gofakeit.LastName()),
			Granularity: granularity,
			Hours:       hours,
		}
		if err := store.UpsertProvider(ctx, p); err != nil {
			return fmt.Errorf("provider %d: %w", i, err)
		}
	}

	logger.Info().Msg("providers seeded")
	return nil
}

// seedPatients leaves some patients without a phone or email so the outreach
// fallbacks get exercised.
func seedPatients(ctx context.Context, store appointment.ProviderStore, count int, logger zerolog.Logger) error {
	logger.Info().Int("count", count).Msg("seeding patients")

	for i := 0; i < count; i++ {
		p := appointment.Patient{ID: uuid.New(), Name: gofakeit.Name()}
		if gofakeit.Number(0, 9) > 0 {
			phone := gofakeit.Phone()
			p.Phone = &phone
		}
		if gofakeit.Number(0, 9) > 1 {
			email := gofakeit.Email()
			p.Email = &email
		}
		if err := store.UpsertPatient(ctx, p); err != nil {
			return fmt.Errorf("patient %d: %w", i, err)
		}
		if (i+1)%500 == 0 {
			logger.Info().Int("done", i+1).Int("total", count).Msg("patients seeded")
		}
	}

	logger.Info().Msg("patients seeded")
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
