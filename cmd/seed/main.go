package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-scheduling/internal/app/bootstrap"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/scheduling"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var genders = []string{"male", "female", "other"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("config load error")
	}
	if cfg.Store != config.StorePostgres {
		logger.Default().Fatal("seed requires STORE=postgres")
	}

	log := logger.New(cfg.LogLevel)
	entry := log.WithComponent("seed")

	ctx := context.Background()
	rt, err := bootstrap.Build(ctx, cfg, log)
	if err != nil {
		entry.WithError(err).Fatal("startup failed")
	}
	defer rt.Close()

	gofakeit.Seed(time.Now().UnixNano())

	providers := envInt("SEED_PROVIDERS", 100)
	patients := envInt("SEED_PATIENTS", 9000)
	days := envInt("SEED_DAYS", 5)

	if err := seedProviders(ctx, rt.Service, entry, providers, days); err != nil {
		entry.WithError(err).Fatal("seed providers")
	}
	if err := seedPatients(ctx, rt.Service, entry, patients); err != nil {
		entry.WithError(err).Fatal("seed patients")
	}

	entry.Info("seed complete")
}

// seedProviders onboards providers with working-hour availability on the
// next days and verifies them, so the simulator has bookable slots.
func seedProviders(ctx context.Context, svc *scheduling.Service, log *logrus.Entry, count, days int) error {
	log.WithField("count", count).Info("seeding providers")

	admin := scheduling.Actor{ID: uuid.New(), Role: scheduling.RoleAdmin}
	slots := 0

	for i := 0; i < count; i++ {
		p := scheduling.Provider{
			ID:                 uuid.New(),
			Name:               "Dr. " + gofakeit.Name(),
			Specialty:          specialties[gofakeit.Number(0, len(specialties)-1)],
			ConsultationFee:    decimal.NewFromInt(int64(gofakeit.Number(40, 250))),
			CancellationCutoff: time.Duration(gofakeit.Number(0, 4)) * time.Hour,
		}

		_, created, err := svc.OnboardProvider(ctx, p, availability(days))
		if err != nil {
			return fmt.Errorf("onboard provider %d: %w", i, err)
		}
		if _, err := svc.VerifyProvider(ctx, p.ID, admin); err != nil {
			return fmt.Errorf("verify provider %s: %w", p.ID, err)
		}
		slots += len(created)
	}

	log.WithFields(logrus.Fields{"providers": count, "slots": slots}).Info("providers seeded")
	return nil
}

// availability covers 09:00 to 17:00 with a lunch break on each of the next
// days. The configured slot length decides how the ranges are cut.
func availability(days int) []scheduling.DateRanges {
	out := make([]scheduling.DateRanges, 0, days)
	for d := 1; d <= days; d++ {
		out = append(out, scheduling.DateRanges{
			Date: time.Now().AddDate(0, 0, d).Format(scheduling.DateLayout),
			TimeRanges: []scheduling.TimeRange{
				{Start: "09:00", End: "12:00"},
				{Start: "13:00", End: "17:00"},
			},
		})
	}
	return out
}

func seedPatients(ctx context.Context, svc *scheduling.Service, log *logrus.Entry, count int) error {
	log.WithField("count", count).Info("seeding patients")

	const reportEvery = 500

	for i := 0; i < count; i++ {
		email := gofakeit.Email()
		dob := gofakeit.DateRange(time.Now().AddDate(-90, 0, 0), time.Now().AddDate(-1, 0, 0))

		_, err := svc.OnboardPatient(ctx, scheduling.Patient{
			ID:          uuid.New(),
			Name:        gofakeit.Name(),
			Email:       &email,
			Gender:      genders[gofakeit.Number(0, len(genders)-1)],
			DateOfBirth: &dob,
			Phone:       gofakeit.Phone(),
			Address:     gofakeit.Address().Address,
		})
		if err != nil {
			return fmt.Errorf("onboard patient %d: %w", i, err)
		}

		if (i+1)%reportEvery == 0 {
			log.Infof("patients seeded: %d/%d", i+1, count)
		}
	}

	log.Info("patients seeded")
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
