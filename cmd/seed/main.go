package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/api"
	"github.com/hackgods/clinic-slot-engine/internal/config"
	"github.com/hackgods/clinic-slot-engine/internal/db"
	"github.com/hackgods/clinic-slot-engine/internal/logger"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
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

var departments = []string{"Outpatient", "Surgery", "Internal Medicine", "Diagnostics"}

// Weekly windows a seeded doctor may pick from.
var windows = [][2]string{
	{"08:00", "12:00"},
	{"09:00", "11:00"},
	{"13:00", "17:00"},
	{"14:00", "16:30"},
}

var weekdays = []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		panic("logger init error: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	doctorCount := getInt("SEED_DOCTORS", 20)
	patientCount := getInt("SEED_PATIENTS", 2000)
	log.Info("seed starting", zap.Int("doctors", doctorCount), zap.Int("patients", patientCount))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, "seed")
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	gofakeit.Seed(time.Now().UnixNano())

	doctors, err := seedDoctors(ctx, pool, doctorCount)
	if err != nil {
		log.Fatal("seed doctors", zap.Error(err))
	}
	log.Info("doctors seeded", zap.Int("count", len(doctors)))

	patients, err := seedPatients(ctx, pool, patientCount, log)
	if err != nil {
		log.Fatal("seed patients", zap.Error(err))
	}

	repo := schedule.NewPgRepository(pool)
	mat := schedule.NewMaterializer(repo, cfg.ClinicTimezone, cfg.HorizonWeeks, log)
	svc := schedule.NewService(repo, mat, log)

	rules, slots, err := seedRules(ctx, svc, doctors)
	if err != nil {
		log.Fatal("seed availability rules", zap.Error(err))
	}
	log.Info("availability seeded", zap.Int("rules", rules), zap.Int("slots", slots))

	if cfg.JWTSecret != "" && len(doctors) > 0 && len(patients) > 0 {
		printTokens(cfg.JWTSecret, doctors[0], patients[0])
	}

	log.Info("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, department, created_at, updated_at)
			VALUES ($1, $2, $3, $4, now(), now())
		`, id, "Dr. "+gofakeit.Name(),
			specialties[gofakeit.Number(0, len(specialties)-1)],
			departments[gofakeit.Number(0, len(departments)-1)])
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, log *zap.Logger) ([]uuid.UUID, error) {
	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		log.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}

	return ids, nil
}

// seedRules gives every doctor two or three weekly windows on distinct days
// and materializes them through the regular service path.
func seedRules(ctx context.Context, svc *schedule.Service, doctors []uuid.UUID) (rules, slots int, err error) {
	for _, doctorID := range doctors {
		days := gofakeit.Number(2, 3)
		start := gofakeit.Number(0, len(weekdays)-1)
		for d := 0; d < days; d++ {
			w := windows[gofakeit.Number(0, len(windows)-1)]
			res, err := svc.CreateRule(ctx, schedule.RuleInput{
				DoctorID:  doctorID,
				DayOfWeek: weekdays[(start+d)%len(weekdays)],
				StartTime: w[0],
				EndTime:   w[1],
			})
			if err != nil {
				return rules, slots, err
			}
			if res.MaterializeErr != nil {
				return rules, slots, res.MaterializeErr
			}
			rules++
			slots += res.SlotsCreated
		}
	}
	return rules, slots, nil
}

func printTokens(secret string, doctorID, patientID uuid.UUID) {
	ttl := 24 * time.Hour
	doctorTok, err := api.IssueToken([]byte(secret), api.Principal{Subject: "seed-doctor", Role: api.RoleDoctor, DoctorID: doctorID}, ttl)
	if err != nil {
		return
	}
	patientTok, err := api.IssueToken([]byte(secret), api.Principal{Subject: "seed-patient", Role: api.RolePatient, PatientID: patientID}, ttl)
	if err != nil {
		return
	}

	fmt.Printf("\ndoctor  %s\n  token: %s\n", doctorID, doctorTok)
	fmt.Printf("patient %s\n  token: %s\n\n", patientID, patientTok)
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
