package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/config"
	"github.com/hackgods/clinic-slot-engine/internal/db"
	"github.com/hackgods/clinic-slot-engine/internal/logger"
	redisclient "github.com/hackgods/clinic-slot-engine/internal/redis"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

// The materializer keeps every availability rule materialized up to the
// configured horizon as calendar days roll forward.
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

	log.Info("materializer starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Int("horizon_weeks", cfg.HorizonWeeks),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, "materializer")
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	var opts []schedule.MaterializerOption
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Warn("redis unavailable, running without lock and cache invalidation", zap.Error(err))
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		log.Info("connected to Redis")
		opts = append(opts, schedule.WithLocker(redisclient.NewRedisLocker(rdb, cfg.LockTTL)))
		if cfg.SlotCacheTTL > 0 {
			opts = append(opts, schedule.WithCache(redisclient.NewSlotCache(rdb, cfg.SlotCacheTTL)))
		}
	}

	m := schedule.NewMaterializer(schedule.NewPgRepository(pgPool), cfg.ClinicTimezone, cfg.HorizonWeeks, log, opts...)

	// Run once at startup
	runOnce(rootCtx, m, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping materializer")
			return
		case <-ticker.C:
			runOnce(rootCtx, m, log)
		}
	}
}

func runOnce(ctx context.Context, m *schedule.Materializer, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	start := time.Now()
	created, failed, err := m.MaterializeAll(runCtx, 0)
	if err != nil {
		log.Error("materialization run error", zap.Error(err))
		return
	}
	log.Info("materialization run complete",
		zap.Int("slots_created", created),
		zap.Int("failed_rules", failed),
		zap.Duration("took", time.Since(start)),
	)
}
