package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/api"
	"github.com/hackgods/clinic-slot-engine/internal/appointment"
	"github.com/hackgods/clinic-slot-engine/internal/config"
	"github.com/hackgods/clinic-slot-engine/internal/db"
	"github.com/hackgods/clinic-slot-engine/internal/events"
	"github.com/hackgods/clinic-slot-engine/internal/logger"
	redisclient "github.com/hackgods/clinic-slot-engine/internal/redis"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

var version = "dev"

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

	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("clinic_timezone", cfg.ClinicTimezone.String()),
		zap.String("status_policy", string(cfg.StatusPolicy)),
	)

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, "api-server")
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	if cfg.MigrateOnStart {
		v, err := db.Migrate(rootCtx, pgPool)
		if err != nil {
			log.Fatal("migration error", zap.Error(err))
		}
		log.Info("schema migrated", zap.Int64("version", v))
	}

	// Redis backs the slot cache and materialization lock; both are optional.
	var (
		rdb       *redis.Client
		slotCache *redisclient.SlotCache
		matOpts   []schedule.MaterializerOption
		apptOpts  []appointment.Option
	)
	rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Warn("redis unavailable, running without slot cache and lock", zap.Error(err))
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		}()
		log.Info("connected to Redis")

		matOpts = append(matOpts, schedule.WithLocker(redisclient.NewRedisLocker(rdb, cfg.LockTTL)))
		if cfg.SlotCacheTTL > 0 {
			slotCache = redisclient.NewSlotCache(rdb, cfg.SlotCacheTTL)
			matOpts = append(matOpts, schedule.WithCache(slotCache))
			apptOpts = append(apptOpts, appointment.WithSlotCache(slotCache))
		}
	}

	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Warn("event publishing disabled", zap.Error(err))
		} else {
			defer func() { _ = pub.Close() }()
			apptOpts = append(apptOpts, appointment.WithPublisher(pub))
			log.Info("publishing events", zap.String("exchange", cfg.AMQPExchange))
		}
	}

	scheduleRepo := schedule.NewPgRepository(pgPool)
	materializer := schedule.NewMaterializer(scheduleRepo, cfg.ClinicTimezone, cfg.HorizonWeeks, log, matOpts...)

	var queryCache schedule.SlotCache
	if slotCache != nil {
		queryCache = slotCache
	}

	handler := api.NewRouter(api.RouterConfig{
		Rules:        schedule.NewService(scheduleRepo, materializer, log),
		Slots:        schedule.NewQuery(scheduleRepo, queryCache, cfg.ClinicTimezone, log),
		Appointments: appointment.NewService(appointment.NewPgRepository(pgPool), cfg, log, apptOpts...),
		PgPool:       pgPool,
		Redis:        rdb,
		Logger:       log,
		JWTSecret:    []byte(cfg.JWTSecret),
		AllowOrigins: cfg.CORSAllowedOrigins,
		RateLimit:    cfg.RateLimitPerSecond,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}

	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
