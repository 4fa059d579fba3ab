package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-slot-engine/internal/appointment"
	"github.com/hackgods/clinic-slot-engine/internal/schedule"
)

type RouterConfig struct {
	Rules        *schedule.Service
	Slots        *schedule.Query
	Appointments *appointment.Service
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Logger       *zap.Logger
	JWTSecret    []byte
	AllowOrigins []string
	RateLimit    int // requests per second per IP, 0 disables
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	logger := cfg.Logger

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	if cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimit, time.Second))
	}

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Public schedule reads
	r.Get("/doctors/{doctorID}/availability", listRulesHandler(cfg.Rules, logger))
	r.Get("/doctors/{doctorID}/slots", availableSlotsHandler(cfg.Slots, logger))

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))

		// Availability rules
		r.With(RequireRole(RoleDoctor)).Post("/doctors/{doctorID}/availability", createRuleHandler(cfg.Rules, logger))
		r.Route("/availability/{id}", func(r chi.Router) {
			r.Use(RequireRole(RoleDoctor))
			r.Put("/", updateRuleHandler(cfg.Rules, logger))
			r.Delete("/", deleteRuleHandler(cfg.Rules, logger))
			r.Post("/materialize", materializeRuleHandler(cfg.Rules, logger))
		})

		// Appointment endpoints
		r.Route("/appointments", func(r chi.Router) {
			r.With(RequireRole(RolePatient)).Post("/", bookAppointmentHandler(cfg.Appointments, logger))
			r.Get("/", listAppointmentsHandler(cfg.Appointments, logger))
			r.Get("/{id}", getAppointmentHandler(cfg.Appointments, logger))
			r.With(RequireRole(RolePatient)).Post("/{id}/cancel", cancelAppointmentHandler(cfg.Appointments, logger))
			r.With(RequireRole(RoleDoctor)).Patch("/{id}/status", setStatusHandler(cfg.Appointments, logger))
			r.With(RequireRole(RoleDoctor, RoleAdmin)).Post("/{id}/complete", completeAppointmentHandler(cfg.Appointments, logger))
		})
	})

	return r
}
