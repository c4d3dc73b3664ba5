package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/clinicore/clinic-scheduling/internal/metrics"
	"github.com/clinicore/clinic-scheduling/internal/schedule"
)

type RouterConfig struct {
	Generator    *schedule.Generator
	Availability *schedule.AvailabilityIndex
	Reservations *schedule.ReservationManager
	Emergency    *schedule.EmergencyCoordinator
	Optimizer    *schedule.Optimizer
	PgPool       *pgxpool.Pool
	Redis        *redis.Client
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(metrics.Middleware)

	// Health and metrics endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	// Slot generation and blocking
	r.Post("/doctors/{doctorID}/schedule/weekly", generateWeeklyHandler(cfg.Generator))
	r.Post("/doctors/{doctorID}/schedule/monthly", generateMonthlyHandler(cfg.Generator))
	r.Post("/doctors/{doctorID}/blocked-ranges", blockRangeHandler(cfg.Generator))

	// Availability queries
	r.Get("/doctors/{doctorID}/availability/dates", availableDatesHandler(cfg.Availability))
	r.Get("/doctors/{doctorID}/availability/slots", availableSlotsHandler(cfg.Availability))
	r.Get("/slots/{slotID}/available", slotAvailableHandler(cfg.Availability))

	// Reservations
	r.Post("/slots/{slotID}/reserve", reserveSlotHandler(cfg.Reservations))
	r.Post("/slots/{slotID}/release", releaseSlotHandler(cfg.Reservations))
	r.Post("/slots/{slotID}/confirm", confirmSlotHandler(cfg.Reservations))

	// Emergency bookings
	r.Post("/emergencies", bookEmergencyHandler(cfg.Emergency))
	r.Get("/emergencies/conflicts", checkConflictsHandler(cfg.Emergency))
	r.Post("/emergencies/resolve", resolveConflictsHandler(cfg.Emergency))
	r.Post("/emergencies/{id}/cancel", cancelEmergencyHandler(cfg.Emergency))
	r.Post("/emergencies/{id}/complete", completeEmergencyHandler(cfg.Emergency))

	// Optimizer (advisory)
	r.Get("/optimizer/workload", workloadHandler(cfg.Optimizer))
	r.Get("/optimizer/doctors/{doctorID}/breaks", suggestBreaksHandler(cfg.Optimizer))
	r.Get("/optimizer/doctors/{doctorID}/emergency-capacity", emergencyCapacityHandler(cfg.Optimizer))
	r.Get("/optimizer/doctors/{doctorID}/work-life-balance", workLifeBalanceHandler(cfg.Optimizer))
	r.Get("/optimizer/cost", costOptimizationHandler(cfg.Optimizer))

	return r
}
