package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medibook/booking-engine/internal/booking"
)

type RouterConfig struct {
	Service *booking.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", createAppointmentHandler(cfg.Service))
		r.Get("/{id}", getAppointmentHandler(cfg.Service))
		r.Post("/{id}/cancel", cancelAppointmentHandler(cfg.Service))
		r.Post("/{id}/confirm", confirmAppointmentHandler(cfg.Service))
		r.Post("/{id}/complete", completeAppointmentHandler(cfg.Service))
		r.Put("/{id}/diagnosis", recordDiagnosisHandler(cfg.Service))
	})

	r.Route("/doctors/{id}", func(r chi.Router) {
		r.Get("/slots", resolveSlotsHandler(cfg.Service))
		r.Get("/appointments", listDoctorAppointmentsHandler(cfg.Service))
		r.Put("/working-hours", setWorkingHoursHandler(cfg.Service))
		r.Post("/unavailability", addUnavailabilityHandler(cfg.Service))
		r.Delete("/unavailability/{entryId}", removeUnavailabilityHandler(cfg.Service))
	})

	r.Get("/patients/{id}/appointments", listPatientAppointmentsHandler(cfg.Service))

	return r
}
