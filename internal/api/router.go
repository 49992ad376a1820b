package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hackgods/clinic-scheduling/internal/auth"
	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/scheduling"
)

type RouterConfig struct {
	Service  *scheduling.Service
	Tokens   *auth.Tokens
	Logger   *logger.Logger
	Postgres Pinger
	Redis    Pinger
	// Metrics serves /metrics when set, usually promhttp.HandlerFor.
	Metrics http.Handler
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	h := NewHandlers(cfg.Service, log)

	r := chi.NewRouter()

	// Apply middleware
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Tokens))

		r.Route("/patients", func(r chi.Router) {
			r.Use(auth.RequireRole(scheduling.RolePatient))
			r.Post("/onboard", h.onboardPatient)
			r.Get("/me", h.getMyPatient)
			r.Patch("/me", h.updateMyPatient)
		})

		r.Route("/doctors", func(r chi.Router) {
			r.Get("/", h.listProviders)
			r.With(auth.RequireRole(scheduling.RoleProvider)).Post("/onboard", h.onboardProvider)
			r.With(auth.RequireRole(scheduling.RoleProvider)).Get("/me", h.getMyProvider)
			r.With(auth.RequireRole(scheduling.RoleProvider)).Patch("/me", h.updateMyProvider)
			r.With(auth.RequireRole(scheduling.RoleAdmin)).Get("/pending", h.listPendingProviders)
			r.Get("/{id}", h.getProvider)
			r.With(auth.RequireRole(scheduling.RoleAdmin)).Post("/{id}/verify", h.verifyProvider)
			r.Get("/{id}/slots", h.listBookableSlots)
		})

		r.Route("/doctor/slots", func(r chi.Router) {
			r.Use(auth.RequireRole(scheduling.RoleProvider))
			r.Post("/", h.addSlots)
			r.Get("/", h.listMySlots)
			r.Delete("/{id}", h.deleteSlot)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.With(auth.RequireRole(scheduling.RolePatient)).Post("/book", h.bookAppointment)
			r.With(auth.RequireRole(scheduling.RolePatient)).Get("/my", h.listMyAppointments)
			r.With(auth.RequireRole(scheduling.RoleProvider)).Get("/doctor", h.listProviderAppointments)
			r.Get("/{id}", h.getAppointment)
			r.With(auth.RequireRole(scheduling.RolePatient, scheduling.RoleProvider)).Post("/{id}/cancel", h.cancelAppointment)
			r.With(auth.RequireRole(scheduling.RoleProvider)).Post("/{id}/complete", h.completeAppointment)
			r.With(auth.RequireRole(scheduling.RoleProvider)).Post("/{id}/confirm", h.confirmAppointment)
		})
	})

	return r
}
