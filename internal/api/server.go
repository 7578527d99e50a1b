package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/api/handler"
	"github.com/farelens/farelens-alerts/internal/auth"
	"github.com/farelens/farelens-alerts/internal/config"

	_ "github.com/farelens/farelens-alerts/docs" // swagger spec
)

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(sched *alerts.Scheduler, stores alerts.Stores, db handler.Pinger, cfg *config.Config) *chi.Mux {
	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(TimingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5)) // gzip

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Process-Time", "X-Request-Id"},
		AllowCredentials: false,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// --- Handler dependencies ---
	h := handler.New(sched, stores, db, cfg)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	// --- Routes ---

	// Root
	r.Get("/", h.Root)

	// Health checks
	r.Route("/health", func(r chi.Router) {
		r.Get("/", h.HealthCheck)
		r.Get("/db", h.HealthCheckDB)
	})

	// Swagger UI
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	// API v1 routes, all authenticated
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		// Scan trigger (service role)
		r.With(auth.RequireService).Post("/scan", h.RunScan)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)

			// Alerts
			r.Get("/alerts/quota", h.GetQuota)
			r.Get("/alerts/history", h.GetHistory)
			r.Post("/alerts/{id}/click", h.MarkClicked)
			r.Post("/alerts/register", h.RegisterDevice)

			// Preferences
			r.Put("/alert-preferences", h.PutPreferences)
			r.Put("/alert-preferences/airports", h.PutAirports)
		})
	})

	return r
}
