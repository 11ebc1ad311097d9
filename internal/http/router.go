package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/handlers"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/middleware"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *zap.Logger
	Metrics        *metrics.Collector
	JWTSecret      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter wires the API routes. ctx bounds background middleware work
// such as the rate limiter janitor.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	api := deps.API

	router := chi.NewRouter()
	router.Use(
		chimw.Recoverer,
		middleware.RequestID,
		middleware.Trace(deps.Logger, deps.Metrics),
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}),
		middleware.RateLimit(ctx, middleware.RateLimitConfig{RPS: deps.RateLimitRPS, Burst: deps.RateLimitBurst}),
		middleware.Auth(middleware.AuthConfig{JWTSecret: deps.JWTSecret}),
	)
	router.NotFound(api.NotFound)
	router.MethodNotAllowed(api.MethodNotAllowed)

	router.Get("/healthz", api.Health)
	router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Post("/reports", api.SubmitReport)
		r.Route("/reports/jobs", func(r chi.Router) {
			r.Get("/", api.ListJobs)
			r.Get("/{jobID}", api.JobStatus)
			r.Post("/{jobID}/cancel", api.CancelJob)
			r.Get("/{jobID}/export", api.ExportJob)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Post("/invalidate", api.InvalidateCache)
			r.Delete("/domains/{domain}", api.InvalidateDomain)
			r.Get("/stats", api.CacheStats)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", api.ListTemplates)
			r.Post("/", api.CreateTemplate)
			r.Get("/{templateID}", api.GetTemplate)
			r.Put("/{templateID}", api.UpdateTemplate)
			r.Delete("/{templateID}", api.DeleteTemplate)
			r.Post("/{templateID}/run", api.RunTemplate)
		})
	})

	return router
}
