package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/coldstore/ledger/internal/ledger"
	"github.com/coldstore/ledger/internal/observability"
	"github.com/coldstore/ledger/internal/platform/httpx"
	"github.com/coldstore/ledger/jobs"
)

// ReadyCheck probes one dependency (PostgreSQL, Redis) for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	LedgerHandler *ledger.Handler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
	Ready         []ReadyCheck
}

// NewRouter mounts the ledger API under /api/v1/ledger behind tenant
// resolution, plus health, readiness, metrics and job routes.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(RequestLogger(params.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readyHandler(params.Logger, params.Ready))

	if params.LedgerHandler != nil {
		r.Route("/api/v1/ledger", func(r chi.Router) {
			r.Use(TenantMiddleware(params.Config, params.Logger))
			r.Use(TenantRateLimit(params.Config))
			params.LedgerHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

func readyHandler(logger *slog.Logger, checks []ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := make(map[string]string, len(checks))
		ready := true
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				logger.Warn("readiness check failed", slog.String("dependency", c.Name), slog.Any("error", err))
				status[c.Name] = "down"
				ready = false
				continue
			}
			status[c.Name] = "up"
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		httpx.JSON(w, code, status)
	}
}
