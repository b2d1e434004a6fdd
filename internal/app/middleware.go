package app

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/unrolled/secure"

	"github.com/coldstore/ledger/internal/observability"
	"github.com/coldstore/ledger/internal/platform/httpx"
	"github.com/coldstore/ledger/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the service-wide middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	limit := 120
	if cfg.Config != nil {
		if cfg.Config.AppRequestTimeout > 0 {
			timeout = cfg.Config.AppRequestTimeout
		}
		if cfg.Config.RateLimitPerMinute > 0 {
			limit = cfg.Config.RateLimitPerMinute
		}
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// TenantMiddleware reads the cold storage and actor headers into the request
// context. Requests without a valid cold storage id are rejected.
func TenantMiddleware(cfg *Config, logger *slog.Logger) func(http.Handler) http.Handler {
	tenantHeader, actorHeader := "X-Cold-Storage-ID", "X-Actor-ID"
	if cfg != nil {
		if cfg.TenantHeader != "" {
			tenantHeader = cfg.TenantHeader
		}
		if cfg.ActorHeader != "" {
			actorHeader = cfg.ActorHeader
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(tenantHeader))
			if raw == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", tenantHeader+" header is required")
				return
			}
			id, err := uuid.Parse(raw)
			if err != nil || id == uuid.Nil {
				logger.Debug("invalid tenant header", slog.String("value", raw))
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", tenantHeader+" must be a UUID")
				return
			}
			scope := shared.TenantScope{
				ColdStorageID: id,
				ActorID:       strings.TrimSpace(r.Header.Get(actorHeader)),
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithTenant(r.Context(), scope)))
		})
	}
}

// RequestLogger logs one line per request with its status and latency.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// TenantRateLimit caps each cold storage at the configured requests per
// minute, independent of the per-IP limit. It must run after TenantMiddleware.
func TenantRateLimit(cfg *Config) func(http.Handler) http.Handler {
	limit := 120
	if cfg != nil && cfg.RateLimitPerMinute > 0 {
		limit = cfg.RateLimitPerMinute
	}
	return httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		scope, _ := shared.TenantFromContext(r.Context())
		return "tenant:" + scope.ColdStorageID.String(), nil
	}))
}
