package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/ditrouter/internal/apikey"
	"github.com/jordanhubbard/ditrouter/internal/bus"
	"github.com/jordanhubbard/ditrouter/internal/dispatcher"
	"github.com/jordanhubbard/ditrouter/internal/events"
	"github.com/jordanhubbard/ditrouter/internal/expert"
	"github.com/jordanhubbard/ditrouter/internal/health"
	"github.com/jordanhubbard/ditrouter/internal/idempotency"
	"github.com/jordanhubbard/ditrouter/internal/metrics"
	"github.com/jordanhubbard/ditrouter/internal/ratelimit"
	"github.com/jordanhubbard/ditrouter/internal/router"
	"github.com/jordanhubbard/ditrouter/internal/stats"
	"github.com/jordanhubbard/ditrouter/internal/store"
	"github.com/jordanhubbard/ditrouter/internal/tsdb"
	"github.com/jordanhubbard/ditrouter/internal/vault"
)

// Dependencies bundles every subsystem an HTTP handler might need. A nil
// field means that subsystem is disabled; handlers degrade gracefully
// rather than panicking when one is missing.
type Dependencies struct {
	Dispatcher *dispatcher.Dispatcher
	Table      *expert.Table

	// Bus transport, used by the experts handler to bind bus-backed
	// experts registered after startup.
	Publisher *bus.Publisher

	// Routing strategy construction inputs.
	StatsTracker *stats.Tracker
	Encoder      router.Encoder
	Descriptors  *descriptorRegistry

	Vault    *vault.Vault
	Metrics  *metrics.Registry
	Store    store.Store
	Health   *health.Tracker
	Prober   *health.Prober
	EventBus *events.Bus
	Stats    *stats.Collector
	TSDB     *tsdb.Store

	// API key management (nil if not configured).
	APIKeyMgr *apikey.Manager

	// Admin endpoint authentication token (nil = no admin auth).
	AdminToken *AdminTokenHolder

	// Idempotency cache (nil = idempotency disabled).
	IdempotencyCache *idempotency.Cache

	// Rate limiter for expensive API endpoints (nil = no rate limiting).
	RateLimiter *ratelimit.Limiter
}

// maxRequestBodySize is the maximum allowed request body for POST/PUT/PATCH endpoints (10 MB).
const maxRequestBodySize = 10 << 20

// bodySizeLimit is a middleware that wraps the request body with
// http.MaxBytesReader to enforce a maximum request body size.
func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		expertCount := 0
		if d.Table != nil {
			expertCount = d.Table.Len()
		}
		if expertCount == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":  "unhealthy",
				"experts": expertCount,
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"experts": expertCount,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		// Apply rate limiting only to expensive API endpoints, not healthz/metrics.
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		// Apply idempotency middleware before auth so cached responses are replayed early.
		if d.IdempotencyCache != nil {
			r.Use(idempotency.Middleware(d.IdempotencyCache))
		}
		// Apply API key auth middleware if key manager is configured.
		if d.APIKeyMgr != nil {
			r.Use(apikey.AuthMiddleware(d.APIKeyMgr))
		}

		r.Post("/exec", ExecHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/stats/history", StatsHistoryHandler(d))
		r.Get("/router", RouterGetHandler(d))
		r.Post("/router", RouterSetHandler(d))
		r.Get("/experts", ExpertsListHandler(d))
		r.Post("/experts", ExpertsCreateHandler(d))
		r.Delete("/experts/{id}", ExpertsDeleteHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		// Protect admin endpoints when an admin token is configured.
		if d.AdminToken != nil {
			r.Use(adminAuthMiddleware(d.AdminToken))
		}

		// API key management endpoints.
		r.Post("/apikeys", APIKeysCreateHandler(d))
		r.Get("/apikeys", APIKeysListHandler(d))
		r.Post("/apikeys/{id}/rotate", APIKeysRotateHandler(d))
		r.Patch("/apikeys/{id}", APIKeysPatchHandler(d))
		r.Delete("/apikeys/{id}", APIKeysDeleteHandler(d))

		r.Post("/admin-token/rotate", AdminTokenRotateHandler(d))

		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Post("/vault/rotate", VaultRotateHandler(d))

		r.Get("/health", HealthStatsHandler(d))
		r.Get("/logs", RequestLogsHandler(d))
		r.Get("/audit", AuditLogsHandler(d))

		r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
		r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))

		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// adminAuthMiddleware checks for a valid Bearer token on admin endpoints.
func adminAuthMiddleware(token *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := r.Header.Get("X-Real-IP")
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				slog.Warn("admin auth: missing token", slog.String("ip", clientIP), slog.String("path", r.URL.Path))
				http.Error(w, "missing admin token", http.StatusUnauthorized)
				return
			}
			provided := strings.TrimPrefix(auth, "Bearer ")
			if !token.ConstantTimeEqual(provided) {
				slog.Warn("admin auth: invalid token", slog.String("ip", clientIP), slog.String("path", r.URL.Path))
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
