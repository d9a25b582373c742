// Package api implements the coordinator's HTTP RPC surface: the
// bot lifecycle endpoints a control-plane caller uses and the bot-
// container callback endpoints (heartbeat, events, pool-slot config),
// plus the read-only infrastructure endpoints operators use to inspect
// pool and queue state.
// Routing follows chi's idiom throughout (grounded on
// wisbric-nightowl's pkg/roster/handler.go and internal/httpserver);
// the JSON envelope and Decode helper in respond.go are a local
// reimplementation of that repo's vendored httpserver.Respond pair,
// which cannot be imported across modules.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/meeboter/coordinator/internal/auth"
	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/concurrency"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/intake"
	"github.com/meeboter/coordinator/internal/metrics"
	"github.com/meeboter/coordinator/internal/orchestrator"
	"github.com/meeboter/coordinator/internal/ratelimit"
	"github.com/meeboter/coordinator/internal/store"
)

// Handler wires the coordinator's domain services to chi routes.
type Handler struct {
	Store        store.Store
	Orchestrator *orchestrator.Orchestrator
	Intake       *intake.Intake
	Adapters     map[domain.DeployPlatform]backend.PlatformAdapter
	Platforms    []domain.PlatformSetting
	Gate         *concurrency.DeploymentGate

	// Authenticators resolves the caller identity on every route except
	// the bot-container callback surface. Empty means every
	// authenticated route falls back to the trusted X-Meeboter-User-ID
	// header, which is only appropriate behind a proxy that already
	// resolved identity, or in local development.
	Authenticators []auth.Authenticator

	// CORSAllowedOrigins configures the cors middleware; nil allows none.
	CORSAllowedOrigins []string

	// Limiter rate-limits every route below the health/metrics endpoints.
	// Nil disables rate limiting entirely.
	Limiter *ratelimit.Limiter
}

// Routes builds the full router: unauthenticated health/metrics
// endpoints, the bot-container callback surface (no ownership check,
// ), and the owner-scoped bot/infrastructure RPC surface.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "X-Meeboter-User-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	r.Handle("/metrics", metrics.Global().JSONHandler())
	r.Handle("/metrics/timeseries", metrics.Global().TimeSeriesHandler())
	if promHandler := metrics.PrometheusHandler(); promHandler != nil {
		r.Handle("/metrics/prometheus", promHandler)
	}

	authMW := auth.Middleware(h.Authenticators, nil)
	if len(h.Authenticators) == 0 {
		authMW = func(next http.Handler) http.Handler { return next }
	}
	rateLimitMW := func(next http.Handler) http.Handler { return next }
	if h.Limiter != nil {
		rateLimitMW = ratelimit.Middleware(h.Limiter)
	}

	r.Route("/bots", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rateLimitMW)
			r.Use(authMW)
			r.Get("/", h.handleGetBots)
			r.Post("/", h.handleCreateBot)
			r.Get("/active-count", h.handleGetActiveBotCount)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(h.RequireOwnership)
				r.Get("/", h.handleGetBot)
				r.Patch("/", h.handleUpdateBot)
				r.Put("/log-level", h.handleUpdateLogLevel)
				r.Post("/deploy", h.handleDeployBot)
				r.Post("/cancel-deployment", h.handleCancelDeployment)
				r.Post("/remove-from-call", h.handleRemoveFromCall)
				r.Delete("/", h.handleDeleteBot)
			})
		})

		// Bot-container callbacks: no auth, no ownership check.
		r.Route("/{id}", func(r chi.Router) {
			r.Use(rateLimitMW)
			r.Post("/heartbeat", h.handleSendHeartbeat)
			r.Post("/events", h.handleReportEvent)
			r.Put("/status", h.handleUpdateStatus)
			r.Post("/screenshots", h.handleAddScreenshot)
		})
	})

	// Pool-slot config lookup is also a bot-container callback.
	r.With(rateLimitMW).Get("/pool-slots/{uuid}", h.handleGetPoolSlot)

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMW)
		r.Use(authMW)

		r.Route("/pool-slots", func(r chi.Router) {
			r.Get("/", h.handleListPoolSlots)
			r.Delete("/{id}", h.handleDeletePoolSlot)
			r.Post("/{id}/force-healthy", h.handleForceSlotHealthy)
		})

		r.Route("/stats", func(r chi.Router) {
			r.Get("/pool", h.handlePoolStats)
			r.Get("/queue", h.handleQueueStats)
			r.Get("/platforms", h.handlePlatformStats)
			r.Get("/platforms/{platform}", h.handlePlatformCapacity)
			r.Delete("/global-queue/{id}", h.handleDeleteGlobalQueueEntry)
		})
	})

	return r
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "store not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}
