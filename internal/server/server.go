// Package server implements the HTTP transport layer for the Gandalf gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/app"
	"github.com/eugener/gandalf/internal/costtracker"
	"github.com/eugener/gandalf/internal/gatewaykey"
	"github.com/eugener/gandalf/internal/provider"
	"github.com/eugener/gandalf/internal/ratelimit"
	"github.com/eugener/gandalf/internal/session"
	"github.com/eugener/gandalf/internal/storage"
	"github.com/eugener/gandalf/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// TokenCounter estimates token counts for request messages.
type TokenCounter interface {
	EstimateRequest(model string, messages []gateway.Message) int
}

// QuotaChecker verifies and tracks spend budgets.
type QuotaChecker interface {
	Check(keyID string, limit float64) bool
	Consume(keyID string, costUSD float64)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth         gateway.Authenticator
	Proxy        *app.ProxyService
	Providers    *provider.Registry   // needed for NativeProxy type assertion
	Router       *app.RouterService   // needed for model -> provider routing
	Keys         *app.KeyManager
	Store          storage.Store        // nil = no admin CRUD (for tests)
	Metrics        *telemetry.Metrics  // nil = no Prometheus metrics
	MetricsHandler http.Handler        // nil = no /metrics endpoint
	Tracer         trace.Tracer        // nil = no distributed tracing
	ReadyCheck     ReadyChecker        // nil = always ready (for tests)
	Usage        UsageRecorder        // nil = no usage recording
	RateLimiter  *ratelimit.Registry  // nil = no rate limiting
	TokenCounter TokenCounter         // nil = fixed estimate
	Cache        Cache                // nil = no caching
	Quota        QuotaChecker         // nil = no quota enforcement
	DefaultRPM   int64               // fallback RPM when per-key is 0
	DefaultTPM   int64               // fallback TPM when per-key is 0
	CostTracker  *costtracker.Tracker // nil = flat per-token cost estimate
	Credentials     AdminCredentials // nil = admin login disabled
	Sessions        AdminSessions    // nil = admin login disabled
	GatewayKeys     *gatewaykey.Store // nil = gateway-key auth disabled
	DesktopEmbedded bool              // trust localhost-only embedding, skip all credential checks
}

// AdminCredentials verifies and rotates the admin username/password used by
// the session-based admin login flow. Satisfied by *credstore.Store.
type AdminCredentials interface {
	Verify(username, password string) bool
	ChangePassword(current, newPassword string) error
}

// AdminSessions issues and validates the opaque session ids handed out on
// admin login. Satisfied by *session.Store.
type AdminSessions interface {
	Create(userID, role string) (*session.Session, error)
	Validate(id string) (*session.Session, bool)
	Refresh(id string) bool
	Delete(id string)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Client-facing API (auth required) -- universal OpenAI-format
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
	})

	// Native API passthrough routes (per-provider auth normalization)
	s.mountNativeRoutes(r)

	// Admin API (auth + RBAC required)
	if deps.Store != nil {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.authenticate)

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageProviders))
				r.Get("/providers", s.handleListProviders)
				r.Post("/providers", s.handleCreateProvider)
				r.Get("/providers/{id}", s.handleGetProvider)
				r.Put("/providers/{id}", s.handleUpdateProvider)
				r.Delete("/providers/{id}", s.handleDeleteProvider)
				r.Post("/cache/purge", s.handleCachePurge)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageAllKeys))
				r.Get("/keys", s.handleListKeys)
				r.Post("/keys", s.handleCreateKey)
				r.Get("/keys/{id}", s.handleGetKey)
				r.Put("/keys/{id}", s.handleUpdateKey)
				r.Delete("/keys/{id}", s.handleDeleteKey)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermManageRoutes))
				r.Get("/routes", s.handleListRoutes)
				r.Post("/routes", s.handleCreateRoute)
				r.Get("/routes/{id}", s.handleGetRoute)
				r.Put("/routes/{id}", s.handleUpdateRoute)
				r.Delete("/routes/{id}", s.handleDeleteRoute)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePerm(gateway.PermViewAllUsage))
				r.Get("/usage", s.handleQueryUsage)
				r.Get("/usage/summary", s.handleUsageSummary)
				r.Get("/cost/current-month", s.handleCurrentMonthCost)
				r.Get("/cost/billing", s.handleBilling)
			})
		})
	}

	// Admin login/session surface (C7/C8). Unauthenticated by design --
	// login itself is the credential check.
	if deps.Credentials != nil && deps.Sessions != nil {
		r.Route("/internal/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Get("/status", s.handleAuthStatus)
			r.Group(func(r chi.Router) {
				r.Use(s.authenticate)
				r.Post("/logout", s.handleLogout)
				r.Post("/change-password", s.handleChangePassword)
				r.Get("/me", s.handleAuthMe)
			})
		})
	}

	// Gateway-key admin CRUD (C9). Admin-only.
	if deps.GatewayKeys != nil {
		r.Route("/internal/gateway-keys", func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.requirePerm(gateway.PermManageAllKeys))
			r.Get("/", s.handleListGatewayKeys)
			r.Post("/", s.handleCreateGatewayKey)
			r.Get("/stats", s.handleGatewayKeyStats)
			r.Put("/{id}", s.handleUpdateGatewayKey)
			r.Patch("/{id}", s.handleUpdateGatewayKey)
			r.Delete("/{id}", s.handleDeleteGatewayKey)
			r.Post("/{id}/enable", s.handleEnableGatewayKey)
			r.Post("/{id}/disable", s.handleDisableGatewayKey)
			r.Post("/{id}/regenerate", s.handleRegenerateGatewayKey)
		})
	}

	// Any path not explicitly mounted above defaults to admin-only rather
	// than a bare 404: a caller must authenticate and hold PermManageOrgs
	// (the one permission bit no non-admin role carries) before learning
	// whether the route exists at all. This stops unauthenticated route
	// probing from distinguishing "no such route" from "route exists but
	// you can't use it".
	unmounted := s.authenticate(s.requirePerm(gateway.PermManageOrgs)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, errorResponse(http.StatusNotFound, "not found"))
		},
	)))
	r.NotFound(unmounted.ServeHTTP)
	r.MethodNotAllowed(unmounted.ServeHTTP)

	return r
}

type server struct {
	deps Deps
}
