// Package server implements the HTTP transport layer for the airlock proxy.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	airlock "github.com/eugener/airlock/internal"
	"github.com/eugener/airlock/internal/anonymize"
	"github.com/eugener/airlock/internal/audit"
	"github.com/eugener/airlock/internal/auth"
	"github.com/eugener/airlock/internal/cache"
	"github.com/eugener/airlock/internal/circuitbreaker"
	"github.com/eugener/airlock/internal/compliance"
	"github.com/eugener/airlock/internal/deanonymize"
	"github.com/eugener/airlock/internal/mapping"
	"github.com/eugener/airlock/internal/quota"
	"github.com/eugener/airlock/internal/telemetry"
)

// ChatService is the slice of the request pipeline the proxy endpoints
// need.
type ChatService interface {
	ChatCompletion(ctx context.Context, req *airlock.ChatRequest) (*airlock.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req *airlock.ChatRequest) (<-chan airlock.StreamChunk, error)
}

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// TokenCounter estimates the token cost of a request before the upstream
// reports real usage.
type TokenCounter interface {
	EstimateRequest(model string, messages []airlock.Message) int
}

// Deps holds all dependencies for the HTTP server. Optional fields are
// marked; handlers degrade rather than panic when they are nil.
type Deps struct {
	Auth         airlock.Authenticator
	Chat         ChatService
	Engine       *anonymize.Engine         // test API
	Deanonymizer *deanonymize.Deanonymizer // test API
	Tenants      *auth.Registry
	Keys         *auth.KeyManager
	Quota        *quota.Tracker
	RateLimits   *quota.Registry // nil = no rate limiting
	Counter      TokenCounter    // nil = request rate only, token rates unenforced
	Mappings     *mapping.Store
	Cache        *cache.ResponseCache // nil = caching disabled
	Lookaside    cache.Cache          // nil = no audit summary caching
	AuditStore   audit.Store          // nil = audit queries unavailable
	Audit        *audit.Logger        // nil = no audit events from middleware
	Compliance   *compliance.Registry // nil = compliance API unavailable
	Breaker      *circuitbreaker.Breaker

	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = /metrics not mounted
	ReadyCheck     ReadyChecker       // nil = readiness is breaker-only
	Models         []string           // configured upstream model aliases
	UpstreamName   string             // owned_by for configured models

	// SecureEndpoints gates /metrics, /api/v1 and /api/test behind key
	// auth. Probes stay open either way.
	SecureEndpoints bool
	Logger          *slog.Logger
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &server{deps: deps, log: log.With("component", "server"), started: time.Now()}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// Probes (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/live", s.handleLive)
	r.Get("/ready", s.handleReady)

	// Client-facing API -- OpenAI wire format
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// Sensitive surfaces: metrics, management and test APIs.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.sensitive)

		if deps.MetricsHandler != nil {
			r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/tenants", s.handleListTenants)
			r.Get("/tenants/{id}", s.handleGetTenant)
			r.Delete("/tenants/{id}/data", s.handleForgetTenantData)
			r.Post("/keys", s.handleCreateKey)
			r.Get("/keys", s.handleListKeys)
			r.Delete("/keys/{id}", s.handleRevokeKey)
			r.Get("/quota/usage", s.handleQuotaUsage)
			r.Get("/cache/stats", s.handleCacheStats)
			r.Post("/cache/clear", s.handleCacheClear)
			r.Get("/stats", s.handleStats)
			r.Get("/audit/events", s.handleAuditEvents)
			r.Get("/audit/summary", s.handleAuditSummary)
			r.Get("/audit/export", s.handleAuditExport)
			r.Get("/compliance/presets", s.handleListPresets)
			r.Get("/compliance/presets/{name}", s.handleGetPreset)
			r.Get("/compliance/status", s.handleComplianceStatus)
			r.Post("/compliance/activate", s.handleComplianceActivate)
			r.Post("/compliance/deactivate", s.handleComplianceDeactivate)
			r.Post("/compliance/reload", s.handleComplianceReload)
		})

		r.Route("/api/test", func(r chi.Router) {
			r.Post("/anonymize", s.handleTestAnonymize)
			r.Post("/deanonymize", s.handleTestDeanonymize)
		})
	})

	return r
}

type server struct {
	deps    Deps
	log     *slog.Logger
	started time.Time
}
