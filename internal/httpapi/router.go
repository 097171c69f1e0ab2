// Package httpapi exposes the gateway over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fusion_gateway/internal/billing"
	"fusion_gateway/internal/chat"
	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/middleware"
	"fusion_gateway/internal/models"
	"fusion_gateway/internal/payments"
	"fusion_gateway/internal/ratelimit"
	"fusion_gateway/internal/utils"
)

// ChatService serves chat requests
type ChatService interface {
	Handle(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// CredentialManager manages a user's stored provider keys
type CredentialManager interface {
	Save(ctx context.Context, userID uuid.UUID, provider models.Provider, apiKey string) (*models.ExternalCredential, error)
	List(ctx context.Context, userID uuid.UUID) ([]*models.ExternalCredential, error)
	SetActive(ctx context.Context, userID uuid.UUID, provider models.Provider, active bool) error
	Delete(ctx context.Context, userID uuid.UUID, provider models.Provider) error
}

// LedgerReader exposes balances and ledger history
type LedgerReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
	Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.CreditTransaction, error)
}

// UsageReader lists recorded usage
type UsageReader interface {
	Recent(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageRecord, error)
}

// WebhookProcessor verifies and applies payment notifications
type WebhookProcessor interface {
	Enabled() bool
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*payments.Result, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Chat        ChatService
	Credentials CredentialManager
	Ledger      LedgerReader
	Usage       UsageReader
	Payments    WebhookProcessor

	JWTSecret          []byte
	RateLimiter        ratelimit.Limiter
	RateLimitPerMinute int

	Metrics        *metrics.Metrics
	MetricsEnabled bool

	// HealthChecks are run by /health, keyed by dependency name
	HealthChecks map[string]HealthCheck
}

type handlers struct {
	deps   *Dependencies
	logger *utils.Logger
}

// NewRouter registers every route and wraps the mux with the access log
func NewRouter(deps *Dependencies) http.Handler {
	h := &handlers{deps: deps, logger: utils.NewLogger("http")}
	if deps.RateLimiter == nil {
		deps.RateLimiter = ratelimit.NewNoopLimiter()
	}

	authenticated := middleware.Authenticate(deps.JWTSecret)
	limited := func(next http.Handler) http.Handler {
		return authenticated(middleware.RateLimit(deps.RateLimiter, deps.RateLimitPerMinute, deps.Metrics)(next))
	}

	mux := http.NewServeMux()

	mux.Handle("POST /v1/chat", limited(http.HandlerFunc(h.handleChat)))

	mux.Handle("GET /v1/credentials", authenticated(http.HandlerFunc(h.handleListCredentials)))
	mux.Handle("POST /v1/credentials", authenticated(http.HandlerFunc(h.handleSaveCredential)))
	mux.Handle("PATCH /v1/credentials/{provider}", authenticated(http.HandlerFunc(h.handleToggleCredential)))
	mux.Handle("DELETE /v1/credentials/{provider}", authenticated(http.HandlerFunc(h.handleDeleteCredential)))

	mux.Handle("GET /v1/balance", authenticated(http.HandlerFunc(h.handleBalance)))
	mux.Handle("GET /v1/usage", authenticated(http.HandlerFunc(h.handleUsage)))

	mux.HandleFunc("POST /webhooks/stripe", h.handleStripeWebhook)

	mux.HandleFunc("GET /health", h.handleHealth)
	if deps.MetricsEnabled && deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	return middleware.AccessLog(h.logger)(mux)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps.HealthChecks))
	for name, check := range h.deps.HealthChecks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	utils.RespondWithJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}

// userID reads the authenticated user; routes behind Authenticate always have one
func userID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
	}
	return id, ok
}

func usd(minor int64) string {
	return billing.FromMinorUnits(minor).StringFixed(6)
}
