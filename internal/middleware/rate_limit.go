package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"fusion_gateway/internal/metrics"
	"fusion_gateway/internal/ratelimit"
	"fusion_gateway/internal/utils"
)

// RateLimit enforces limit requests per window for the authenticated user. It
// must run after Authenticate. Limiter errors let the request through.
func RateLimit(limiter ratelimit.Limiter, limit int, m *metrics.Metrics) func(http.Handler) http.Handler {
	logger := utils.NewLogger("ratelimit")

	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := UserIDFromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, resetAt, err := limiter.AllowWithDetails(r.Context(), userID.String(), limit)
			if err != nil {
				logger.Warn("Rate limiter unavailable, allowing request", "user_id", userID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			if remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			}
			if !resetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			}

			if !allowed {
				m.RateLimited()
				retryAfter := int(math.Ceil(time.Until(resetAt).Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				utils.RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
