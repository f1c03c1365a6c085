package auth

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wisbric/ledgerowl/internal/httpserver"
)

// APIKeyHeader carries a raw API key. "Authorization: Bearer <key>" is
// accepted as well.
const APIKeyHeader = "X-API-Key"

// Middleware returns an HTTP middleware that authenticates the caller via
// API key and stores the resulting Identity in the request context. limiter
// may be nil.
func Middleware(authn *APIKeyAuthenticator, limiter FailureLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := clientIP(r)

			if limiter != nil {
				res, err := limiter.Check(ctx, ip)
				if err != nil {
					logger.Warn("checking auth rate limit", "error", err)
				} else if !res.Allowed {
					retry := int(time.Until(res.RetryAt).Seconds()) + 1
					w.Header().Set("Retry-After", strconv.Itoa(max(retry, 1)))
					httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many failed authentication attempts")
					return
				}
			}

			identity, err := authn.Authenticate(ctx, presentedKey(r))
			if err != nil {
				if !errors.Is(err, ErrMissingKey) && !errors.Is(err, ErrInvalidKey) {
					logger.Error("authenticating API key", "error", err)
					httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "authentication failed")
					return
				}
				logger.Warn("API key authentication failed", "event", "auth_failed", "ip", ip, "error", err)
				if limiter != nil && errors.Is(err, ErrInvalidKey) {
					if err := limiter.Record(ctx, ip); err != nil {
						logger.Warn("recording auth failure", "error", err)
					}
				}
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			logger.Debug("authenticated via API key",
				"key_prefix", identity.KeyPrefix,
				"tenant_id", identity.TenantID,
			)
			next.ServeHTTP(w, r.WithContext(NewContext(ctx, identity)))
		})
	}
}

func presentedKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(APIKeyHeader)); k != "" {
		return k
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// clientIP extracts the client IP from the request, handling X-Forwarded-For.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
