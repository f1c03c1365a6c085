package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/internal/httpserver"
)

// CorrelationHeader carries a caller-supplied correlation id across services.
const CorrelationHeader = "X-Correlation-ID"

// Resolver identifies the tenant for the current request.
type Resolver interface {
	Resolve(r *http.Request) (uuid.UUID, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (uuid.UUID, error)

func (f ResolverFunc) Resolve(r *http.Request) (uuid.UUID, error) { return f(r) }

// Middleware resolves the tenant, gates on its status and monthly API call
// quota, counts the call, and serves the request inside a tenant scope.
// requestID may be nil.
func Middleware(svc *Service, resolver Resolver, requestID func(context.Context) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			tenantID, err := resolver.Resolve(r)
			if err != nil {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "tenant resolution failed")
				return
			}

			t, err := svc.ValidateStatus(ctx, tenantID)
			if err != nil {
				var te *Error
				if !errors.As(err, &te) {
					logger.Error("validating tenant status", "tenant_id", tenantID, "error", err)
					httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "tenant lookup failed")
					return
				}
				logger.Warn("tenant gated", "tenant_id", tenantID, "code", te.Code)
				if te.Code == CodeNotFound {
					httpserver.RespondError(w, http.StatusUnauthorized, te.Code, "unknown tenant")
					return
				}
				httpserver.RespondError(w, http.StatusForbidden, te.Code, "tenant is not active")
				return
			}

			violation, err := svc.CheckAPICallQuota(ctx, t)
			if err != nil {
				// Quota accounting is best effort.
				logger.Warn("checking api call quota", "tenant_id", tenantID, "error", err)
			} else if violation != nil {
				httpserver.RespondError(w, http.StatusTooManyRequests, "quota_exceeded", violation.Error())
				return
			}

			if err := svc.RecordAPICall(ctx, tenantID); err != nil {
				logger.Warn("recording api call", "tenant_id", tenantID, "error", err)
			}

			correlationID := r.Header.Get(CorrelationHeader)
			if correlationID == "" {
				correlationID = uuid.NewString()
			}
			w.Header().Set(CorrelationHeader, correlationID)

			if requestID != nil {
				if id := requestID(ctx); id != "" {
					ctx = WithRequestID(ctx, id)
				}
			}

			_ = RunWithContext(ctx, t, correlationID, func(ctx context.Context) error {
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
		})
	}
}
