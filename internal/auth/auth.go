// Package auth authenticates tenant API callers.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/pkg/tenant"
)

// MethodAPIKey is the only authentication method for tenant callers.
const MethodAPIKey = "apikey"

// Identity represents the authenticated caller for the current request.
type Identity struct {
	TenantID  uuid.UUID
	APIKeyID  uuid.UUID
	KeyPrefix string
	Method    string
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context.
// Returns nil if no identity is set.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// TenantResolver resolves the tenant from the authenticated identity. It
// must run behind Middleware.
func TenantResolver() tenant.Resolver {
	return tenant.ResolverFunc(func(r *http.Request) (uuid.UUID, error) {
		id := FromContext(r.Context())
		if id == nil {
			return uuid.Nil, errors.New("request is not authenticated")
		}
		return id.TenantID, nil
	})
}
