// Package credential owns the lifecycle of tenant OAuth credentials:
// encrypted storage, lazy and proactive refresh, revocation and
// re-authentication flagging.
package credential

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the health of a stored credential.
type Status string

const (
	StatusActive      Status = "active"
	StatusNeedsReauth Status = "needs_reauth"
)

// Credential is the encrypted token pair stored for one tenant and provider.
// The token fields hold CipherBox ciphertext, never plaintext.
type Credential struct {
	ID                    uuid.UUID      `json:"id"`
	TenantID              uuid.UUID      `json:"tenant_id"`
	Provider              string         `json:"provider"`
	EncryptedAccessToken  string         `json:"-"`
	EncryptedRefreshToken string         `json:"-"`
	ExpiresAt             time.Time      `json:"expires_at"`
	TokenType             string         `json:"token_type"`
	Scope                 string         `json:"scope,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	Status                Status         `json:"status"`
	LastError             string         `json:"last_error,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	LastRefreshedAt       *time.Time     `json:"last_refreshed_at,omitempty"`
}

func (c *Credential) key() string {
	return timerKey(c.TenantID, c.Provider)
}

func timerKey(tenantID uuid.UUID, provider string) string {
	return tenantID.String() + ":" + provider
}

// Authentication error codes.
const (
	CodeCredentialsNotFound = "AUTH_CREDENTIALS_NOT_FOUND"
	CodeTokenExpired        = "AUTH_TOKEN_EXPIRED"
	CodeRefreshTokenInvalid = "AUTH_REFRESH_TOKEN_INVALID"
	CodeOAuthFailed         = "AUTH_OAUTH_FAILED"
)

// AuthError is returned when a valid access token cannot be produced.
type AuthError struct {
	Code     string
	TenantID uuid.UUID
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: tenant %s provider %s: %v", e.Code, e.TenantID, e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: tenant %s provider %s", e.Code, e.TenantID, e.Provider)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ActionRequired reports whether the user must reconnect the integration.
// Other codes are transient and resolve on a later call.
func (e *AuthError) ActionRequired() bool {
	return e.Code == CodeRefreshTokenInvalid || e.Code == CodeCredentialsNotFound
}

// IsCode reports whether err is an *AuthError with the given code.
func IsCode(err error, code string) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Code == code
}
