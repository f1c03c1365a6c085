package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrMissingKey is returned when no API key was presented.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidKey covers forged, malformed and unknown keys alike.
	ErrInvalidKey = errors.New("invalid API key")
	// ErrKeyNotFound is returned by KeyLookup implementations.
	ErrKeyNotFound = errors.New("API key not found")
)

// KeyRecord is the stored side of an API key.
type KeyRecord struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	KeyPrefix string
}

// KeyLookup resolves a key hash to its stored record.
type KeyLookup interface {
	LookupKey(ctx context.Context, hash string) (*KeyRecord, error)
}

// KeyVerifier checks the signature embedded in a raw key.
type KeyVerifier interface {
	VerifyAPIKey(key string) bool
}

// APIKeyAuthenticator validates API keys. The embedded signature is checked
// first so forged keys never reach the database.
type APIKeyAuthenticator struct {
	Verifier KeyVerifier
	Lookup   KeyLookup
}

// Authenticate verifies rawKey and resolves it to an Identity.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*Identity, error) {
	if rawKey == "" {
		return nil, ErrMissingKey
	}
	if !a.Verifier.VerifyAPIKey(rawKey) {
		return nil, ErrInvalidKey
	}

	rec, err := a.Lookup.LookupKey(ctx, HashAPIKey(rawKey))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	return &Identity{
		TenantID:  rec.TenantID,
		APIKeyID:  rec.ID,
		KeyPrefix: rec.KeyPrefix,
		Method:    MethodAPIKey,
	}, nil
}
