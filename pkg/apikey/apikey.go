// Package apikey issues and revokes tenant API keys.
package apikey

import (
	"time"

	"github.com/google/uuid"
)

// KeyPrefix starts every issued key.
const KeyPrefix = "lo"

// displayPrefixLen is how much of a raw key is kept for display.
const displayPrefixLen = len(KeyPrefix) + 1 + 8

// Key is a stored API key. The raw key is never persisted.
type Key struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	KeyHash     string
	KeyPrefix   string
	Description string
	LastUsed    *time.Time
	CreatedAt   time.Time
}

// CreateRequest is the JSON body for POST /api/v1/apikeys.
type CreateRequest struct {
	Description string `json:"description" validate:"required,max=200"`
}

// Response is the JSON response for a single API key (without the raw key).
type Response struct {
	ID          uuid.UUID  `json:"id"`
	KeyPrefix   string     `json:"key_prefix"`
	Description string     `json:"description"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// CreateResponse includes the raw key (only shown once at creation).
type CreateResponse struct {
	Response
	RawKey string `json:"raw_key"`
}

// ToResponse converts a Key to a Response DTO.
func (k *Key) ToResponse() Response {
	return Response{
		ID:          k.ID,
		KeyPrefix:   k.KeyPrefix,
		Description: k.Description,
		LastUsed:    k.LastUsed,
		CreatedAt:   k.CreatedAt,
	}
}
