package slack

import (
	"time"

	"github.com/google/uuid"
)

// ReauthInfo holds the data needed to build a reconnect notification.
type ReauthInfo struct {
	TenantID   uuid.UUID
	TenantName string
	Provider   string
	Reason     string
	FlaggedAt  time.Time
}
