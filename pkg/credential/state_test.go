package credential

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStateStore_SingleUse(t *testing.T) {
	s := NewMemoryStateStore()
	ctx := context.Background()
	p := PendingConnect{TenantID: uuid.New(), Provider: "xero", CreatedAt: time.Now().UTC()}

	require.NoError(t, s.Save(ctx, "state-1", p))

	got, err := s.Consume(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, p, *got)

	_, err = s.Consume(ctx, "state-1")
	assert.ErrorIs(t, err, ErrStateNotFound)

	_, err = s.Consume(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMemoryStateStore_Expiry(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStateStore()
	s.now = clock.Now
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "old", PendingConnect{TenantID: uuid.New(), Provider: "xero"}))
	clock.Advance(StateTTL + time.Second)

	_, err := s.Consume(ctx, "old")
	assert.ErrorIs(t, err, ErrStateNotFound)

	require.NoError(t, s.Save(ctx, "fresh", PendingConnect{TenantID: uuid.New(), Provider: "quickbooks"}))
	clock.Advance(StateTTL - time.Second)
	got, err := s.Consume(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "quickbooks", got.Provider)
}
