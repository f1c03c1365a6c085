package credential

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wisbric/ledgerowl/internal/platform"
)

func sampleCredential(tenantID uuid.UUID, name string, expiresAt time.Time) *Credential {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	return &Credential{
		ID:                    uuid.New(),
		TenantID:              tenantID,
		Provider:              name,
		EncryptedAccessToken:  "enc-access",
		EncryptedRefreshToken: "enc-refresh",
		ExpiresAt:             expiresAt,
		TokenType:             "Bearer",
		Metadata:              map[string]any{"realm_id": "123"},
		Status:                StatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// exerciseStore runs the Store contract against s. createTenant must make
// tenantID valid for any foreign keys.
func exerciseStore(t *testing.T, s Store, createTenant func(uuid.UUID)) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 5, 10, 13, 0, 0, 0, time.UTC)

	tenantA, tenantB := uuid.New(), uuid.New()
	createTenant(tenantA)
	createTenant(tenantB)

	_, err := s.Get(ctx, tenantA, "xero")
	require.ErrorIs(t, err, ErrNotFound)

	first := sampleCredential(tenantA, "xero", base)
	require.NoError(t, s.Put(ctx, first))
	originalID, originalCreated := first.ID, first.CreatedAt

	// Upsert with a fresh ID keeps the stored identity.
	second := sampleCredential(tenantA, "xero", base.Add(time.Hour))
	second.EncryptedAccessToken = "enc-access-2"
	second.CreatedAt = base.Add(time.Hour)
	require.NoError(t, s.Put(ctx, second))
	assert.Equal(t, originalID, second.ID)
	assert.True(t, originalCreated.Equal(second.CreatedAt))

	got, err := s.Get(ctx, tenantA, "xero")
	require.NoError(t, err)
	assert.Equal(t, originalID, got.ID)
	assert.Equal(t, "enc-access-2", got.EncryptedAccessToken)
	assert.True(t, base.Add(time.Hour).Equal(got.ExpiresAt))
	assert.Equal(t, "123", got.Metadata["realm_id"])

	require.NoError(t, s.Put(ctx, sampleCredential(tenantA, "quickbooks", base.Add(-time.Hour))))
	reauth := sampleCredential(tenantB, "xero", base)
	reauth.Status = StatusNeedsReauth
	reauth.LastError = "refresh_token_revoked"
	require.NoError(t, s.Put(ctx, reauth))

	list, err := s.ListByTenant(ctx, tenantA)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "quickbooks", list[0].Provider)
	assert.Equal(t, "xero", list[1].Provider)

	n, err := s.CountByTenant(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "quickbooks", active[0].Provider, "ordered by expiry")

	existed, err := s.Delete(ctx, tenantA, "xero")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, tenantA, "xero")
	require.NoError(t, err)
	assert.False(t, existed)

	got, err = s.Get(ctx, tenantB, "xero")
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsReauth, got.Status)
	assert.Equal(t, "refresh_token_revoked", got.LastError)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(), func(uuid.UUID) {})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, s.Put(ctx, sampleCredential(tenantID, "xero", time.Now())))
	got, err := s.Get(ctx, tenantID, "xero")
	require.NoError(t, err)
	got.Metadata["realm_id"] = "mutated"
	got.Status = StatusNeedsReauth

	again, err := s.Get(ctx, tenantID, "xero")
	require.NoError(t, err)
	assert.Equal(t, "123", again.Metadata["realm_id"])
	assert.Equal(t, StatusActive, again.Status)
}

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping credential store integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ledgerowl"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connString, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	migrations, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	require.NoError(t, err)
	require.NoError(t, platform.RunMigrations(connString, migrations))

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	exerciseStore(t, NewPostgresStore(pool), func(id uuid.UUID) {
		_, err := pool.Exec(ctx,
			`INSERT INTO public.tenants (id, name, slug) VALUES ($1, $2, $3)`,
			id, "Tenant "+id.String()[:8], "t_"+id.String()[:8])
		require.NoError(t, err)
	})
}
