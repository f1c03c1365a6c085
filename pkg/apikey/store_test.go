package apikey

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

// exerciseStore runs the Store contract against s.
func exerciseStore(t *testing.T, s Store, createTenant func(uuid.UUID)) {
	t.Helper()
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()
	createTenant(tenantA)
	createTenant(tenantB)

	k := &Key{TenantID: tenantA, KeyHash: "hash-a", KeyPrefix: "lo_aaaaaaaa", Description: "first"}
	require.NoError(t, s.Create(ctx, k))
	assert.NotEqual(t, uuid.Nil, k.ID)
	assert.False(t, k.CreatedAt.IsZero())

	require.NoError(t, s.Create(ctx, &Key{TenantID: tenantB, KeyHash: "hash-b", KeyPrefix: "lo_bbbbbbbb"}))
	assert.Error(t, s.Create(ctx, &Key{TenantID: tenantB, KeyHash: "hash-b", KeyPrefix: "lo_bbbbbbbb"}), "hashes are unique")

	got, err := s.GetByHash(ctx, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, k.ID, got.ID)
	assert.Nil(t, got.LastUsed)

	_, err = s.GetByHash(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	used := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchLastUsed(ctx, k.ID, used))
	got, err = s.GetByHash(ctx, "hash-a")
	require.NoError(t, err)
	require.NotNil(t, got.LastUsed)
	assert.True(t, used.Equal(*got.LastUsed))

	list, err := s.List(ctx, tenantA)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "first", list[0].Description)

	assert.ErrorIs(t, s.Delete(ctx, tenantB, k.ID), ErrNotFound)
	require.NoError(t, s.Delete(ctx, tenantA, k.ID))
	assert.ErrorIs(t, s.Delete(ctx, tenantA, k.ID), ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(), func(uuid.UUID) {})
}

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping api key store integration test in short mode")
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
