package credential

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no credential exists for a tenant and provider.
var ErrNotFound = errors.New("credential not found")

// Store persists credentials keyed by (tenant, provider). Put is an upsert
// that keeps the original ID and CreatedAt of an existing row.
type Store interface {
	Get(ctx context.Context, tenantID uuid.UUID, provider string) (*Credential, error)
	Put(ctx context.Context, c *Credential) error
	Delete(ctx context.Context, tenantID uuid.UUID, provider string) (bool, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]Credential, error)
	ListActive(ctx context.Context) ([]Credential, error)
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error)
}

const credentialColumns = `id, tenant_id, provider, encrypted_access_token, encrypted_refresh_token,
	expires_at, token_type, scope, provider_metadata, status, last_error,
	created_at, updated_at, last_refreshed_at`

// PostgresStore stores credentials in public.credentials.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a credential store on pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanCredential(row pgx.Row) (*Credential, error) {
	var c Credential
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Provider, &c.EncryptedAccessToken, &c.EncryptedRefreshToken,
		&c.ExpiresAt, &c.TokenType, &c.Scope, &c.Metadata, &c.Status, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt, &c.LastRefreshedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID uuid.UUID, provider string) (*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM public.credentials WHERE tenant_id = $1 AND provider = $2`
	c, err := scanCredential(s.pool.QueryRow(ctx, query, tenantID, provider))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	return c, nil
}

// Put upserts c and refreshes c.ID and c.CreatedAt from the stored row.
func (s *PostgresStore) Put(ctx context.Context, c *Credential) error {
	query := `INSERT INTO public.credentials (
		id, tenant_id, provider, encrypted_access_token, encrypted_refresh_token,
		expires_at, token_type, scope, provider_metadata, status, last_error,
		created_at, updated_at, last_refreshed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (tenant_id, provider) DO UPDATE SET
		encrypted_access_token = EXCLUDED.encrypted_access_token,
		encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
		expires_at = EXCLUDED.expires_at,
		token_type = EXCLUDED.token_type,
		scope = EXCLUDED.scope,
		provider_metadata = EXCLUDED.provider_metadata,
		status = EXCLUDED.status,
		last_error = EXCLUDED.last_error,
		updated_at = EXCLUDED.updated_at,
		last_refreshed_at = EXCLUDED.last_refreshed_at
	RETURNING id, created_at`

	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	err := s.pool.QueryRow(ctx, query,
		c.ID, c.TenantID, c.Provider, c.EncryptedAccessToken, c.EncryptedRefreshToken,
		c.ExpiresAt, c.TokenType, c.Scope, metadata, c.Status, c.LastError,
		c.CreatedAt, c.UpdatedAt, c.LastRefreshedAt,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID uuid.UUID, provider string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM public.credentials WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
	if err != nil {
		return false, fmt.Errorf("deleting credential: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM public.credentials WHERE tenant_id = $1 ORDER BY provider`
	return s.list(ctx, query, tenantID)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM public.credentials WHERE status = 'active' ORDER BY expires_at`
	return s.list(ctx, query)
}

func (s *PostgresStore) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM public.credentials WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Credential, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var items []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		items = append(items, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential rows: %w", err)
	}
	return items, nil
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Credential
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Credential)}
}

func (s *MemoryStore) Get(_ context.Context, tenantID uuid.UUID, provider string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.items[timerKey(tenantID, provider)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(c), nil
}

func (s *MemoryStore) Put(_ context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := c.key()
	if existing, ok := s.items[k]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	}
	s.items[k] = *cloneCredential(*c)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID uuid.UUID, provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := timerKey(tenantID, provider)
	_, ok := s.items[k]
	delete(s.items, k)
	return ok, nil
}

func (s *MemoryStore) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]Credential, error) {
	return s.filter(func(c Credential) bool { return c.TenantID == tenantID }, func(a, b Credential) bool {
		return a.Provider < b.Provider
	}), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Credential, error) {
	return s.filter(func(c Credential) bool { return c.Status == StatusActive }, func(a, b Credential) bool {
		return a.ExpiresAt.Before(b.ExpiresAt)
	}), nil
}

func (s *MemoryStore) CountByTenant(_ context.Context, tenantID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.items {
		if c.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) filter(keep func(Credential) bool, less func(a, b Credential) bool) []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Credential
	for _, c := range s.items {
		if keep(c) {
			out = append(out, *cloneCredential(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func cloneCredential(c Credential) *Credential {
	c.Metadata = maps.Clone(c.Metadata)
	if c.LastRefreshedAt != nil {
		t := *c.LastRefreshedAt
		c.LastRefreshedAt = &t
	}
	return &c
}
