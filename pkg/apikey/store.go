package apikey

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a key does not exist for the tenant.
var ErrNotFound = errors.New("api key not found")

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, k *Key) error
	GetByHash(ctx context.Context, hash string) (*Key, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]Key, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

const apiKeyColumns = `id, tenant_id, key_hash, key_prefix, description, last_used, created_at`

// PostgresStore stores keys in public.api_keys.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates an API key store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanKey(row pgx.Row) (*Key, error) {
	var k Key
	if err := row.Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.KeyPrefix, &k.Description, &k.LastUsed, &k.CreatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// Create inserts k and fills in its ID and CreatedAt.
func (s *PostgresStore) Create(ctx context.Context, k *Key) error {
	query := `INSERT INTO public.api_keys (tenant_id, key_hash, key_prefix, description)
	VALUES ($1, $2, $3, $4)
	RETURNING id, created_at`
	if err := s.pool.QueryRow(ctx, query, k.TenantID, k.KeyHash, k.KeyPrefix, k.Description).Scan(&k.ID, &k.CreatedAt); err != nil {
		return fmt.Errorf("creating api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*Key, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM public.api_keys WHERE key_hash = $1`
	k, err := scanKey(s.pool.QueryRow(ctx, query, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting api key: %w", err)
	}
	return k, nil
}

// List returns all API keys for the given tenant, newest first.
func (s *PostgresStore) List(ctx context.Context, tenantID uuid.UUID) ([]Key, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM public.api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var items []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		items = append(items, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api key rows: %w", err)
	}
	return items, nil
}

// Delete permanently removes a tenant's API key.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM public.api_keys WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE public.api_keys SET last_used = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("updating api key last_used: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]Key
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[uuid.UUID]Key), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, k *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		if existing.KeyHash == k.KeyHash {
			return fmt.Errorf("creating api key: duplicate key hash")
		}
	}
	k.ID = uuid.New()
	k.CreatedAt = s.now().UTC()
	s.keys[k.ID] = *k
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return &k, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) List(_ context.Context, tenantID uuid.UUID) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var items []Key
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			items = append(items, k)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.TenantID != tenantID {
		return ErrNotFound
	}
	delete(s.keys, id)
	return nil
}

func (s *MemoryStore) TouchLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		k.LastUsed = &at
		s.keys[id] = k
	}
	return nil
}
