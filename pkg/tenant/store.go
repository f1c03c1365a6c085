package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSlugTaken is returned when creating a tenant whose slug already exists.
var ErrSlugTaken = errors.New("tenant slug already exists")

// Store persists tenants. Tenants are never hard-deleted.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
	List(ctx context.Context, offset, limit int) ([]Tenant, int, error)
	Update(ctx context.Context, t *Tenant) error
}

const tenantColumns = `id, name, slug, status, plan, limits, usage, settings, created_at, updated_at`

// PostgresStore is the production tenant Store backed by public.tenants.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a tenant store on the global pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Name, &t.Slug, &t.Status, &t.Plan,
		&t.Limits, &t.Usage, &t.Settings, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	query := `INSERT INTO public.tenants (id, name, slug, status, plan, limits, usage, settings, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Name, t.Slug, t.Status, t.Plan, t.Limits, t.Usage, settingsOrEmpty(t.Settings), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSlugTaken
		}
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM public.tenants WHERE id = $1`
	t, err := scanTenant(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) List(ctx context.Context, offset, limit int) ([]Tenant, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM public.tenants`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting tenants: %w", err)
	}

	query := `SELECT ` + tenantColumns + ` FROM public.tenants ORDER BY created_at, id LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var items []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning tenant row: %w", err)
		}
		items = append(items, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating tenant rows: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	query := `UPDATE public.tenants
	SET name = $2, status = $3, plan = $4, limits = $5, usage = $6, settings = $7, updated_at = $8
	WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.Name, t.Status, t.Plan, t.Limits, t.Usage, settingsOrEmpty(t.Settings), t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func settingsOrEmpty(s Settings) Settings {
	if s == nil {
		return Settings{}
	}
	return s
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]Tenant
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[uuid.UUID]Tenant)}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tenants {
		if existing.Slug == t.Slug {
			return ErrSlugTaken
		}
	}
	m.tenants[t.ID] = cloneTenant(*t)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneTenant(t)
	return &c, nil
}

func (m *MemoryStore) List(_ context.Context, offset, limit int) ([]Tenant, int, error) {
	m.mu.RLock()
	all := make([]Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		all = append(all, cloneTenant(t))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() < all[j].ID.String()
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	total := len(all)
	if offset >= total {
		return []Tenant{}, total, nil
	}
	end := min(offset+limit, total)
	return all[offset:end], total, nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; !ok {
		return ErrNotFound
	}
	m.tenants[t.ID] = cloneTenant(*t)
	return nil
}

func cloneTenant(t Tenant) Tenant {
	if t.Settings != nil {
		s := make(Settings, len(t.Settings))
		for k, v := range t.Settings {
			s[k] = v
		}
		t.Settings = s
	}
	return t
}
