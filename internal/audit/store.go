package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, tenant_id, provider, action, detail, ip_address, created_at`

// Store reads and writes public.security_events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a security event Store on the global pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertEvents writes events in a single batch round trip.
func (s *Store) InsertEvents(ctx context.Context, events []Event) error {
	query := `INSERT INTO public.security_events (` + eventColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for _, e := range events {
		var tenantID *uuid.UUID
		if e.TenantID != uuid.Nil {
			id := e.TenantID
			tenantID = &id
		}
		batch.Queue(query, e.ID, tenantID, e.Provider, e.Action, e.Detail, e.IPAddress, e.CreatedAt)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting security events: %w", err)
	}
	return nil
}

// ListByTenant returns a page of a tenant's events, newest first, and the
// total count.
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]Event, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM public.security_events WHERE tenant_id = $1`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting security events: %w", err)
	}

	query := `SELECT ` + eventColumns + ` FROM public.security_events
	WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing security events: %w", err)
	}
	defer rows.Close()

	var items []Event
	for rows.Next() {
		var (
			e   Event
			tid *uuid.UUID
		)
		if err := rows.Scan(&e.ID, &tid, &e.Provider, &e.Action, &e.Detail, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning security event row: %w", err)
		}
		if tid != nil {
			e.TenantID = *tid
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating security event rows: %w", err)
	}
	return items, total, nil
}
