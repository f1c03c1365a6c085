package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/internal/auth"
)

// touchTimeout bounds the background last_used update.
const touchTimeout = 5 * time.Second

// Generator mints signed raw keys.
type Generator interface {
	GenerateAPIKey(prefix string) (string, error)
}

// Service encapsulates API key business logic.
type Service struct {
	store  Store
	keys   Generator
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an API key Service.
func NewService(store Store, keys Generator, logger *slog.Logger) *Service {
	return &Service{store: store, keys: keys, logger: logger, now: time.Now}
}

// Create generates a new API key, stores its hash, and returns the raw key once.
func (s *Service) Create(ctx context.Context, tenantID uuid.UUID, req CreateRequest) (CreateResponse, error) {
	raw, err := s.keys.GenerateAPIKey(KeyPrefix)
	if err != nil {
		return CreateResponse{}, fmt.Errorf("generating api key: %w", err)
	}

	k := &Key{
		TenantID:    tenantID,
		KeyHash:     auth.HashAPIKey(raw),
		KeyPrefix:   raw[:displayPrefixLen],
		Description: req.Description,
	}
	if err := s.store.Create(ctx, k); err != nil {
		return CreateResponse{}, err
	}

	return CreateResponse{Response: k.ToResponse(), RawKey: raw}, nil
}

// Issue creates a key and returns only the raw value. It backs tenant signup
// and the CLI.
func (s *Service) Issue(ctx context.Context, tenantID uuid.UUID, description string) (string, error) {
	resp, err := s.Create(ctx, tenantID, CreateRequest{Description: description})
	if err != nil {
		return "", err
	}
	return resp.RawKey, nil
}

// List returns all API keys for the given tenant.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID) ([]Response, error) {
	keys, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	items := make([]Response, 0, len(keys))
	for i := range keys {
		items = append(items, keys[i].ToResponse())
	}
	return items, nil
}

// Delete permanently removes a tenant's API key.
func (s *Service) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.store.Delete(ctx, tenantID, id)
}

// LookupKey resolves a key hash for authentication and records its use in
// the background.
func (s *Service) LookupKey(ctx context.Context, hash string) (*auth.KeyRecord, error) {
	k, err := s.store.GetByHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	usedAt := s.now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.store.TouchLastUsed(ctx, k.ID, usedAt); err != nil {
			s.logger.Warn("updating api key last_used", "key_prefix", k.KeyPrefix, "error", err)
		}
	}()

	return &auth.KeyRecord{ID: k.ID, TenantID: k.TenantID, KeyPrefix: k.KeyPrefix}, nil
}
