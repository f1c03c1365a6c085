package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var slugRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{1,62}$`)

// Quota limit names, in the order CheckQuota evaluates them.
const (
	LimitAPICalls     = "api_calls"
	LimitIntegrations = "integrations"
	LimitUsers        = "users"
	LimitStorage      = "storage"
)

// QuotaViolation describes the first limit a tenant has reached.
type QuotaViolation struct {
	Limit string `json:"limit"`
	Used  int64  `json:"used"`
	Max   int64  `json:"max"`
}

func (q *QuotaViolation) Error() string {
	return fmt.Sprintf("quota exceeded: %s (%d/%d)", q.Limit, q.Used, q.Max)
}

// CreateInput holds the fields for signing up a new tenant.
type CreateInput struct {
	Name     string
	Slug     string
	Plan     Plan
	Settings Settings
}

// Service owns tenant status gating, quota checks and the admin lifecycle.
type Service struct {
	store        Store
	usage        UsageCounter
	integrations IntegrationCounter
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a tenant Service. integrations may be nil, in which
// case the integrations limit is never reported as reached.
func NewService(store Store, usage UsageCounter, integrations IntegrationCounter, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		usage:        usage,
		integrations: integrations,
		logger:       logger,
		now:          time.Now,
	}
}

// Get returns a tenant or a TENANT_NOT_FOUND error.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	t, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &Error{Code: CodeNotFound, TenantID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading tenant: %w", err)
	}
	return t, nil
}

// ValidateStatus returns the tenant when it may do work, or a tenant Error
// describing why it may not.
func (s *Service) ValidateStatus(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case StatusActive:
		return t, nil
	case StatusSuspended:
		return nil, &Error{Code: CodeSuspended, TenantID: id}
	default:
		return nil, &Error{Code: CodeInactive, TenantID: id}
	}
}

// CheckQuota returns the first reached limit among API calls, integrations,
// users and storage, or nil when the tenant is within all of them.
func (s *Service) CheckQuota(ctx context.Context, id uuid.UUID) (*QuotaViolation, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if v, err := s.CheckAPICallQuota(ctx, t); v != nil || err != nil {
		return v, err
	}

	if t.Limits.Integrations >= 0 && s.integrations != nil {
		n, err := s.integrations.CountByTenant(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("counting integrations: %w", err)
		}
		if int64(n) >= t.Limits.Integrations {
			return &QuotaViolation{Limit: LimitIntegrations, Used: int64(n), Max: t.Limits.Integrations}, nil
		}
	}

	if t.Limits.Users >= 0 && t.Usage.Users >= t.Limits.Users {
		return &QuotaViolation{Limit: LimitUsers, Used: t.Usage.Users, Max: t.Limits.Users}, nil
	}

	if t.Limits.StorageBytes >= 0 && t.Usage.StorageBytes >= t.Limits.StorageBytes {
		return &QuotaViolation{Limit: LimitStorage, Used: t.Usage.StorageBytes, Max: t.Limits.StorageBytes}, nil
	}

	return nil, nil
}

// CheckAPICallQuota reports whether t has used up its monthly API calls.
func (s *Service) CheckAPICallQuota(ctx context.Context, t *Tenant) (*QuotaViolation, error) {
	if t.Limits.APICallsPerMonth < 0 || s.usage == nil {
		return nil, nil
	}
	used, err := s.usage.Count(ctx, t.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("counting api calls: %w", err)
	}
	if used >= t.Limits.APICallsPerMonth {
		return &QuotaViolation{Limit: LimitAPICalls, Used: used, Max: t.Limits.APICallsPerMonth}, nil
	}
	return nil, nil
}

// RecordAPICall counts one API call against the tenant's monthly usage.
func (s *Service) RecordAPICall(ctx context.Context, id uuid.UUID) error {
	if s.usage == nil {
		return nil
	}
	_, err := s.usage.Increment(ctx, id, s.now())
	return err
}

// Create signs up a new active tenant with plan-derived default limits.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Tenant, error) {
	if !slugRegex.MatchString(in.Slug) {
		return nil, fmt.Errorf("invalid tenant slug: %q", in.Slug)
	}
	if in.Plan == "" {
		in.Plan = PlanFree
	}
	if !ValidPlan(in.Plan) {
		return nil, fmt.Errorf("invalid plan: %q", in.Plan)
	}

	now := s.now().UTC()
	t := &Tenant{
		ID:        uuid.New(),
		Name:      in.Name,
		Slug:      in.Slug,
		Status:    StatusActive,
		Plan:      in.Plan,
		Limits:    DefaultLimits(in.Plan),
		Settings:  settingsOrEmpty(in.Settings),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Info("tenant created", "tenant_id", t.ID, "slug", t.Slug, "plan", t.Plan)
	return t, nil
}

// List returns a page of tenants and the total count.
func (s *Service) List(ctx context.Context, offset, limit int) ([]Tenant, int, error) {
	items, total, err := s.store.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing tenants: %w", err)
	}
	return items, total, nil
}

// Suspend blocks all tenant-scoped work until the tenant is activated again.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.setStatus(ctx, id, StatusSuspended)
}

// Activate restores a suspended or inactive tenant.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return s.setStatus(ctx, id, StatusActive)
}

func (s *Service) setStatus(ctx context.Context, id uuid.UUID, status Status) (*Tenant, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t, nil
	}

	prev := t.Status
	t.Status = status
	t.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("updating tenant status: %w", err)
	}

	s.logger.Info("tenant status changed", "tenant_id", id, "from", prev, "to", status)
	return t, nil
}

// UpdateSettings merges patch into the tenant settings. A nil value removes
// the key.
func (s *Service) UpdateSettings(ctx context.Context, id uuid.UUID, patch Settings) (*Tenant, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.Settings == nil {
		t.Settings = Settings{}
	}
	for k, v := range patch {
		if v == nil {
			delete(t.Settings, k)
			continue
		}
		t.Settings[k] = v
	}
	t.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("updating tenant settings: %w", err)
	}
	return t, nil
}
