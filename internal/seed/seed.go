package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/pkg/tenant"
)

// DevTenantSlug is the slug of the tenant provisioned for local development.
const DevTenantSlug = "acme"

const listPageSize = 100

// KeyIssuer mints a raw API key for a tenant.
type KeyIssuer interface {
	Issue(ctx context.Context, tenantID uuid.UUID, description string) (string, error)
}

// Result describes what Run provisioned. RawKey is only shown once.
type Result struct {
	Tenant  *tenant.Tenant
	Created bool
	RawKey  string
}

// Run provisions the "acme" development tenant and issues it a fresh API
// key. It is idempotent for the tenant: re-running reuses the existing one
// and only adds another key.
func Run(ctx context.Context, tenants *tenant.Service, keys KeyIssuer, logger *slog.Logger) (*Result, error) {
	res := &Result{}

	t, err := tenants.Create(ctx, tenant.CreateInput{
		Name:     "Acme Bookkeeping",
		Slug:     DevTenantSlug,
		Plan:     tenant.PlanStarter,
		Settings: tenant.Settings{"timezone": "Europe/Berlin"},
	})
	switch {
	case err == nil:
		res.Created = true
		logger.Info("seed: provisioned tenant", "tenant_id", t.ID, "slug", t.Slug)
	case errors.Is(err, tenant.ErrSlugTaken):
		t, err = findBySlug(ctx, tenants, DevTenantSlug)
		if err != nil {
			return nil, err
		}
		logger.Info("seed: tenant already exists", "tenant_id", t.ID, "slug", t.Slug)
	default:
		return nil, fmt.Errorf("provisioning seed tenant: %w", err)
	}
	res.Tenant = t

	raw, err := keys.Issue(ctx, t.ID, "Development seed API key")
	if err != nil {
		return nil, fmt.Errorf("creating seed API key: %w", err)
	}
	res.RawKey = raw

	logger.Info("seed: completed successfully", "tenant", t.Slug, "created", res.Created)
	return res, nil
}

func findBySlug(ctx context.Context, tenants *tenant.Service, slug string) (*tenant.Tenant, error) {
	for offset := 0; ; offset += listPageSize {
		items, total, err := tenants.List(ctx, offset, listPageSize)
		if err != nil {
			return nil, err
		}
		for i := range items {
			if items[i].Slug == slug {
				return &items[i], nil
			}
		}
		if offset+len(items) >= total || len(items) == 0 {
			return nil, fmt.Errorf("tenant %q reported as taken but not found", slug)
		}
	}
}
