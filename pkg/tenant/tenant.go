package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Plan is the billing plan a tenant is subscribed to.
type Plan string

const (
	PlanFree         Plan = "free"
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// Unlimited marks a limit that is never reached.
const Unlimited = -1

// Limits caps what a tenant may consume. A negative value means unlimited.
type Limits struct {
	APICallsPerMonth int64 `json:"api_calls_per_month"`
	Integrations     int64 `json:"integrations"`
	Users            int64 `json:"users"`
	StorageBytes     int64 `json:"storage_bytes"`
}

// Usage holds the stored consumption figures that are not derived at
// request time (API calls and integrations are counted live).
type Usage struct {
	Users        int64 `json:"users"`
	StorageBytes int64 `json:"storage_bytes"`
}

// Settings is free-form per-tenant configuration.
type Settings map[string]any

// Tenant is an isolated customer organization.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Status    Status    `json:"status"`
	Plan      Plan      `json:"plan"`
	Limits    Limits    `json:"limits"`
	Usage     Usage     `json:"usage"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultLimits returns the limits a new tenant on plan starts with.
func DefaultLimits(plan Plan) Limits {
	switch plan {
	case PlanStarter:
		return Limits{APICallsPerMonth: 10_000, Integrations: 2, Users: 5, StorageBytes: 1 << 30}
	case PlanProfessional:
		return Limits{APICallsPerMonth: 100_000, Integrations: 5, Users: 25, StorageBytes: 10 << 30}
	case PlanEnterprise:
		return Limits{APICallsPerMonth: Unlimited, Integrations: Unlimited, Users: Unlimited, StorageBytes: Unlimited}
	default:
		return Limits{APICallsPerMonth: 1_000, Integrations: 1, Users: 1, StorageBytes: 100 << 20}
	}
}

// ValidPlan reports whether p is a known plan.
func ValidPlan(p Plan) bool {
	switch p {
	case PlanFree, PlanStarter, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// Error codes returned by tenant gating.
const (
	CodeNotFound  = "TENANT_NOT_FOUND"
	CodeInactive  = "TENANT_INACTIVE"
	CodeSuspended = "TENANT_SUSPENDED"
)

// Error gates tenant-scoped work before it starts.
type Error struct {
	Code     string
	TenantID uuid.UUID
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: tenant %s", e.Code, e.TenantID)
}

// IsCode reports whether err is a tenant Error with the given code.
func IsCode(err error, code string) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

// ErrNotFound is returned by stores when no tenant matches.
var ErrNotFound = errors.New("tenant not found")

// Context is the request- or job-scoped tenant identity carried through a
// call chain.
type Context struct {
	TenantID      uuid.UUID
	TenantName    string
	TenantStatus  Status
	TenantPlan    Plan
	CorrelationID string
	RequestID     string
}

type contextKey string

const (
	scopeKey     contextKey = "tenant_scope"
	requestIDKey contextKey = "tenant_request_id"
)

// NewContext stores tc in ctx.
func NewContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, scopeKey, tc)
}

// FromContext returns the tenant scope, or nil if none is set.
func FromContext(ctx context.Context) *Context {
	v, _ := ctx.Value(scopeKey).(*Context)
	return v
}

// CurrentTenantID returns the scoped tenant id, or uuid.Nil outside a scope.
func CurrentTenantID(ctx context.Context) uuid.UUID {
	if tc := FromContext(ctx); tc != nil {
		return tc.TenantID
	}
	return uuid.Nil
}

// WithRequestID records the inbound request id so the next RunWithContext
// picks it up instead of minting a new one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RunWithContext executes fn with a fresh tenant scope derived from t. An
// empty correlationID is replaced with a new one. The scope is discarded
// when fn returns.
func RunWithContext(ctx context.Context, t *Tenant, correlationID string, fn func(context.Context) error) error {
	if t == nil {
		return errors.New("tenant: nil tenant")
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	requestID, _ := ctx.Value(requestIDKey).(string)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	return fn(NewContext(ctx, &Context{
		TenantID:      t.ID,
		TenantName:    t.Name,
		TenantStatus:  t.Status,
		TenantPlan:    t.Plan,
		CorrelationID: correlationID,
		RequestID:     requestID,
	}))
}
