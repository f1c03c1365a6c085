package tenant

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	if got := FromContext(ctx); got != nil {
		t.Fatalf("expected nil scope, got %+v", got)
	}
	if got := CurrentTenantID(ctx); got != uuid.Nil {
		t.Fatalf("expected nil tenant id, got %v", got)
	}

	tc := &Context{TenantID: uuid.New(), TenantName: "Acme"}
	ctx = NewContext(ctx, tc)

	got := FromContext(ctx)
	if got == nil {
		t.Fatal("expected tenant scope, got nil")
	}
	if got.TenantName != "Acme" {
		t.Errorf("name = %q, want %q", got.TenantName, "Acme")
	}
	if CurrentTenantID(ctx) != tc.TenantID {
		t.Errorf("CurrentTenantID = %v, want %v", CurrentTenantID(ctx), tc.TenantID)
	}
}

func TestRunWithContext(t *testing.T) {
	tnt := &Tenant{ID: uuid.New(), Name: "Acme", Status: StatusActive, Plan: PlanStarter}

	var seen *Context
	err := RunWithContext(WithRequestID(context.Background(), "req-1"), tnt, "corr-1", func(ctx context.Context) error {
		seen = FromContext(ctx)
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, tnt.ID, seen.TenantID)
	assert.Equal(t, "Acme", seen.TenantName)
	assert.Equal(t, StatusActive, seen.TenantStatus)
	assert.Equal(t, PlanStarter, seen.TenantPlan)
	assert.Equal(t, "corr-1", seen.CorrelationID)
	assert.Equal(t, "req-1", seen.RequestID)
}

func TestRunWithContext_GeneratesIDs(t *testing.T) {
	tnt := &Tenant{ID: uuid.New()}

	var seen *Context
	_ = RunWithContext(context.Background(), tnt, "", func(ctx context.Context) error {
		seen = FromContext(ctx)
		return nil
	})
	require.NotNil(t, seen)
	assert.NotEmpty(t, seen.CorrelationID)
	assert.NotEmpty(t, seen.RequestID)
}

func TestRunWithContext_PropagatesError(t *testing.T) {
	want := assert.AnError
	err := RunWithContext(context.Background(), &Tenant{ID: uuid.New()}, "c", func(context.Context) error { return want })
	require.ErrorIs(t, err, want)

	require.Error(t, RunWithContext(context.Background(), nil, "c", func(context.Context) error { return nil }))
}

func TestRunWithContext_ConcurrentScopesAreIsolated(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		tnt := &Tenant{ID: uuid.New()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = RunWithContext(context.Background(), tnt, "", func(ctx context.Context) error {
				if got := CurrentTenantID(ctx); got != tnt.ID {
					t.Errorf("CurrentTenantID = %v, want %v", got, tnt.ID)
				}
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestDefaultLimits(t *testing.T) {
	tests := []struct {
		plan         Plan
		integrations int64
	}{
		{PlanFree, 1},
		{PlanStarter, 2},
		{PlanProfessional, 5},
		{PlanEnterprise, Unlimited},
		{"unknown", 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.plan), func(t *testing.T) {
			if got := DefaultLimits(tt.plan).Integrations; got != tt.integrations {
				t.Errorf("Integrations = %d, want %d", got, tt.integrations)
			}
		})
	}
}

func TestSlugValidation(t *testing.T) {
	tests := []struct {
		slug  string
		valid bool
	}{
		{"acme", true},
		{"test_org", true},
		{"a1", true},
		{"", false},
		{"A", false},
		{"1abc", false},
		{"a", false},
		{"has space", false},
		{"has-dash", false},
	}
	for _, tt := range tests {
		t.Run(tt.slug, func(t *testing.T) {
			if got := slugRegex.MatchString(tt.slug); got != tt.valid {
				t.Errorf("slugRegex.MatchString(%q) = %v, want %v", tt.slug, got, tt.valid)
			}
		})
	}
}

func TestUsageKey(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	at := mustTime(t, "2026-03-31T23:59:00-05:00")

	got := usageKey(id, at)
	want := "tenant_usage:api_calls:11111111-1111-1111-1111-111111111111:2026-04"
	if got != want {
		t.Errorf("usageKey() = %q, want %q (months are bucketed in UTC)", got, want)
	}
}
