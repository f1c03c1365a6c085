package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedResolver(id uuid.UUID) Resolver {
	return ResolverFunc(func(*http.Request) (uuid.UUID, error) { return id, nil })
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	svc, store, usage := newTestService(t, nil)

	active := &Tenant{ID: uuid.New(), Name: "Acme", Slug: "acme", Status: StatusActive, Plan: PlanFree, Limits: Limits{APICallsPerMonth: 2}}
	suspended := &Tenant{ID: uuid.New(), Slug: "susp", Status: StatusSuspended}
	require.NoError(t, store.Create(ctx, active))
	require.NoError(t, store.Create(ctx, suspended))

	var scope *Context
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	serve := func(resolver Resolver, header string) *httptest.ResponseRecorder {
		scope = nil
		r := httptest.NewRequest(http.MethodGet, "/api/v1/integrations", nil)
		if header != "" {
			r.Header.Set(CorrelationHeader, header)
		}
		w := httptest.NewRecorder()
		requestID := func(context.Context) string { return "req-42" }
		Middleware(svc, resolver, requestID, discardLogger())(next).ServeHTTP(w, r)
		return w
	}

	t.Run("active tenant is scoped and counted", func(t *testing.T) {
		w := serve(fixedResolver(active.ID), "corr-abc")
		require.Equal(t, http.StatusNoContent, w.Code)
		require.NotNil(t, scope)
		assert.Equal(t, active.ID, scope.TenantID)
		assert.Equal(t, "corr-abc", scope.CorrelationID)
		assert.Equal(t, "req-42", scope.RequestID)
		assert.Equal(t, "corr-abc", w.Header().Get(CorrelationHeader))

		n, err := usage.Count(ctx, active.ID, svc.now())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("quota exhausted", func(t *testing.T) {
		w := serve(fixedResolver(active.ID), "")
		require.Equal(t, http.StatusNoContent, w.Code)
		assert.NotEmpty(t, w.Header().Get(CorrelationHeader))

		w = serve(fixedResolver(active.ID), "")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Nil(t, scope)
	})

	t.Run("suspended tenant is gated", func(t *testing.T) {
		w := serve(fixedResolver(suspended.ID), "")
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Nil(t, scope)

		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, CodeSuspended, body["error"])
	})

	t.Run("unknown tenant", func(t *testing.T) {
		w := serve(fixedResolver(uuid.New()), "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("resolver failure", func(t *testing.T) {
		failing := ResolverFunc(func(*http.Request) (uuid.UUID, error) { return uuid.Nil, errors.New("no identity") })
		w := serve(failing, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
