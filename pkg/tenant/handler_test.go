package tenant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubIssuer struct {
	issued []uuid.UUID
}

func (s *stubIssuer) Issue(_ context.Context, tenantID uuid.UUID, _ string) (string, error) {
	s.issued = append(s.issued, tenantID)
	return "lo_raw.sig", nil
}

type recordingAuditor struct {
	actions []string
}

func (a *recordingAuditor) LogFromRequest(_ *http.Request, _ string, action string, _ map[string]any) {
	a.actions = append(a.actions, action)
}

func TestHandler_Lifecycle(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	issuer := &stubIssuer{}
	auditor := &recordingAuditor{}
	router := NewHandler(discardLogger(), svc, issuer, auditor).Routes()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var r *http.Request
		if body != "" {
			r = httptest.NewRequest(method, path, strings.NewReader(body))
		} else {
			r = httptest.NewRequest(method, path, nil)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		return w
	}

	w := do(http.MethodPost, "/", `{"name":"Acme Ltd","slug":"acme","plan":"professional"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created CreateResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, "lo_raw.sig", created.APIKey)
	assert.Equal(t, PlanProfessional, created.Tenant.Plan)
	require.Len(t, issuer.issued, 1)
	assert.Equal(t, created.Tenant.ID, issuer.issued[0])

	id := created.Tenant.ID.String()

	w = do(http.MethodPost, "/", `{"name":"Other","slug":"acme"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(http.MethodPost, "/", `{"name":"Other","slug":"x","plan":"gold"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(http.MethodPost, "/"+id+"/suspend", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got Tenant
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, StatusSuspended, got.Status)

	w = do(http.MethodPost, "/"+id+"/activate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"tenant.suspended", "tenant.activated"}, auditor.actions)

	w = do(http.MethodPatch, "/"+id+"/settings", `{"settings":{"currency":"NZD"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "NZD", got.Settings["currency"])

	w = do(http.MethodGet, "/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(http.MethodGet, "/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(http.MethodGet, "/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodGet, "/?page=1&page_size=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Items      []Tenant `json:"items"`
		TotalItems int      `json:"total_items"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	assert.Equal(t, 1, page.TotalItems)
	assert.Len(t, page.Items, 1)
}
