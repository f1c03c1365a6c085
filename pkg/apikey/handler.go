package apikey

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/internal/audit"
	"github.com/wisbric/ledgerowl/internal/httpserver"
	"github.com/wisbric/ledgerowl/pkg/tenant"
)

// RequestAuditor records security events tied to an HTTP request.
type RequestAuditor interface {
	LogFromRequest(r *http.Request, provider, action string, detail map[string]any)
}

// Handler provides HTTP handlers for the API keys API. Routes must be
// mounted inside a tenant scope.
type Handler struct {
	logger  *slog.Logger
	audit   RequestAuditor
	service *Service
}

// NewHandler creates an API key Handler. audit may be nil.
func NewHandler(logger *slog.Logger, audit RequestAuditor, service *Service) *Handler {
	return &Handler{logger: logger, audit: audit, service: service}
}

// Routes returns a chi.Router with all API key routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Delete("/{id}", h.handleDelete)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.Create(r.Context(), tenantID, req)
	if err != nil {
		h.logger.Error("creating api key", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create api key")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "", audit.ActionAPIKeyCreated, map[string]any{
			"api_key_id": resp.ID,
			"key_prefix": resp.KeyPrefix,
		})
	}

	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	items, err := h.service.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing api keys", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list api keys")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"keys":  items,
		"count": len(items),
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid api key ID")
		return
	}

	if err := h.service.Delete(r.Context(), tenantID, keyID); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "api key not found")
			return
		}
		h.logger.Error("deleting api key", "error", err, "id", keyID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete api key")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "", audit.ActionAPIKeyDeleted, map[string]any{"api_key_id": keyID})
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func requireTenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id := tenant.CurrentTenantID(r.Context())
	if id == uuid.Nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing tenant scope")
		return uuid.Nil, false
	}
	return id, true
}
