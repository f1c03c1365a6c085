package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/internal/httpserver"
)

// KeyIssuer mints the first API key for a newly created tenant.
type KeyIssuer interface {
	Issue(ctx context.Context, tenantID uuid.UUID, description string) (string, error)
}

// RequestAuditor records operator actions.
type RequestAuditor interface {
	LogFromRequest(r *http.Request, provider, action string, detail map[string]any)
}

// CreateRequest is the JSON body for POST /admin/tenants.
type CreateRequest struct {
	Name     string   `json:"name" validate:"required,min=2,max=200"`
	Slug     string   `json:"slug" validate:"required,min=2,max=63,lowercase"`
	Plan     Plan     `json:"plan" validate:"omitempty,oneof=free starter professional enterprise"`
	Settings Settings `json:"settings"`
}

// CreateResponse carries the new tenant and its first raw API key, which is
// shown only once.
type CreateResponse struct {
	Tenant *Tenant `json:"tenant"`
	APIKey string  `json:"api_key"`
}

// UpdateSettingsRequest is the JSON body for PATCH /admin/tenants/{id}/settings.
type UpdateSettingsRequest struct {
	Settings Settings `json:"settings" validate:"required"`
}

// Handler serves the operator-facing tenant lifecycle API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	keys    KeyIssuer
	audit   RequestAuditor
}

// NewHandler creates an admin tenant Handler. audit may be nil.
func NewHandler(logger *slog.Logger, service *Service, keys KeyIssuer, audit RequestAuditor) *Handler {
	return &Handler{logger: logger, service: service, keys: keys, audit: audit}
}

// Routes returns a chi.Router with the tenant admin routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/suspend", h.handleSuspend)
	r.Post("/{id}/activate", h.handleActivate)
	r.Patch("/{id}/settings", h.handleUpdateSettings)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.service.Create(r.Context(), CreateInput(req))
	if err != nil {
		if errors.Is(err, ErrSlugTaken) {
			httpserver.RespondError(w, http.StatusConflict, "conflict", "tenant slug already exists")
			return
		}
		h.logger.Error("creating tenant", "error", err, "slug", req.Slug)
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	key, err := h.keys.Issue(r.Context(), t.ID, "initial key")
	if err != nil {
		h.logger.Error("issuing initial api key", "error", err, "tenant_id", t.ID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "tenant created but api key issuance failed")
		return
	}

	httpserver.Respond(w, http.StatusCreated, CreateResponse{Tenant: t, APIKey: key})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	items, total, err := h.service.List(r.Context(), params.Offset, params.PageSize)
	if err != nil {
		h.logger.Error("listing tenants", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list tenants")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	t, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, id)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Suspend, "tenant.suspended")
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.service.Activate, "tenant.activated")
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*Tenant, error), action string) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	t, err := fn(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err, id)
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "", action, map[string]any{"tenant_id": id.String()})
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var req UpdateSettingsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := h.service.UpdateSettings(r.Context(), id, req.Settings)
	if err != nil {
		h.respondServiceError(w, err, id)
		return
	}
	httpserver.Respond(w, http.StatusOK, t)
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant ID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, id uuid.UUID) {
	if IsCode(err, CodeNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, CodeNotFound, "tenant not found")
		return
	}
	h.logger.Error("tenant admin operation", "error", err, "tenant_id", id)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "tenant operation failed")
}
