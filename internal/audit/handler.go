package audit

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/internal/httpserver"
	"github.com/wisbric/ledgerowl/pkg/tenant"
)

// Lister reads a tenant's security events.
type Lister interface {
	ListByTenant(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]Event, int, error)
}

// Handler serves the tenant-scoped security event trail.
type Handler struct {
	logger *slog.Logger
	events Lister
}

// NewHandler creates a security event Handler.
func NewHandler(logger *slog.Logger, events Lister) *Handler {
	return &Handler{logger: logger, events: events}
}

// Routes returns a chi.Router with security event routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	tenantID := tenant.CurrentTenantID(r.Context())
	if tenantID == uuid.Nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing tenant")
		return
	}

	items, total, err := h.events.ListByTenant(r.Context(), tenantID, params.Offset, params.PageSize)
	if err != nil {
		h.logger.Error("listing security events", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list security events")
		return
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(items, params, total))
}
