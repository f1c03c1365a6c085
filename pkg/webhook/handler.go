package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/ledgerowl/internal/audit"
	"github.com/wisbric/ledgerowl/internal/httpserver"
)

// maxBodyBytes caps webhook payloads.
const maxBodyBytes = 1 << 20

// RequestAuditor records security events tied to an HTTP request.
type RequestAuditor interface {
	LogFromRequest(r *http.Request, provider, action string, detail map[string]any)
}

// Handler receives provider webhooks.
type Handler struct {
	logger     *slog.Logger
	verifier   *Verifier
	dispatcher *Dispatcher
	audit      RequestAuditor
	now        func() time.Time
}

// NewHandler creates a Handler. audit may be nil.
func NewHandler(logger *slog.Logger, verifier *Verifier, dispatcher *Dispatcher, audit RequestAuditor) *Handler {
	return &Handler{logger: logger, verifier: verifier, dispatcher: dispatcher, audit: audit, now: time.Now}
}

// Routes returns a chi.Router with webhook routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{provider}", h.handleReceive)
	return r
}

// AcceptedResponse acknowledges a processed delivery.
type AcceptedResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id"`
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if !h.verifier.Supports(providerName) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds 1 MiB")
		return
	}

	res, err := h.verifier.Verify(r.Context(), providerName, body, r.Header)
	if err != nil {
		h.reject(w, r, providerName, err)
		return
	}
	if res.ReplayCheckSkipped {
		h.record(r, providerName, audit.ActionReplayCheckDegraded, map[string]any{"delivery_id": res.DeliveryID})
	}

	delivery := &Delivery{
		Provider:   providerName,
		DeliveryID: res.DeliveryID,
		Payload:    res.Payload,
		Body:       body,
		ReceivedAt: h.now().UTC(),
	}
	if err := h.dispatcher.Dispatch(r.Context(), delivery); err != nil {
		h.logger.Error("processing webhook", "provider", providerName, "delivery_id", res.DeliveryID, "error", err)
		if relErr := h.verifier.Release(context.WithoutCancel(r.Context()), providerName, res.DeliveryID); relErr != nil {
			h.logger.Warn("releasing webhook delivery", "provider", providerName, "error", relErr)
		}
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process webhook")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, AcceptedResponse{Status: "accepted", DeliveryID: res.DeliveryID})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, providerName string, err error) {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		h.logger.Error("verifying webhook", "provider", providerName, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to verify webhook")
		return
	}

	status := http.StatusBadRequest
	switch ve.Code {
	case CodeSignatureMissing, CodeSignatureInvalid:
		status = http.StatusUnauthorized
		h.record(r, providerName, audit.ActionSignatureInvalid, map[string]any{"code": ve.Code})
	case CodeReplayAttack:
		status = http.StatusConflict
		h.record(r, providerName, audit.ActionReplayRejected, nil)
	}
	httpserver.RespondError(w, status, ve.Code, ve.Message)
}

func (h *Handler) record(r *http.Request, providerName, action string, detail map[string]any) {
	if h.audit != nil {
		h.audit.LogFromRequest(r, providerName, action, detail)
	}
}
