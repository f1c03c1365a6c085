package credential

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/ledgerowl/internal/audit"
	"github.com/wisbric/ledgerowl/internal/httpserver"
	"github.com/wisbric/ledgerowl/pkg/cipherbox"
	"github.com/wisbric/ledgerowl/pkg/provider"
	"github.com/wisbric/ledgerowl/pkg/tenant"
)

const stateBytes = 32

// Connector starts and completes the authorization code flow for a provider.
type Connector interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string, tenantID uuid.UUID) (*provider.Tokens, error)
}

// ConnectorResolver returns the Connector for a provider name.
type ConnectorResolver func(provider string) (Connector, error)

// RegistryConnectors adapts a provider.Registry into a ConnectorResolver.
func RegistryConnectors(r *provider.Registry) ConnectorResolver {
	return func(name string) (Connector, error) {
		g, err := r.Gateway(name)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// Catalog lists the providers a tenant may connect.
type Catalog interface {
	Names() []string
	Definition(name string) (provider.Definition, bool)
}

// TenantGate is the tenant service surface used by the connect flow.
type TenantGate interface {
	ValidateStatus(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	CheckQuota(ctx context.Context, id uuid.UUID) (*tenant.QuotaViolation, error)
}

// RequestAuditor records security events tied to an HTTP request.
type RequestAuditor interface {
	LogFromRequest(r *http.Request, provider, action string, detail map[string]any)
}

// HandlerConfig holds the collaborators of a Handler. Audit may be nil.
type HandlerConfig struct {
	Logger     *slog.Logger
	Manager    *Manager
	Catalog    Catalog
	Connectors ConnectorResolver
	States     StateStore
	Tenants    TenantGate
	Audit      RequestAuditor

	// RedirectURL is where the browser is sent after the OAuth callback.
	// When empty the callback answers with JSON.
	RedirectURL string
}

// Handler serves the integration connect flow and credential endpoints.
type Handler struct {
	HandlerConfig
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{HandlerConfig: cfg}
}

// Routes returns the tenant-scoped integration routes. They expect a tenant
// scope in the request context.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/{provider}/connect", h.handleConnect)
	r.Get("/{provider}", h.handleStatus)
	r.Get("/{provider}/token", h.handleToken)
	r.Delete("/{provider}", h.handleRevoke)
	return r
}

// CallbackRoutes returns the public OAuth redirect target. The tenant is
// recovered from the single-use state.
func (h *Handler) CallbackRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{provider}/callback", h.handleCallback)
	return r
}

// IntegrationSummary describes one provider from the tenant's point of view.
type IntegrationSummary struct {
	Provider    string     `json:"provider"`
	DisplayName string     `json:"display_name"`
	Connected   bool       `json:"connected"`
	Status      Status     `json:"status,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// ConnectResponse is returned by POST /integrations/{provider}/connect.
type ConnectResponse struct {
	AuthorizationURL string `json:"authorization_url"`
}

// TokenErrorResponse adds the reconnect hint to the error envelope.
type TokenErrorResponse struct {
	Error          string `json:"error"`
	Message        string `json:"message"`
	ActionRequired bool   `json:"action_required"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	creds, err := h.Manager.List(r.Context(), tenantID)
	if err != nil {
		h.Logger.Error("listing credentials", "error", err, "tenant_id", tenantID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list integrations")
		return
	}

	byProvider := make(map[string]Credential, len(creds))
	for _, c := range creds {
		byProvider[c.Provider] = c
	}

	items := make([]IntegrationSummary, 0, len(h.Catalog.Names()))
	for _, name := range h.Catalog.Names() {
		def, _ := h.Catalog.Definition(name)
		s := IntegrationSummary{Provider: name, DisplayName: def.DisplayName}
		if c, ok := byProvider[name]; ok {
			expiresAt := c.ExpiresAt
			s.Connected = true
			s.Status = c.Status
			s.ExpiresAt = &expiresAt
			s.LastError = c.LastError
		}
		items = append(items, s)
	}
	httpserver.Respond(w, http.StatusOK, items)
}

func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	name, ok := h.knownProvider(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	connector, err := h.Connectors(name)
	if err != nil {
		h.respondProviderError(w, err, name)
		return
	}

	if _, err := h.Manager.Get(ctx, tenantID, name); errors.Is(err, ErrNotFound) {
		violation, err := h.Tenants.CheckQuota(ctx, tenantID)
		if err != nil {
			h.Logger.Error("checking quota", "error", err, "tenant_id", tenantID)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "quota check failed")
			return
		}
		if violation != nil && violation.Limit == tenant.LimitIntegrations {
			httpserver.RespondError(w, http.StatusForbidden, "quota_exceeded", violation.Error())
			return
		}
	}

	state, err := cipherbox.RandomToken(stateBytes)
	if err != nil {
		h.Logger.Error("generating oauth state", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start connect flow")
		return
	}

	pending := PendingConnect{TenantID: tenantID, Provider: name, CreatedAt: time.Now().UTC()}
	if err := h.States.Save(ctx, state, pending); err != nil {
		h.Logger.Error("saving oauth state", "error", err, "tenant_id", tenantID, "provider", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to start connect flow")
		return
	}

	h.audit(r, name, audit.ActionConnectStarted, nil)
	httpserver.Respond(w, http.StatusOK, ConnectResponse{AuthorizationURL: connector.AuthorizationURL(state)})
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if def, ok := h.Catalog.Definition(name); ok {
		name = def.Name
	}
	q := r.URL.Query()
	ctx := r.Context()

	if denied := q.Get("error"); denied != "" {
		h.finishCallback(w, r, name, "denied", http.StatusBadRequest, "authorization_denied", "the provider did not grant access")
		return
	}

	pending, err := h.States.Consume(ctx, q.Get("state"))
	if err != nil || pending.Provider != name {
		if err != nil && !errors.Is(err, ErrStateNotFound) {
			h.Logger.Error("consuming oauth state", "error", err, "provider", name)
		}
		h.audit(r, name, audit.ActionConnectStateInvalid, nil)
		h.Logger.Warn("oauth callback with invalid state", "event", "connect_state_invalid", "provider", name)
		h.finishCallback(w, r, name, "error", http.StatusBadRequest, "invalid_state", "state is unknown, expired or already used")
		return
	}

	code := q.Get("code")
	if code == "" {
		h.finishCallback(w, r, name, "error", http.StatusBadRequest, "bad_request", "missing authorization code")
		return
	}

	t, err := h.Tenants.ValidateStatus(ctx, pending.TenantID)
	if err != nil {
		var te *tenant.Error
		if errors.As(err, &te) {
			h.finishCallback(w, r, name, "error", http.StatusForbidden, te.Code, "tenant may not connect integrations")
			return
		}
		h.Logger.Error("validating tenant on callback", "error", err, "tenant_id", pending.TenantID)
		h.finishCallback(w, r, name, "error", http.StatusInternalServerError, "internal_error", "tenant lookup failed")
		return
	}

	connector, err := h.Connectors(name)
	if err != nil {
		h.respondProviderError(w, err, name)
		return
	}

	metadata := map[string]any{"connected_at": time.Now().UTC().Format(time.RFC3339)}
	if realm := q.Get("realmId"); realm != "" {
		metadata["realm_id"] = realm
	}

	err = tenant.RunWithContext(ctx, t, r.Header.Get(tenant.CorrelationHeader), func(ctx context.Context) error {
		tokens, err := connector.ExchangeCode(ctx, code, t.ID)
		if err != nil {
			return err
		}
		_, err = h.Manager.StoreCredentials(ctx, t.ID, name, tokens, metadata)
		return err
	})
	if err != nil {
		var xerr *provider.ExchangeError
		if errors.As(err, &xerr) {
			h.finishCallback(w, r, name, "error", http.StatusBadGateway, "oauth_exchange_failed", "the provider rejected the authorization code")
			return
		}
		h.Logger.Error("completing oauth callback", "error", err, "tenant_id", t.ID, "provider", name)
		h.finishCallback(w, r, name, "error", http.StatusInternalServerError, "internal_error", "failed to store credentials")
		return
	}

	h.finishCallback(w, r, name, "connected", http.StatusOK, "", "")
}

// finishCallback redirects the browser back to the UI when configured, and
// otherwise answers with JSON.
func (h *Handler) finishCallback(w http.ResponseWriter, r *http.Request, name, status string, httpStatus int, errCode, message string) {
	if h.RedirectURL != "" {
		u, err := url.Parse(h.RedirectURL)
		if err == nil {
			q := u.Query()
			q.Set("provider", name)
			q.Set("status", status)
			if errCode != "" {
				q.Set("error", errCode)
			}
			u.RawQuery = q.Encode()
			http.Redirect(w, r, u.String(), http.StatusFound)
			return
		}
		h.Logger.Error("parsing connect redirect url", "error", err)
	}

	if errCode != "" {
		httpserver.RespondError(w, httpStatus, errCode, message)
		return
	}
	httpserver.Respond(w, httpStatus, map[string]string{"provider": name, "status": status})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	name, ok := h.knownProvider(w, r)
	if !ok {
		return
	}

	c, err := h.Manager.Get(r.Context(), tenantID, name)
	if errors.Is(err, ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, CodeCredentialsNotFound, "integration is not connected")
		return
	}
	if err != nil {
		h.Logger.Error("getting credential", "error", err, "tenant_id", tenantID, "provider", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get integration")
		return
	}
	httpserver.Respond(w, http.StatusOK, c)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	name, ok := h.knownProvider(w, r)
	if !ok {
		return
	}

	tok, err := h.Manager.GetValidAccessToken(r.Context(), tenantID, name)
	if err != nil {
		var ae *AuthError
		if !errors.As(err, &ae) {
			h.Logger.Error("getting access token", "error", err, "tenant_id", tenantID, "provider", name)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get access token")
			return
		}

		status := http.StatusBadGateway
		switch ae.Code {
		case CodeCredentialsNotFound:
			status = http.StatusNotFound
		case CodeRefreshTokenInvalid:
			status = http.StatusConflict
		}
		httpserver.Respond(w, status, TokenErrorResponse{
			Error:          ae.Code,
			Message:        tokenErrorMessage(ae.Code),
			ActionRequired: ae.ActionRequired(),
		})
		return
	}

	httpserver.Respond(w, http.StatusOK, tok)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	name, ok := h.knownProvider(w, r)
	if !ok {
		return
	}

	existed, err := h.Manager.Revoke(r.Context(), tenantID, name)
	if err != nil {
		h.Logger.Error("revoking credential", "error", err, "tenant_id", tenantID, "provider", name)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to disconnect integration")
		return
	}
	if !existed {
		httpserver.RespondError(w, http.StatusNotFound, CodeCredentialsNotFound, "integration is not connected")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) knownProvider(w http.ResponseWriter, r *http.Request) (string, bool) {
	def, ok := h.Catalog.Definition(chi.URLParam(r, "provider"))
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown provider")
		return "", false
	}
	// Credentials and connect state are keyed by the canonical name.
	return def.Name, true
}

func (h *Handler) respondProviderError(w http.ResponseWriter, err error, name string) {
	var cerr *provider.ConfigurationError
	if errors.As(err, &cerr) {
		h.Logger.Error("provider not configured", "provider", name, "missing", cerr.Missing)
		httpserver.RespondError(w, http.StatusServiceUnavailable, "provider_not_configured", "provider "+name+" is not configured")
		return
	}
	if errors.Is(err, provider.ErrUnknownProvider) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}
	h.Logger.Error("resolving provider", "error", err, "provider", name)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "provider unavailable")
}

func (h *Handler) audit(r *http.Request, name, action string, detail map[string]any) {
	if h.Audit != nil {
		h.Audit.LogFromRequest(r, name, action, detail)
	}
}

func requireTenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id := tenant.CurrentTenantID(r.Context())
	if id == uuid.Nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "tenant context required")
		return uuid.Nil, false
	}
	return id, true
}

func tokenErrorMessage(code string) string {
	switch code {
	case CodeCredentialsNotFound:
		return "integration is not connected"
	case CodeRefreshTokenInvalid:
		return "integration must be reconnected"
	case CodeTokenExpired:
		return "access token expired and could not be refreshed; retry later"
	default:
		return "provider token refresh failed; retry later"
	}
}
