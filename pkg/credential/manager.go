package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/wisbric/ledgerowl/internal/audit"
	"github.com/wisbric/ledgerowl/pkg/cipherbox"
	"github.com/wisbric/ledgerowl/pkg/provider"
)

const (
	// RefreshWindow is how long before expiry a token is considered stale.
	RefreshWindow = 5 * time.Minute

	scheduledRefreshTimeout = 30 * time.Second

	// minRescheduleDelay is the shortest wait before a credential that was
	// just refreshed is refreshed again by its timer.
	minRescheduleDelay = 30 * time.Second
)

// Refresh outcomes, used as metric labels.
const (
	outcomeSuccess       = "success"
	outcomeRevoked       = "revoked"
	outcomeDecryptFailed = "decrypt_failed"
	outcomeTransient     = "transient"
)

// Encrypter is the CipherBox surface the manager needs.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Gateway refreshes tokens against a provider.
type Gateway interface {
	Refresh(ctx context.Context, encryptedRefreshToken string, tenantID uuid.UUID) (*provider.Tokens, error)
}

// GatewayResolver returns the Gateway for a provider name.
type GatewayResolver func(provider string) (Gateway, error)

// RegistryResolver adapts a provider.Registry into a GatewayResolver.
func RegistryResolver(r *provider.Registry) GatewayResolver {
	return func(name string) (Gateway, error) {
		g, err := r.Gateway(name)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

// Auditor records security events.
type Auditor interface {
	Record(ctx context.Context, tenantID uuid.UUID, provider, action string, detail map[string]any)
}

// Notifier tells a tenant that an integration must be reconnected.
type Notifier interface {
	ReauthRequired(ctx context.Context, tenantID uuid.UUID, provider, reason string) error
}

// Metrics are the optional Prometheus collectors updated by the manager.
type Metrics struct {
	Refreshes    *prometheus.CounterVec
	Deduplicated *prometheus.CounterVec
	Scheduled    prometheus.Gauge
}

// AccessToken is a decrypted, currently valid access token.
type AccessToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithScheduler replaces the default TimerScheduler.
func WithScheduler(s Scheduler) Option { return func(m *Manager) { m.scheduler = s } }

// WithAudit records credential security events.
func WithAudit(a Auditor) Option { return func(m *Manager) { m.audit = a } }

// WithNotifier sends re-authentication notifications.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithMetrics updates the given collectors.
func WithMetrics(mt Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithRefreshLease serializes refreshes of one credential across every
// process sharing the lease. Without it, deduplication is per process.
func WithRefreshLease(l RefreshLease) Option { return func(m *Manager) { m.leases = l } }

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// Manager stores, refreshes and revokes credentials. Refreshes for the same
// (tenant, provider) share a single in-flight provider call; refreshes for
// different credentials run independently.
type Manager struct {
	store     Store
	box       Encrypter
	gateways  GatewayResolver
	scheduler Scheduler
	audit     Auditor
	notifier  Notifier
	leases    RefreshLease
	metrics   Metrics
	logger    *slog.Logger
	now       func() time.Time

	inflight singleflight.Group
	locks    keyLocks
}

// NewManager creates a Manager.
func NewManager(store Store, box Encrypter, gateways GatewayResolver, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		box:      box,
		gateways: gateways,
		logger:   slog.Default(),
		now:      time.Now,
		locks:    keyLocks{m: make(map[string]*sync.Mutex)},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.scheduler == nil {
		m.scheduler = NewTimerScheduler()
	}
	return m
}

// StoreCredentials encrypts tokens, upserts the credential for the pair and
// re-arms its proactive refresh. A nil metadata keeps what was stored before.
func (m *Manager) StoreCredentials(ctx context.Context, tenantID uuid.UUID, providerName string, tokens *provider.Tokens, metadata map[string]any) (*Credential, error) {
	c, err := m.persist(ctx, tenantID, providerName, tokens, metadata, false)
	if err != nil {
		return nil, err
	}
	m.record(ctx, tenantID, providerName, audit.ActionCredentialStored, map[string]any{"expires_at": c.ExpiresAt})
	m.logger.Info("credential stored",
		"event", "credential_stored", "tenant_id", tenantID, "provider", providerName, "expires_at", c.ExpiresAt)
	return c, nil
}

// GetValidAccessToken returns a usable access token for the pair. Tokens
// expiring more than RefreshWindow from now are returned without any
// provider call; otherwise a refresh is performed or joined.
func (m *Manager) GetValidAccessToken(ctx context.Context, tenantID uuid.UUID, providerName string) (*AccessToken, error) {
	c, err := m.store.Get(ctx, tenantID, providerName)
	if errors.Is(err, ErrNotFound) {
		return nil, &AuthError{Code: CodeCredentialsNotFound, TenantID: tenantID, Provider: providerName}
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	if c.Status == StatusNeedsReauth {
		return nil, &AuthError{Code: CodeRefreshTokenInvalid, TenantID: tenantID, Provider: providerName}
	}

	if m.fresh(c) {
		return m.decryptAccess(ctx, c)
	}
	return m.refresh(ctx, c)
}

// RefreshToken forces a refresh of c, joining any refresh already in
// flight for the same pair.
func (m *Manager) RefreshToken(ctx context.Context, c *Credential) (*AccessToken, error) {
	return m.refresh(ctx, c)
}

// Revoke cancels the pending refresh and deletes the credential. It reports
// whether a credential existed.
func (m *Manager) Revoke(ctx context.Context, tenantID uuid.UUID, providerName string) (bool, error) {
	key := timerKey(tenantID, providerName)
	unlock := m.locks.lock(key)
	m.scheduler.Cancel(key)
	existed, err := m.store.Delete(ctx, tenantID, providerName)
	unlock()
	m.updateScheduledGauge()

	if err != nil {
		return false, err
	}
	if existed {
		m.record(ctx, tenantID, providerName, audit.ActionCredentialRevoked, nil)
		m.logger.Info("credential revoked", "event", "credential_revoked", "tenant_id", tenantID, "provider", providerName)
	}
	return existed, nil
}

// Get returns the stored credential for the pair.
func (m *Manager) Get(ctx context.Context, tenantID uuid.UUID, providerName string) (*Credential, error) {
	return m.store.Get(ctx, tenantID, providerName)
}

// List returns every credential of a tenant.
func (m *Manager) List(ctx context.Context, tenantID uuid.UUID) ([]Credential, error) {
	return m.store.ListByTenant(ctx, tenantID)
}

// Resume arms refresh timers for every active stored credential. It is
// called once at process start and returns the number scheduled.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	creds, err := m.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active credentials: %w", err)
	}
	for i := range creds {
		m.schedule(&creds[i], false)
	}
	m.logger.Info("credential refresh timers resumed", "count", len(creds))
	return len(creds), nil
}

// Cleanup cancels every pending refresh. Call it at shutdown.
func (m *Manager) Cleanup() {
	m.scheduler.Stop()
	m.updateScheduledGauge()
}

func (m *Manager) fresh(c *Credential) bool {
	return c.ExpiresAt.After(m.now().Add(RefreshWindow))
}

func (m *Manager) refresh(ctx context.Context, c *Credential) (*AccessToken, error) {
	tenantID, providerName := c.TenantID, c.Provider

	leader := false
	ch := m.inflight.DoChan(c.key(), func() (any, error) {
		leader = true
		// Joined callers may cancel independently; the shared call must not
		// inherit one caller's cancellation.
		return m.doRefresh(context.WithoutCancel(ctx), tenantID, providerName)
	})

	select {
	case res := <-ch:
		if !leader && res.Shared && m.metrics.Deduplicated != nil {
			m.metrics.Deduplicated.WithLabelValues(providerName).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*AccessToken), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) doRefresh(ctx context.Context, tenantID uuid.UUID, providerName string) (*AccessToken, error) {
	c, err := m.store.Get(ctx, tenantID, providerName)
	if errors.Is(err, ErrNotFound) {
		return nil, &AuthError{Code: CodeCredentialsNotFound, TenantID: tenantID, Provider: providerName}
	}
	if err != nil {
		return nil, fmt.Errorf("reloading credential: %w", err)
	}
	if c.Status == StatusNeedsReauth {
		return nil, &AuthError{Code: CodeRefreshTokenInvalid, TenantID: tenantID, Provider: providerName}
	}
	// A previous refresh may have completed between the caller's read and now.
	if m.fresh(c) {
		return m.decryptAccess(ctx, c)
	}

	c, release, done, err := m.leaseRefresh(ctx, c)
	if err != nil {
		return nil, err
	}
	if done {
		return m.decryptAccess(ctx, c)
	}
	defer release()

	gw, err := m.gateways(providerName)
	if err != nil {
		m.countRefresh(providerName, outcomeTransient)
		return nil, &AuthError{Code: CodeOAuthFailed, TenantID: tenantID, Provider: providerName, Err: err}
	}

	tokens, err := gw.Refresh(ctx, c.EncryptedRefreshToken, tenantID)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrRefreshTokenRevoked):
			m.countRefresh(providerName, outcomeRevoked)
			m.flagReauth(ctx, c, "refresh_token_revoked")
			return nil, &AuthError{Code: CodeRefreshTokenInvalid, TenantID: tenantID, Provider: providerName, Err: err}
		case errors.Is(err, cipherbox.ErrDecryptionFailed):
			m.countRefresh(providerName, outcomeDecryptFailed)
			m.flagReauth(ctx, c, "decryption_failed")
			return nil, &AuthError{Code: CodeRefreshTokenInvalid, TenantID: tenantID, Provider: providerName, Err: err}
		}

		m.countRefresh(providerName, outcomeTransient)
		code := CodeOAuthFailed
		if !c.ExpiresAt.After(m.now()) {
			code = CodeTokenExpired
		}
		m.logger.Warn("credential refresh failed",
			"event", "credential_refresh_failed", "tenant_id", tenantID, "provider", providerName, "code", code, "error", err)
		return nil, &AuthError{Code: code, TenantID: tenantID, Provider: providerName, Err: err}
	}

	stored, err := m.persist(ctx, tenantID, providerName, tokens, nil, true)
	if err != nil {
		return nil, err
	}
	m.countRefresh(providerName, outcomeSuccess)
	m.record(ctx, tenantID, providerName, audit.ActionCredentialRefreshed, map[string]any{"expires_at": stored.ExpiresAt})
	m.logger.Info("credential refreshed",
		"event", "credential_refreshed", "tenant_id", tenantID, "provider", providerName, "expires_at", stored.ExpiresAt)

	return &AccessToken{AccessToken: tokens.AccessToken, TokenType: stored.TokenType, ExpiresAt: stored.ExpiresAt}, nil
}

// persist encrypts and upserts tokens under the pair's lock. For refreshes
// the credential must still exist, so a concurrent revoke is not undone.
func (m *Manager) persist(ctx context.Context, tenantID uuid.UUID, providerName string, tokens *provider.Tokens, metadata map[string]any, refreshed bool) (*Credential, error) {
	if tokens == nil || tokens.AccessToken == "" {
		return nil, fmt.Errorf("storing credential: %w", cipherbox.ErrEmptyInput)
	}

	encAccess, err := m.box.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting access token: %w", err)
	}

	var encRefresh string
	if tokens.RefreshToken != "" {
		if encRefresh, err = m.box.Encrypt(tokens.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypting refresh token: %w", err)
		}
	}

	key := timerKey(tenantID, providerName)
	unlock := m.locks.lock(key)
	defer unlock()

	existing, err := m.store.Get(ctx, tenantID, providerName)
	switch {
	case errors.Is(err, ErrNotFound):
		existing = nil
		if refreshed {
			return nil, &AuthError{Code: CodeCredentialsNotFound, TenantID: tenantID, Provider: providerName}
		}
	case err != nil:
		return nil, fmt.Errorf("loading credential: %w", err)
	}

	now := m.now().UTC()
	c := &Credential{
		ID:                   uuid.New(),
		TenantID:             tenantID,
		Provider:             providerName,
		EncryptedAccessToken: encAccess,
		ExpiresAt:            tokens.ExpiresAt.UTC(),
		TokenType:            tokens.TokenType,
		Scope:                tokens.Scope,
		Metadata:             maps.Clone(metadata),
		Status:               StatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if c.TokenType == "" {
		c.TokenType = "Bearer"
	}
	if refreshed {
		c.LastRefreshedAt = &now
	}

	if existing != nil {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
		if metadata == nil {
			c.Metadata = existing.Metadata
		}
		if c.Scope == "" {
			c.Scope = existing.Scope
		}
		if encRefresh == "" {
			encRefresh = existing.EncryptedRefreshToken
		}
	}
	if encRefresh == "" {
		return nil, fmt.Errorf("storing credential without refresh token: %w", cipherbox.ErrEmptyInput)
	}
	c.EncryptedRefreshToken = encRefresh

	if err := m.store.Put(ctx, c); err != nil {
		return nil, fmt.Errorf("storing credential: %w", err)
	}

	m.schedule(c, refreshed)
	return c, nil
}

// schedule arms a refresh at ExpiresAt - RefreshWindow, immediately if that
// moment has passed. After a refresh the delay is at least half the new
// token's lifetime and never below minRescheduleDelay, so tokens shorter
// than RefreshWindow do not refresh back to back. Any earlier timer for the
// pair is replaced.
func (m *Manager) schedule(c *Credential, refreshed bool) {
	now := m.now()
	delay := c.ExpiresAt.Add(-RefreshWindow).Sub(now)
	if refreshed {
		delay = max(delay, c.ExpiresAt.Sub(now)/2, minRescheduleDelay)
	}
	delay = max(delay, 0)

	tenantID, providerName := c.TenantID, c.Provider
	m.scheduler.Schedule(c.key(), delay, func() {
		m.scheduledRefresh(tenantID, providerName)
	})
	m.updateScheduledGauge()
}

// leaseRefresh takes the cross-process refresh lease for c and returns the
// latest stored credential to refresh with. The bool reports that another holder
// refreshed the credential while this one waited; the returned credential is
// then already usable. The release func must be called when it is false.
func (m *Manager) leaseRefresh(ctx context.Context, c *Credential) (*Credential, func(), bool, error) {
	if m.leases == nil {
		return c, func() {}, false, nil
	}
	key := c.key()
	observed := c.ExpiresAt

	ctx, cancel := context.WithTimeout(ctx, RefreshLeaseTTL)
	defer cancel()

	for {
		token, ok, err := m.leases.Acquire(ctx, key, RefreshLeaseTTL)
		if err != nil {
			m.logger.Warn("refresh lease unavailable, refreshing without it",
				"tenant_id", c.TenantID, "provider", c.Provider, "error", err)
			return c, func() {}, false, nil
		}
		drop := func() {
			if !ok {
				return
			}
			rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rcancel()
			if err := m.leases.Release(rctx, key, token); err != nil {
				m.logger.Warn("releasing refresh lease", "tenant_id", c.TenantID, "provider", c.Provider, "error", err)
			}
		}

		latest, err := m.store.Get(ctx, c.TenantID, c.Provider)
		switch {
		case errors.Is(err, ErrNotFound):
			drop()
			return nil, nil, false, &AuthError{Code: CodeCredentialsNotFound, TenantID: c.TenantID, Provider: c.Provider}
		case err != nil:
			drop()
			return nil, nil, false, fmt.Errorf("reloading credential: %w", err)
		case latest.Status == StatusNeedsReauth:
			drop()
			return nil, nil, false, &AuthError{Code: CodeRefreshTokenInvalid, TenantID: c.TenantID, Provider: c.Provider}
		case latest.ExpiresAt.After(observed) || m.fresh(latest):
			drop()
			return latest, nil, true, nil
		case ok:
			return latest, drop, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, false, &AuthError{Code: CodeOAuthFailed, TenantID: c.TenantID, Provider: c.Provider,
				Err: fmt.Errorf("waiting for refresh lease: %w", ctx.Err())}
		case <-time.After(leasePollInterval):
		}
	}
}

// scheduledRefresh runs from a timer. Failures are logged and not retried;
// the next GetValidAccessToken call retries lazily.
func (m *Manager) scheduledRefresh(tenantID uuid.UUID, providerName string) {
	defer m.updateScheduledGauge()

	ctx, cancel := context.WithTimeout(context.Background(), scheduledRefreshTimeout)
	defer cancel()

	c, err := m.store.Get(ctx, tenantID, providerName)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.logger.Warn("scheduled refresh: loading credential", "tenant_id", tenantID, "provider", providerName, "error", err)
		}
		return
	}
	if c.Status != StatusActive {
		return
	}

	if _, err := m.refresh(ctx, c); err != nil {
		m.logger.Warn("scheduled credential refresh failed",
			"event", "scheduled_refresh_failed", "tenant_id", tenantID, "provider", providerName, "error", err)
	}
}

// flagReauth marks the credential unusable until the user reconnects.
func (m *Manager) flagReauth(ctx context.Context, c *Credential, reason string) {
	key := c.key()

	unlock := m.locks.lock(key)
	m.scheduler.Cancel(key)
	current, err := m.store.Get(ctx, c.TenantID, c.Provider)
	if err == nil {
		current.Status = StatusNeedsReauth
		current.LastError = reason
		current.UpdatedAt = m.now().UTC()
		err = m.store.Put(ctx, current)
	}
	unlock()
	m.updateScheduledGauge()

	if err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Error("flagging credential for reauth", "tenant_id", c.TenantID, "provider", c.Provider, "error", err)
	}

	m.logger.Warn("credential requires re-authentication",
		"event", "credential_reauth_required", "tenant_id", c.TenantID, "provider", c.Provider, "reason", reason)
	m.record(ctx, c.TenantID, c.Provider, audit.ActionReauthRequired, map[string]any{"reason": reason})

	if m.notifier != nil {
		if err := m.notifier.ReauthRequired(ctx, c.TenantID, c.Provider, reason); err != nil {
			m.logger.Warn("sending reauth notification", "tenant_id", c.TenantID, "provider", c.Provider, "error", err)
		}
	}
}

func (m *Manager) decryptAccess(ctx context.Context, c *Credential) (*AccessToken, error) {
	access, err := m.box.Decrypt(c.EncryptedAccessToken)
	if err != nil {
		m.flagReauth(ctx, c, "decryption_failed")
		return nil, &AuthError{Code: CodeRefreshTokenInvalid, TenantID: c.TenantID, Provider: c.Provider, Err: cipherbox.ErrDecryptionFailed}
	}
	return &AccessToken{AccessToken: access, TokenType: c.TokenType, ExpiresAt: c.ExpiresAt}, nil
}

func (m *Manager) record(ctx context.Context, tenantID uuid.UUID, providerName, action string, detail map[string]any) {
	if m.audit != nil {
		m.audit.Record(ctx, tenantID, providerName, action, detail)
	}
}

func (m *Manager) countRefresh(providerName, outcome string) {
	if m.metrics.Refreshes != nil {
		m.metrics.Refreshes.WithLabelValues(providerName, outcome).Inc()
	}
}

func (m *Manager) updateScheduledGauge() {
	if m.metrics.Scheduled != nil {
		m.metrics.Scheduled.Set(float64(m.scheduler.Pending()))
	}
}

// keyLocks hands out one mutex per (tenant, provider) key.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
