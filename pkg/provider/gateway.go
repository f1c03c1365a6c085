package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/wisbric/ledgerowl/pkg/cipherbox"
)

const (
	requestTimeout     = 10 * time.Second
	defaultTokenExpiry = 3600 * time.Second
	defaultTokenType   = "Bearer"

	grantAuthorizationCode = "authorization_code"
	grantRefreshToken      = "refresh_token"
)

// Decrypter recovers plaintext refresh tokens. *cipherbox.Box satisfies it.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Gateway talks to a single provider's OAuth authorization server.
// It is safe for concurrent use.
type Gateway struct {
	def      Definition
	oauth    *oauth2.Config
	box      Decrypter
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time
	duration *prometheus.HistogramVec
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = c }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithClock replaces time.Now for expiry computation.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// WithRequestDuration observes token endpoint latency labelled by provider
// and grant type.
func WithRequestDuration(h *prometheus.HistogramVec) GatewayOption {
	return func(g *Gateway) { g.duration = h }
}

// NewGateway creates a Gateway for def using the given client credentials.
func NewGateway(def Definition, creds ClientCredentials, box Decrypter, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		def: def,
		oauth: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Scopes:       def.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   def.AuthURL,
				TokenURL:  def.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		box:    box,
		client: &http.Client{Timeout: requestTimeout},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Provider returns the provider name.
func (g *Gateway) Provider() string { return g.def.Name }

// Definition returns the static provider configuration.
func (g *Gateway) Definition() Definition { return g.def }

// AuthorizationURL builds the consent redirect URL. The caller owns state
// generation and verification on callback.
func (g *Gateway) AuthorizationURL(state string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(g.def.AuthParams))
	for k, v := range g.def.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return g.oauth.AuthCodeURL(state, opts...)
}

// ExchangeCode trades an authorization code for tokens. Transport failures,
// 429 and 5xx responses are retried under the provider's retry policy; any
// other failure ends the exchange since the code may already be consumed.
func (g *Gateway) ExchangeCode(ctx context.Context, code string, tenantID uuid.UUID) (*Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)

	var (
		tok     *oauth2.Token
		attempt int
	)
	op := func() error {
		attempt++
		start := time.Now()
		t, err := g.oauth.Exchange(ctx, code)
		g.observe(grantAuthorizationCode, start)
		if err != nil {
			if !retryableExchange(ctx, err) {
				return backoff.Permanent(err)
			}
			g.logger.Warn("oauth code exchange attempt failed",
				"tenant_id", tenantID, "provider", g.def.Name, "attempt", attempt, "error", err)
			return err
		}
		tok = t
		return nil
	}

	if err := backoff.Retry(op, g.retryPolicy(ctx)); err != nil {
		g.logger.Error("oauth code exchange failed",
			"event", "oauth_exchange_failed", "tenant_id", tenantID, "provider", g.def.Name,
			"attempts", attempt, "error", err)
		return nil, &ExchangeError{TenantID: tenantID, Provider: g.def.Name, StatusCode: statusCode(err), Err: err}
	}
	return g.tokens(tok), nil
}

// Refresh decrypts encryptedRefreshToken and performs a single refresh_token
// grant. A 4xx response other than 429 is reported as revoked.
func (g *Gateway) Refresh(ctx context.Context, encryptedRefreshToken string, tenantID uuid.UUID) (*Tokens, error) {
	refreshToken, err := g.box.Decrypt(encryptedRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypting refresh token for %s: %w", g.def.Name, cipherbox.ErrDecryptionFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	start := time.Now()
	tok, err := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	g.observe(grantRefreshToken, start)
	if err != nil {
		code := statusCode(err)
		revoked := code >= 400 && code < 500 && code != http.StatusTooManyRequests
		g.logger.Warn("oauth refresh failed",
			"tenant_id", tenantID, "provider", g.def.Name, "status", code, "revoked", revoked)
		return nil, &RefreshError{Provider: g.def.Name, Revoked: revoked, StatusCode: code, Err: err}
	}
	return g.tokens(tok), nil
}

func (g *Gateway) retryPolicy(ctx context.Context) backoff.BackOff {
	p := g.def.Retry
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultRetryPolicy.MaxInterval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = 2
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
}

func (g *Gateway) observe(grant string, start time.Time) {
	if g.duration != nil {
		g.duration.WithLabelValues(g.def.Name, grant).Observe(time.Since(start).Seconds())
	}
}

// tokens converts an oauth2 token, computing expiry from our own clock so
// a missing expires_in falls back to one hour.
func (g *Gateway) tokens(t *oauth2.Token) *Tokens {
	now := g.now()

	var expiresAt time.Time
	switch secs := expiresIn(t); {
	case secs > 0:
		expiresAt = now.Add(time.Duration(secs) * time.Second)
	case !t.Expiry.IsZero():
		expiresAt = t.Expiry
	default:
		expiresAt = now.Add(defaultTokenExpiry)
	}

	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = defaultTokenType
	}

	scope, _ := t.Extra("scope").(string)

	return &Tokens{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    expiresAt,
		TokenType:    tokenType,
		Scope:        scope,
	}
}

func expiresIn(t *oauth2.Token) int64 {
	if t.ExpiresIn > 0 {
		return t.ExpiresIn
	}
	switch v := t.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func retryableExchange(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if code := statusCode(err); code != 0 {
		return code == http.StatusTooManyRequests || code >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func statusCode(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}
