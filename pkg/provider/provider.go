// Package provider talks to the OAuth authorization servers of external
// accounting platforms.
package provider

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Built-in provider names.
const (
	Xero       = "xero"
	QuickBooks = "quickbooks"
)

// RetryPolicy bounds code-exchange retries. Delays grow exponentially from
// InitialInterval, doubling up to MaxInterval.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultRetryPolicy is used for any provider that does not set its own.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Definition is the static, non-secret configuration of a provider.
type Definition struct {
	Name                   string            `yaml:"name"`
	DisplayName            string            `yaml:"display_name"`
	AuthURL                string            `yaml:"auth_url"`
	TokenURL               string            `yaml:"token_url"`
	APIBaseURL             string            `yaml:"api_base_url"`
	Scopes                 []string          `yaml:"scopes"`
	AuthParams             map[string]string `yaml:"auth_params"`
	WebhookSignatureHeader string            `yaml:"webhook_signature_header"`
	Retry                  RetryPolicy       `yaml:"retry"`
}

// BuiltinDefinitions returns the providers LedgerOwl knows out of the box.
func BuiltinDefinitions() map[string]Definition {
	return map[string]Definition{
		Xero: {
			Name:        Xero,
			DisplayName: "Xero",
			AuthURL:     "https://login.xero.com/identity/connect/authorize",
			TokenURL:    "https://identity.xero.com/connect/token",
			APIBaseURL:  "https://api.xero.com/api.xro/2.0",
			Scopes: []string{
				"openid", "profile", "email", "offline_access",
				"accounting.transactions", "accounting.contacts", "accounting.settings", "accounting.reports.read",
			},
			WebhookSignatureHeader: "X-Xero-Signature",
			Retry:                  DefaultRetryPolicy,
		},
		QuickBooks: {
			Name:                   QuickBooks,
			DisplayName:            "QuickBooks Online",
			AuthURL:                "https://appcenter.intuit.com/connect/oauth2",
			TokenURL:               "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer",
			APIBaseURL:             "https://quickbooks.api.intuit.com/v3",
			Scopes:                 []string{"com.intuit.quickbooks.accounting"},
			WebhookSignatureHeader: "Intuit-Signature",
			Retry:                  DefaultRetryPolicy,
		},
	}
}

type definitionsFile struct {
	Providers []Definition `yaml:"providers"`
}

// LoadDefinitions returns the built-in definitions overlaid with those in
// the YAML file at path. Fields set in the file replace the built-in value;
// unknown names add new providers. An empty path returns the built-ins.
func LoadDefinitions(path string) (map[string]Definition, error) {
	defs := BuiltinDefinitions()
	if path == "" {
		return defs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading providers file: %w", err)
	}
	return mergeDefinitions(defs, data)
}

func mergeDefinitions(defs map[string]Definition, data []byte) (map[string]Definition, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing providers file: %w", err)
	}

	for _, d := range file.Providers {
		name := normalizeName(d.Name)
		if name == "" {
			return nil, errors.New("providers file: entry without name")
		}
		merged := overlay(defs[name], d)
		merged.Name = name
		if merged.AuthURL == "" || merged.TokenURL == "" {
			return nil, fmt.Errorf("providers file: %s needs auth_url and token_url", name)
		}
		defs[name] = merged
	}
	return defs, nil
}

func overlay(base, o Definition) Definition {
	if o.DisplayName != "" {
		base.DisplayName = o.DisplayName
	}
	if o.AuthURL != "" {
		base.AuthURL = o.AuthURL
	}
	if o.TokenURL != "" {
		base.TokenURL = o.TokenURL
	}
	if o.APIBaseURL != "" {
		base.APIBaseURL = o.APIBaseURL
	}
	if len(o.Scopes) > 0 {
		base.Scopes = o.Scopes
	}
	if len(o.AuthParams) > 0 {
		base.AuthParams = o.AuthParams
	}
	if o.WebhookSignatureHeader != "" {
		base.WebhookSignatureHeader = o.WebhookSignatureHeader
	}
	if o.Retry.MaxAttempts > 0 {
		base.Retry.MaxAttempts = o.Retry.MaxAttempts
	}
	if o.Retry.InitialInterval > 0 {
		base.Retry.InitialInterval = o.Retry.InitialInterval
	}
	if o.Retry.MaxInterval > 0 {
		base.Retry.MaxInterval = o.Retry.MaxInterval
	}
	return base
}

// SortedNames returns the provider names in defs in lexical order.
func SortedNames(defs map[string]Definition) []string {
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Tokens is a transient OAuth token set. It is never persisted as is.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	TokenType    string
	Scope        string
}

// ConfigurationError reports provider client credentials missing from the
// environment. It is fatal for the call and never retried.
type ConfigurationError struct {
	Provider string
	Missing  []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %s is not configured: missing %s", e.Provider, strings.Join(e.Missing, ", "))
}

// ErrUnknownProvider is returned for provider names with no definition.
var ErrUnknownProvider = errors.New("unknown provider")

// ExchangeError reports a failed authorization code exchange.
type ExchangeError struct {
	TenantID   uuid.UUID
	Provider   string
	StatusCode int
	Err        error
}

func (e *ExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("oauth exchange failed for tenant %s provider %s (status %d): %v", e.TenantID, e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("oauth exchange failed for tenant %s provider %s: %v", e.TenantID, e.Provider, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// ErrRefreshTokenRevoked marks a refresh token the provider permanently
// rejected. The user must reconnect.
var ErrRefreshTokenRevoked = errors.New("refresh_token_revoked")

// RefreshError reports a failed refresh grant. Revoked failures match
// ErrRefreshTokenRevoked with errors.Is; all others are transient.
type RefreshError struct {
	Provider   string
	Revoked    bool
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	kind := "transient"
	if e.Revoked {
		kind = ErrRefreshTokenRevoked.Error()
	}
	return fmt.Sprintf("refresh failed for provider %s (%s, status %d): %v", e.Provider, kind, e.StatusCode, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshTokenRevoked && e.Revoked
}
