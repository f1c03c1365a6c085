package provider

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ClientCredentials are the secret, per-deployment OAuth client settings of
// a provider, read from <PROVIDER>_CLIENT_ID, <PROVIDER>_CLIENT_SECRET and
// <PROVIDER>_REDIRECT_URI.
type ClientCredentials struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURI  string `env:"REDIRECT_URI"`
}

// EnvPrefix returns the environment variable prefix for a provider name.
func EnvPrefix(provider string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(provider)) + "_"
}

// LoadClientCredentials resolves a provider's client credentials. environ
// overrides the process environment when non-nil. Missing values yield a
// ConfigurationError listing every absent variable.
func LoadClientCredentials(provider string, environ map[string]string) (ClientCredentials, error) {
	prefix := EnvPrefix(provider)

	var creds ClientCredentials
	if err := env.ParseWithOptions(&creds, env.Options{Prefix: prefix, Environment: environ}); err != nil {
		return ClientCredentials{}, fmt.Errorf("parsing %s credentials: %w", provider, err)
	}

	var missing []string
	if creds.ClientID == "" {
		missing = append(missing, prefix+"CLIENT_ID")
	}
	if creds.ClientSecret == "" {
		missing = append(missing, prefix+"CLIENT_SECRET")
	}
	if creds.RedirectURI == "" {
		missing = append(missing, prefix+"REDIRECT_URI")
	}
	if len(missing) > 0 {
		return ClientCredentials{}, &ConfigurationError{Provider: provider, Missing: missing}
	}
	return creds, nil
}
