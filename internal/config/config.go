package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all LedgerOwl configuration loaded from the environment.
// Provider OAuth client credentials are deliberately absent: they are
// resolved lazily per provider by the provider registry.
type Config struct {
	Mode string `env:"APP_MODE" envDefault:"api"`

	// Server
	Host string `env:"APP_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"APP_PORT" envDefault:"8080"`

	// Database
	DatabaseURL   string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/ledgerowl?sslmode=disable"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Redis
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Metrics
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Secrets
	MasterSecret  string `env:"LEDGEROWL_MASTER_SECRET"`
	WebhookSecret string `env:"LEDGEROWL_WEBHOOK_SECRET"`
	AdminToken    string `env:"LEDGEROWL_ADMIN_TOKEN"`

	// Per-provider webhook signing secrets, e.g. "xero:abc,quickbooks:def".
	ProviderWebhookSecrets map[string]string `env:"LEDGEROWL_PROVIDER_WEBHOOK_SECRETS" envSeparator:"," envKeyValSeparator:":"`

	// Integrations
	ProvidersFile      string `env:"LEDGEROWL_PROVIDERS_FILE"`
	ConnectRedirectURL string `env:"LEDGEROWL_CONNECT_REDIRECT_URL"`

	// ReplayCache selects the webhook replay cache backend: redis or memory.
	ReplayCache string `env:"LEDGEROWL_REPLAY_CACHE" envDefault:"redis"`

	// Failed API key attempts allowed per client IP within the window.
	AuthMaxFailures   int           `env:"LEDGEROWL_AUTH_MAX_FAILURES" envDefault:"10"`
	AuthFailureWindow time.Duration `env:"LEDGEROWL_AUTH_FAILURE_WINDOW" envDefault:"15m"`

	// Slack
	SlackBotToken string `env:"SLACK_BOT_TOKEN"`
	SlackChannel  string `env:"SLACK_REAUTH_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that the api and worker modes cannot run without.
func (c *Config) Validate() error {
	switch c.Mode {
	case "api", "worker":
	default:
		return fmt.Errorf("unknown mode %q (expected api or worker)", c.Mode)
	}
	switch c.ReplayCache {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown replay cache %q (expected redis or memory)", c.ReplayCache)
	}
	if c.MasterSecret == "" {
		return fmt.Errorf("LEDGEROWL_MASTER_SECRET is required")
	}
	return nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
