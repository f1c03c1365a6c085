package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/ledgerowl/internal/audit"
	"github.com/wisbric/ledgerowl/internal/auth"
	"github.com/wisbric/ledgerowl/internal/config"
	"github.com/wisbric/ledgerowl/internal/httpserver"
	"github.com/wisbric/ledgerowl/internal/platform"
	"github.com/wisbric/ledgerowl/internal/seed"
	"github.com/wisbric/ledgerowl/internal/telemetry"
	"github.com/wisbric/ledgerowl/pkg/apikey"
	"github.com/wisbric/ledgerowl/pkg/cipherbox"
	"github.com/wisbric/ledgerowl/pkg/credential"
	"github.com/wisbric/ledgerowl/pkg/provider"
	"github.com/wisbric/ledgerowl/pkg/slack"
	"github.com/wisbric/ledgerowl/pkg/tenant"
	"github.com/wisbric/ledgerowl/pkg/webhook"
)

const (
	shutdownTimeout     = 10 * time.Second
	replaySweepInterval = time.Minute
)

// Run is the main application entry point. It connects to infrastructure,
// applies migrations, and starts the configured mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("starting ledgerowl",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, rdb, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	defer closeRedis(rdb, logger)

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry()

	c, err := newComponents(ctx, cfg, logger, db, rdb)
	if err != nil {
		return err
	}
	defer c.close()

	resumed, err := c.credentials.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resuming credential refreshes: %w", err)
	}
	logger.Info("credential refresh timers armed", "count", resumed)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, c)
	case "worker":
		return runWorker(ctx, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// Migrate applies pending migrations and exits.
func Migrate(cfg *config.Config) error {
	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// IssueAPIKey mints an API key for an existing tenant and returns the raw
// key.
func IssueAPIKey(ctx context.Context, cfg *config.Config, tenantID uuid.UUID, description string) (string, error) {
	if cfg.MasterSecret == "" {
		return "", errors.New("LEDGEROWL_MASTER_SECRET is required")
	}
	box, err := cipherbox.New(cfg.MasterSecret)
	if err != nil {
		return "", fmt.Errorf("initializing cipherbox: %w", err)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if _, err := tenant.NewPostgresStore(db).Get(ctx, tenantID); err != nil {
		return "", fmt.Errorf("loading tenant %s: %w", tenantID, err)
	}

	svc := apikey.NewService(apikey.NewPostgresStore(db), box, slog.Default())
	return svc.Issue(ctx, tenantID, description)
}

// Seed provisions the development tenant and issues a fresh API key for it.
func Seed(ctx context.Context, cfg *config.Config) (*seed.Result, error) {
	if cfg.MasterSecret == "" {
		return nil, errors.New("LEDGEROWL_MASTER_SECRET is required")
	}
	logger := slog.Default()
	box, err := cipherbox.New(cfg.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("initializing cipherbox: %w", err)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	tenants := tenant.NewService(tenant.NewPostgresStore(db), nil, credential.NewPostgresStore(db), logger)
	keys := apikey.NewService(apikey.NewPostgresStore(db), box, logger)
	return seed.Run(ctx, tenants, keys, logger)
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, *redis.Client, error) {
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	logger.Info("connected to postgres and redis")
	return db, rdb, nil
}

func closeRedis(rdb *redis.Client, logger *slog.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Error("closing redis", "error", err)
	}
}

// components are the long-lived services shared by both modes.
type components struct {
	box         *cipherbox.Box
	audit       *audit.Writer
	auditStore  *audit.Store
	tenants     *tenant.Service
	registry    *provider.Registry
	credentials *credential.Manager
	states      credential.StateStore
	apikeys     *apikey.Service
	verifier    *webhook.Verifier
	sweeper     *webhook.MemoryReplayCache
}

func newComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*components, error) {
	box, err := cipherbox.New(cfg.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("initializing cipherbox: %w", err)
	}

	defs, err := provider.LoadDefinitions(cfg.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("loading provider definitions: %w", err)
	}
	logger.Info("provider definitions loaded", "providers", provider.SortedNames(defs))

	c := &components{box: box, auditStore: audit.NewStore(db)}

	// Audit events outlive request contexts; Close flushes what is pending.
	c.audit = audit.NewWriter(c.auditStore, logger)
	c.audit.Start(context.WithoutCancel(ctx))

	credStore := credential.NewPostgresStore(db)
	c.tenants = tenant.NewService(tenant.NewPostgresStore(db), tenant.NewRedisUsageCounter(rdb), credStore, logger)

	c.registry = provider.NewRegistry(defs, box,
		provider.WithLogger(logger),
		provider.WithRequestDuration(telemetry.OAuthRequestDuration),
	)

	notifier := slack.NewNotifier(cfg.SlackBotToken, cfg.SlackChannel, logger,
		slack.WithTenantNames(func(ctx context.Context, id uuid.UUID) (string, error) {
			t, err := c.tenants.Get(ctx, id)
			if err != nil {
				return "", err
			}
			return t.Name, nil
		}),
	)
	if !notifier.IsEnabled() {
		logger.Info("slack reauth notifications disabled")
	}

	c.credentials = credential.NewManager(credStore, box, credential.RegistryResolver(c.registry),
		credential.WithLogger(logger),
		credential.WithAudit(c.audit),
		credential.WithNotifier(notifier),
		credential.WithRefreshLease(credential.NewRedisRefreshLease(rdb)),
		credential.WithMetrics(credential.Metrics{
			Refreshes:    telemetry.CredentialRefreshTotal,
			Deduplicated: telemetry.CredentialRefreshDeduplicated,
			Scheduled:    telemetry.ScheduledRefreshes,
		}),
	)
	c.states = credential.NewRedisStateStore(rdb)
	c.apikeys = apikey.NewService(apikey.NewPostgresStore(db), box, logger)

	var replay webhook.ReplayCache
	switch cfg.ReplayCache {
	case "memory":
		c.sweeper = webhook.NewMemoryReplayCache()
		c.sweeper.Start(replaySweepInterval)
		replay = c.sweeper
		logger.Warn("using in-process webhook replay cache; replays are not detected across instances")
	default:
		replay = webhook.NewRedisReplayCache(rdb)
	}
	c.verifier = webhook.NewVerifier(webhook.Config{
		Secrets:       cfg.ProviderWebhookSecrets,
		DefaultSecret: cfg.WebhookSecret,
		Headers:       webhook.HeadersFromDefinitions(defs),
	}, replay,
		webhook.WithLogger(logger),
		webhook.WithMetrics(telemetry.WebhookVerificationsTotal, telemetry.WebhookReplayCacheDegraded),
	)

	return c, nil
}

// close stops background work: refresh timers first so no new audit events
// are produced, then the audit writer.
func (c *components) close() {
	c.credentials.Cleanup()
	if c.sweeper != nil {
		c.sweeper.Stop()
	}
	c.audit.Close()
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, c *components) error {
	authn := &auth.APIKeyAuthenticator{Verifier: c.box, Lookup: c.apikeys}
	limiter := auth.NewRateLimiter(rdb, cfg.AuthMaxFailures, cfg.AuthFailureWindow)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MetricsPath:        cfg.MetricsPath,
	}, logger, db, rdb, metricsReg,
		auth.Middleware(authn, limiter, logger),
		tenant.Middleware(c.tenants, auth.TenantResolver(), httpserver.RequestIDFromContext, logger),
	)

	integrations := credential.NewHandler(credential.HandlerConfig{
		Logger:      logger,
		Manager:     c.credentials,
		Catalog:     c.registry,
		Connectors:  credential.RegistryConnectors(c.registry),
		States:      c.states,
		Tenants:     c.tenants,
		Audit:       c.audit,
		RedirectURL: cfg.ConnectRedirectURL,
	})

	// Tenant-scoped API.
	srv.APIRouter.Mount("/integrations", integrations.Routes())
	srv.APIRouter.Mount("/apikeys", apikey.NewHandler(logger, c.audit, c.apikeys).Routes())
	srv.APIRouter.Mount("/security-events", audit.NewHandler(logger, c.auditStore).Routes())

	// Browser redirect target and provider push, authenticated by state and
	// signature respectively.
	srv.Router.Mount("/oauth", integrations.CallbackRoutes())
	dispatcher := webhook.NewDispatcher(logger)
	srv.Router.Mount("/webhooks", webhook.NewHandler(logger, c.verifier, dispatcher, c.audit).Routes())

	// Operator API.
	srv.Router.Group(func(r chi.Router) {
		r.Use(httpserver.RequireAdminToken(cfg.AdminToken))
		r.Mount("/admin/tenants", tenant.NewHandler(logger, c.tenants, c.apikeys, c.audit).Routes())
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker only keeps refresh timers alive; it serves no HTTP traffic.
func runWorker(ctx context.Context, logger *slog.Logger) error {
	logger.Info("worker started")
	<-ctx.Done()
	logger.Info("worker stopped")
	return nil
}
