package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mailloft/mailloft/internal/api"
	"github.com/mailloft/mailloft/internal/config"
	"github.com/mailloft/mailloft/internal/dispatch"
	"github.com/mailloft/mailloft/internal/metrics"
	"github.com/mailloft/mailloft/internal/models"
	"github.com/mailloft/mailloft/internal/orchestrator"
	"github.com/mailloft/mailloft/internal/repository"
	"github.com/mailloft/mailloft/internal/scheduler"
	"github.com/mailloft/mailloft/internal/suppression"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *repository.DB
	redisClient   *redis.Client
	apiServer     *api.Server
	metricsServer *http.Server
	scheduler     *scheduler.Scheduler
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := repository.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	campaigns := repository.NewCampaignRepository(db)
	tenants := repository.NewTenantRepository(db)
	contacts := repository.NewContactRepository(db)
	events := repository.NewEventRepository(db)
	suppressions := repository.NewSuppressionRepository(db)

	// Optional Redis-backed suppression cache. Without it the gate
	// reads straight from the database.
	var redisClient *redis.Client
	var cache *suppression.Cache
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = suppression.NewCache(redisClient, cfg.Redis.TTL)
		logger.Info("suppression cache enabled", "addr", cfg.Redis.Addr)
	}
	gate := suppression.NewGate(suppressions, cache, logger)

	provider, err := buildProvider(&cfg.Provider)
	if err != nil {
		return nil, err
	}
	logger.Info("mail provider configured", "type", cfg.Provider.Type)

	platform := models.SenderIdentity{
		Domain:    cfg.Provider.DefaultDomain,
		FromEmail: cfg.Provider.DefaultFromEmail,
		FromName:  cfg.Provider.DefaultFromName,
	}
	var m *metrics.Metrics
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: mux,
		}
	}

	dispatcher := dispatch.NewClient(provider, platform, dispatch.Config{
		ChunkSize:     cfg.Dispatch.ChunkSize,
		ChunkTimeout:  cfg.Dispatch.ChunkTimeout,
		ChunkInterval: cfg.Dispatch.ChunkInterval,
	}, m, logger)

	orch := orchestrator.New(campaigns, contacts, gate, events, tenants, dispatcher, m, logger)
	sched := scheduler.New(campaigns, orch, cfg.Scheduler.TickInterval,
		cfg.Scheduler.DefaultTimezone, m, logger)

	apiServer := api.NewServer(orch, sched, gate, campaigns,
		&cfg.Server, logger.With("component", "api"))

	return &App{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		scheduler:     sched,
		logger:        logger,
	}, nil
}

// buildProvider selects the configured mail provider.
func buildProvider(cfg *config.ProviderConfig) (dispatch.Provider, error) {
	switch cfg.Type {
	case "mailgun":
		return dispatch.NewMailgunProvider(cfg.Mailgun.BaseURL, cfg.Mailgun.APIKey), nil
	case "smtp":
		return dispatch.NewSMTPProvider(cfg.SMTP.Host, cfg.SMTP.Port,
			cfg.SMTP.Username, cfg.SMTP.Password), nil
	}
	return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailloft",
		"api_addr", a.config.Server.ListenAddr,
		"provider", a.config.Provider.Type,
		"tick_interval", a.config.Scheduler.TickInterval.String(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.scheduler.Start()

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
			a.logger.Info("starting metrics server", "addr", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the scheduler first so no new sends start during shutdown.
	a.scheduler.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("redis close error", "error", err)
		}
	}

	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
