package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mailloft/mailloft/internal/config"
	"github.com/mailloft/mailloft/internal/models"
	"github.com/mailloft/mailloft/internal/orchestrator"
)

// Sender runs one send attempt for a campaign.
type Sender interface {
	Execute(ctx context.Context, campaignID, tenantID string, isRecurring bool) (*orchestrator.Result, error)
}

// ScheduleManager recompiles and swaps a recurring campaign's trigger.
type ScheduleManager interface {
	RefreshSchedule(ctx context.Context, campaignID, tenantID string) (string, error)
}

// SuppressionSink accepts deny-list entries from provider webhooks.
type SuppressionSink interface {
	Add(ctx context.Context, entry *models.SuppressionEntry) error
}

// CampaignReader serves campaign status lookups.
type CampaignReader interface {
	GetByID(ctx context.Context, id, tenantID string) (*models.Campaign, error)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	sender     Sender
	schedules  ScheduleManager
	suppressed SuppressionSink
	campaigns  CampaignReader
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(sender Sender, schedules ScheduleManager, suppressed SuppressionSink,
	campaigns CampaignReader, cfg *config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		sender:     sender,
		schedules:  schedules,
		suppressed: suppressed,
		campaigns:  campaigns,
		config:     cfg,
		logger:     logger,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// Provider webhooks authenticate with the same API key but carry
	// their tenant in the payload.
	s.router.Route("/webhooks", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/provider", s.handleProviderWebhook)
	})

	// API v1 routes (auth + tenant scoping required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.tenantMiddleware)

		r.Get("/campaigns/{id}", s.handleCampaignStatus)
		r.Post("/campaigns/{id}/send", s.handleSendCampaign)
		r.Post("/campaigns/{id}/schedule/refresh", s.handleRefreshSchedule)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // manual sends run inline
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
