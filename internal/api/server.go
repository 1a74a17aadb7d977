// Package api exposes the operational HTTP surface: queue inspection and
// campaign/warmup lifecycle controls. Entity CRUD lives elsewhere; this
// server only steers the engine.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mailtide/mailtide/internal/queue"
	"github.com/mailtide/mailtide/internal/store"
)

// Config holds the API server settings.
type Config struct {
	ListenAddr string `yaml:"listen"`
	APIKey     string `yaml:"api_key"`
}

// Trigger runs an immediate scheduling pass for one campaign.
type Trigger interface {
	Trigger(ctx context.Context, campaignID string) error
}

// Server is the HTTP API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	queue      queue.Store
	db         *store.DB
	trigger    Trigger
	config     Config
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(q queue.Store, db *store.DB, trigger Trigger, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		queue:     q,
		db:        db,
		trigger:   trigger,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/queue/jobs", s.handleQueueJobs)

		r.Post("/campaigns/{id}/trigger", s.handleCampaignTrigger)
		r.Post("/campaigns/{id}/pause", s.handleCampaignPause)
		r.Post("/campaigns/{id}/resume", s.handleCampaignResume)

		r.Post("/warmups/{id}/pause", s.handleWarmupPause)
		r.Post("/warmups/{id}/resume", s.handleWarmupResume)
	})
}

// Handler returns the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
