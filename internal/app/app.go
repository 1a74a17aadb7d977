// Package app wires the engine together: stores, queue, schedulers, the
// delivery pool and the HTTP surfaces.
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

	"github.com/mailtide/mailtide/internal/api"
	"github.com/mailtide/mailtide/internal/config"
	"github.com/mailtide/mailtide/internal/deliver"
	"github.com/mailtide/mailtide/internal/identity"
	"github.com/mailtide/mailtide/internal/metrics"
	"github.com/mailtide/mailtide/internal/queue"
	"github.com/mailtide/mailtide/internal/ratelimit"
	"github.com/mailtide/mailtide/internal/scheduler"
	"github.com/mailtide/mailtide/internal/store"
	"github.com/mailtide/mailtide/internal/transport"
)

// App is the main application.
type App struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue       *queue.BoltStore
	cleaner     *queue.Cleaner
	db          *store.DB
	limiter     *ratelimit.Limiter
	factory     *transport.Factory
	resolver    *identity.Resolver
	pool        *deliver.Pool
	warmupSched *scheduler.WarmupScheduler
	campSched   *scheduler.CampaignScheduler

	apiServer     *api.Server
	metricsServer *metrics.Server
}

// New creates the application with all components wired.
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)
	m := metrics.New()

	q, err := queue.NewBoltStore(cfg.Storage.QueuePath, queue.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Base:        cfg.Queue.RetryBase,
		Max:         cfg.Queue.RetryMax,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	cleaner := queue.NewCleaner(q, queue.CleanerConfig{
		CompletedMaxAge:   cfg.Queue.CompletedMaxAge,
		CompletedInterval: cfg.Queue.CompletedCleanupInterval,
		DeadMaxAge:        cfg.Queue.DeadMaxAge,
		DeadMaxCount:      cfg.Queue.DeadMaxCount,
		DeadInterval:      cfg.Queue.DeadCleanupInterval,
	}, logger.With("component", "cleaner"))

	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Rate counters share the queue's bolt file.
	limiter, err := ratelimit.NewLimiter(q.DB(), cfg.RateLimit)
	if err != nil {
		q.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	factory, err := transport.NewFactory(transport.RelayConfig{
		Host:         cfg.Relay.Host,
		Port:         cfg.Relay.Port,
		Username:     cfg.Relay.Username,
		Password:     cfg.Relay.Password,
		Security:     transport.Security(cfg.Relay.Security),
		DKIMKeyFile:  cfg.Relay.DKIMKeyFile,
		DKIMDomain:   cfg.Relay.DKIMDomain,
		DKIMSelector: cfg.Relay.DKIMSelector,
	}, cfg.Server.Hostname, 30*time.Second, logger.With("component", "transport"))
	if err != nil {
		q.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create transport factory: %w", err)
	}

	resolver := identity.NewResolver(db.Identities, factory, cfg.OAuth.Google, cfg.OAuth.Microsoft, m, logger)

	pool := deliver.NewPool(q, resolver, limiter, db, m, cfg.Delivery, logger)

	// Schedulers see a queue that counts enqueues.
	countingQueue := &meteredQueue{Store: q, metrics: m}
	warmupSched := scheduler.NewWarmupScheduler(db.Warmups, countingQueue, cfg.Warmup.WarmupConfig, logger)
	campSched := scheduler.NewCampaignScheduler(db.Campaigns, db.Leads, countingQueue, logger)

	apiServer := api.NewServer(q, db, campSched, cfg.API, logger.With("component", "api"))

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
	}

	return &App{
		config:        cfg,
		logger:        logger,
		metrics:       m,
		queue:         q,
		cleaner:       cleaner,
		db:            db,
		limiter:       limiter,
		factory:       factory,
		resolver:      resolver,
		pool:          pool,
		warmupSched:   warmupSched,
		campSched:     campSched,
		apiServer:     apiServer,
		metricsServer: metricsServer,
	}, nil
}

// Run starts all components and waits for shutdown.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailtide",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"workers", a.config.Delivery.Workers)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.pool.Start(ctx)
	a.cleaner.Start(ctx)

	go a.schedulerLoop(ctx, "warmup", a.config.Warmup.Interval, a.warmupSched.RunOnce)
	go a.schedulerLoop(ctx, "campaigns", a.config.Campaigns.Interval, a.campSched.RunOnce)
	go a.queueDepthLoop(ctx)

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.metricsServer != nil {
		go func() {
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

// schedulerLoop runs one scheduling pass immediately, then on every tick.
func (a *App) schedulerLoop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	if err := run(ctx); err != nil {
		a.logger.Error("scheduler pass failed", "scheduler", name, "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				a.logger.Error("scheduler pass failed", "scheduler", name, "error", err)
			}
		}
	}
}

// queueDepthLoop keeps the queue depth gauges fresh.
func (a *App) queueDepthLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := a.queue.Stats(ctx)
			if err != nil {
				continue
			}
			a.metrics.QueueDepth.WithLabelValues("waiting").Set(float64(stats.Waiting))
			a.metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
			a.metrics.QueueDepth.WithLabelValues("active").Set(float64(stats.Active))
			a.metrics.QueueDepth.WithLabelValues("failed").Set(float64(stats.Failed))
		}
	}
}

// Shutdown gracefully shuts down all components. Schedulers and the pool stop
// first so nothing new enters the pipeline, then the stores close.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	a.pool.Stop()
	a.cleaner.Stop()

	if err := a.limiter.Close(); err != nil {
		a.logger.Error("rate limiter close error", "error", err)
	}

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.factory.Close(); err != nil {
		a.logger.Error("transport factory close error", "error", err)
	}
	if err := a.queue.Close(); err != nil {
		a.logger.Error("queue close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// meteredQueue counts successful enqueues by owner kind.
type meteredQueue struct {
	queue.Store
	metrics *metrics.Metrics
}

func (m *meteredQueue) Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error {
	err := m.Store.Enqueue(ctx, job, delay)
	if err == nil {
		m.metrics.JobsEnqueuedTotal.WithLabelValues(string(job.OwnerKind)).Inc()
	}
	return err
}

// setupLogger creates a logger based on configuration.
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
