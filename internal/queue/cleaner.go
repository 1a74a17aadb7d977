package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings.
type CleanerConfig struct {
	// Completed jobs are purged after a short window.
	CompletedMaxAge   time.Duration
	CompletedInterval time.Duration

	// Dead jobs are retained longer for operator inspection, with a count
	// bound so the dead set cannot grow without limit.
	DeadMaxAge   time.Duration
	DeadMaxCount int
	DeadInterval time.Duration
}

// Cleaner purges terminal jobs on a schedule.
type Cleaner struct {
	store  *BoltStore
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner.
func NewCleaner(store *BoltStore, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the cleanup loops.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.CompletedMaxAge > 0 && c.cfg.CompletedInterval > 0 {
		c.wg.Add(1)
		go c.loop(ctx, c.cfg.CompletedInterval, c.runCompletedCleanup)
	}

	if (c.cfg.DeadMaxAge > 0 || c.cfg.DeadMaxCount > 0) && c.cfg.DeadInterval > 0 {
		c.wg.Add(1)
		go c.loop(ctx, c.cfg.DeadInterval, c.runDeadCleanup)
	}

	c.logger.Info("cleaner started",
		"completed_max_age", c.cfg.CompletedMaxAge,
		"dead_max_age", c.cfg.DeadMaxAge,
		"dead_max_count", c.cfg.DeadMaxCount,
	)
}

// Stop stops the cleaner and waits for the loops to finish.
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (c *Cleaner) runCompletedCleanup(ctx context.Context) {
	deleted, err := c.store.CleanupCompleted(ctx, c.cfg.CompletedMaxAge)
	if err != nil {
		c.logger.Error("failed to clean up completed jobs", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("cleaned up completed jobs", "deleted", deleted)
	}
}

func (c *Cleaner) runDeadCleanup(ctx context.Context) {
	deleted, err := c.store.CleanupDead(ctx, c.cfg.DeadMaxAge, c.cfg.DeadMaxCount)
	if err != nil {
		c.logger.Error("failed to clean up dead jobs", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("cleaned up dead jobs", "deleted", deleted)
	}
}
