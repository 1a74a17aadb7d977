// Package deliver runs the worker pool that drains the job queue and hands
// messages to transports.
package deliver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailtide/mailtide/internal/metrics"
	"github.com/mailtide/mailtide/internal/queue"
	"github.com/mailtide/mailtide/internal/store"
	"github.com/mailtide/mailtide/internal/transport"
)

// Resolver maps a sender address to a ready transport.
type Resolver interface {
	Resolve(ctx context.Context, email string) (transport.Transport, error)
}

// RateLimiter gates the pool's send rate.
type RateLimiter interface {
	Wait(ctx context.Context) error
	AllowSender(sender string) bool
}

// Config tunes the delivery pool.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// Random human-like delay applied before each send.
	PacingMin time.Duration `yaml:"pacing_min"`
	PacingMax time.Duration `yaml:"pacing_max"`

	SendTimeout time.Duration `yaml:"send_timeout"`
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Minute
	}
	if c.PacingMin == 0 && c.PacingMax == 0 {
		c.PacingMin = 20 * time.Second
		c.PacingMax = 90 * time.Second
	}
	if c.PacingMax < c.PacingMin {
		c.PacingMax = c.PacingMin
	}
}

// Pool consumes the queue with a fixed set of workers.
type Pool struct {
	queue    queue.Store
	resolver Resolver
	limiter  RateLimiter
	db       *store.DB
	metrics  *metrics.Metrics
	cfg      Config
	logger   *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewPool(q queue.Store, resolver Resolver, limiter RateLimiter, db *store.DB, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Pool {
	cfg.setDefaults()
	return &Pool{
		queue:    q,
		resolver: resolver,
		limiter:  limiter,
		db:       db,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With("component", "deliver"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the workers. They run until Stop is called or the context
// ends.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		p.group.Go(func() error {
			p.run(ctx, worker)
			return nil
		})
	}
	p.logger.Info("delivery pool started", "workers", p.cfg.Workers)
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		p.group.Wait()
	}
	p.logger.Info("delivery pool stopped")
}

func (p *Pool) run(ctx context.Context, worker int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything eligible before going back to sleep.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := p.queue.Dequeue(ctx)
			if err != nil {
				p.logger.Error("dequeue failed", "worker", worker, "error", err)
				break
			}
			if job == nil {
				break
			}
			p.process(ctx, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) process(ctx context.Context, job *queue.Job) {
	if p.metrics != nil {
		p.metrics.WorkersBusy.Inc()
		defer p.metrics.WorkersBusy.Dec()
	}

	logger := p.logger.With(
		"job_id", job.ID,
		"owner_kind", job.OwnerKind,
		"from", job.From,
		"to", job.To,
		"attempt", job.Attempts)

	tr, err := p.resolver.Resolve(ctx, job.From)
	if err != nil {
		logger.Error("sender resolution failed", "error", err)
		p.fail(ctx, job, fmt.Errorf("resolve sender: %w", err))
		return
	}

	if err := p.pace(ctx); err != nil {
		// Shutdown mid-wait: nothing was sent, so hand the job back for
		// the next run. The pool context is already cancelled.
		if relErr := p.queue.Release(context.Background(), job.ID); relErr != nil {
			logger.Error("failed to release job on shutdown", "error", relErr)
		}
		return
	}

	if !p.limiter.AllowSender(job.From) {
		logger.Warn("sender daily cap reached, deferring")
		p.fail(ctx, job, &transport.DeliveryError{
			Temporary: true,
			Message:   "sender daily cap reached",
		})
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	result, err := tr.Send(sendCtx, &transport.Message{
		From:     job.From,
		To:       job.To,
		Subject:  job.Subject,
		TextBody: job.TextBody,
		HTMLBody: job.HTMLBody,
	})
	duration := time.Since(start)

	if p.metrics != nil {
		p.metrics.SendDurationSeconds.Observe(duration.Seconds())
	}

	if err != nil {
		logger.Error("send failed", "error", err, "duration", duration)
		if p.metrics != nil {
			p.metrics.SendsTotal.WithLabelValues("failure").Inc()
		}
		p.fail(ctx, job, err)
		return
	}

	logger.Info("message delivered", "message_id", result.MessageID, "duration", duration)
	if p.metrics != nil {
		p.metrics.SendsTotal.WithLabelValues("success").Inc()
	}

	if err := p.queue.Complete(ctx, job.ID, result.MessageID); err != nil {
		logger.Error("failed to mark job completed", "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.JobsCompletedTotal.WithLabelValues(string(job.OwnerKind)).Inc()
	}

	p.recordOwner(ctx, job, result.MessageID, logger)
}

// pace waits the pacing delay and the global rate limiter.
func (p *Pool) pace(ctx context.Context) error {
	if p.cfg.PacingMax > 0 {
		delay := p.cfg.PacingMin
		if spread := p.cfg.PacingMax - p.cfg.PacingMin; spread > 0 {
			p.mu.Lock()
			delay += time.Duration(p.rng.Int63n(int64(spread)))
			p.mu.Unlock()
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if p.metrics != nil {
		p.metrics.RateLimitWaitsTotal.Inc()
	}
	return p.limiter.Wait(ctx)
}

func (p *Pool) fail(ctx context.Context, job *queue.Job, cause error) {
	permanent := !transport.IsTemporary(cause)
	if err := p.queue.Fail(ctx, job.ID, cause.Error(), permanent); err != nil {
		p.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
		return
	}
	if p.metrics == nil {
		return
	}
	after, err := p.queue.Get(ctx, job.ID)
	if err != nil || after == nil {
		return
	}
	if after.State == queue.StateFailed {
		p.metrics.JobsDeadTotal.WithLabelValues(string(job.OwnerKind)).Inc()
	} else {
		p.metrics.JobsRetriedTotal.WithLabelValues(string(job.OwnerKind)).Inc()
	}
}

// recordOwner updates the owning entity's accounting after a completed send.
// The send already happened; failures here are logged, not retried.
func (p *Pool) recordOwner(ctx context.Context, job *queue.Job, messageID string, logger *slog.Logger) {
	switch job.OwnerKind {
	case queue.OwnerWarmup:
		now := time.Now()
		if err := p.db.Warmups.RecordSend(ctx, job.OwnerID, queue.DayKey(now), now); err != nil {
			logger.Error("failed to record warmup send", "error", err)
		}

	case queue.OwnerCampaign:
		steps, err := p.db.Campaigns.Steps(ctx, job.OwnerID)
		if err != nil {
			logger.Error("failed to load campaign steps", "error", err)
			return
		}
		if err := p.db.Leads.RecordSend(ctx, job.LeadID, job.StepID, messageID, len(steps)); err != nil {
			logger.Error("failed to advance lead", "error", err)
		}
	}
}
