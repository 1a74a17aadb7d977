package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mailtide/mailtide/internal/queue"
	"github.com/mailtide/mailtide/internal/store"
)

// WarmupConfig tunes the warmup scheduling pass.
type WarmupConfig struct {
	// Recipients is the shared pool of warmup counterpart mailboxes.
	Recipients []string `yaml:"recipients"`

	// FirstDelayMax bounds the random delay of the first job of a pass.
	FirstDelayMax time.Duration `yaml:"first_delay_max"`

	// MaxSpread bounds how far into the future a pass schedules jobs.
	MaxSpread time.Duration `yaml:"max_spread"`
}

func (c *WarmupConfig) setDefaults() {
	if c.FirstDelayMax <= 0 {
		c.FirstDelayMax = 5 * time.Minute
	}
	if c.MaxSpread <= 0 {
		c.MaxSpread = time.Hour
	}
}

// WarmupScheduler enqueues paced warmup traffic for active mailboxes.
type WarmupScheduler struct {
	warmups *store.WarmupRepository
	queue   queue.Store
	cfg     WarmupConfig
	logger  *slog.Logger
	rng     *rand.Rand
	now     func() time.Time
}

func NewWarmupScheduler(warmups *store.WarmupRepository, q queue.Store, cfg WarmupConfig, logger *slog.Logger) *WarmupScheduler {
	cfg.setDefaults()
	return &WarmupScheduler{
		warmups: warmups,
		queue:   q,
		cfg:     cfg,
		logger:  logger.With("component", "warmup_scheduler"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// RunOnce performs a single scheduling pass over all active mailboxes. A
// failing mailbox is logged and skipped; it never blocks the others.
func (s *WarmupScheduler) RunOnce(ctx context.Context) error {
	mailboxes, err := s.warmups.ListByStatus(ctx, store.WarmupActive)
	if err != nil {
		return fmt.Errorf("failed to list active warmups: %w", err)
	}

	for _, w := range mailboxes {
		if err := s.runMailbox(ctx, w); err != nil {
			s.logger.Error("warmup scheduling failed",
				"mailbox_id", w.ID,
				"email", w.IdentityEmail,
				"error", err)
		}
	}
	return nil
}

func (s *WarmupScheduler) runMailbox(ctx context.Context, w *store.WarmupMailbox) error {
	now := s.now()

	if w.WindowElapsed(now) {
		if err := s.warmups.UpdateStatus(ctx, w.ID, store.WarmupCompleted); err != nil {
			return fmt.Errorf("failed to complete warmup: %w", err)
		}
		s.logger.Info("warmup window elapsed",
			"mailbox_id", w.ID,
			"email", w.IdentityEmail,
			"total_sent", w.StatsSent)
		return nil
	}

	if len(s.cfg.Recipients) == 0 {
		return errors.New("no warmup recipients configured")
	}

	day := queue.DayKey(now)
	sent, err := s.warmups.SentOn(ctx, w.ID, day)
	if err != nil {
		return err
	}
	scheduled, err := s.queue.ScheduledOn(ctx, queue.OwnerWarmup, w.ID, day)
	if err != nil {
		return err
	}

	remaining := w.DailyLimit - sent - scheduled
	if remaining <= 0 {
		return nil
	}

	count := remaining
	if count > len(s.cfg.Recipients) {
		count = len(s.cfg.Recipients)
	}

	enqueued := 0
	for i := 0; i < count; i++ {
		// Slot index keys both the deterministic job id and the
		// round-robin recipient, so a re-run of the same pass is a
		// no-op.
		slot := sent + scheduled + i
		tmpl := pickTemplate(s.rng)

		job := &queue.Job{
			ID:        fmt.Sprintf("warmup/%s/%s/%d", w.ID, day, slot),
			OwnerKind: queue.OwnerWarmup,
			OwnerID:   w.ID,
			From:      w.IdentityEmail,
			To:        s.cfg.Recipients[slot%len(s.cfg.Recipients)],
			Subject:   tmpl.Subject,
			TextBody:  tmpl.Text,
		}

		err := s.queue.Enqueue(ctx, job, s.delayFor(i, count))
		if errors.Is(err, queue.ErrDuplicateJob) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to enqueue warmup job: %w", err)
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("scheduled warmup sends",
			"mailbox_id", w.ID,
			"email", w.IdentityEmail,
			"count", enqueued,
			"sent_today", sent,
			"already_scheduled", scheduled)
	}
	return nil
}

// delayFor spreads a pass's jobs over the day. The first job lands quickly,
// the rest get an even base offset with jitter, and nothing lands later than
// MaxSpread from now.
func (s *WarmupScheduler) delayFor(i, count int) time.Duration {
	if i == 0 {
		return time.Duration(s.rng.Int63n(int64(s.cfg.FirstDelayMax)))
	}

	step := s.cfg.MaxSpread / time.Duration(count)
	jitter := time.Duration(s.rng.Int63n(int64(step) + 1))
	delay := time.Duration(i)*step + jitter
	if delay > s.cfg.MaxSpread {
		delay = s.cfg.MaxSpread
	}
	return delay
}
