// Package ratelimit paces outbound delivery. A global token bucket smooths
// the send rate across all workers, and per-sender daily counters persisted
// in bolt survive restarts so a crash cannot reset a mailbox's budget.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSenderCounters = []byte("sender_counters")

// Config contains rate limit configuration.
type Config struct {
	// Global ceiling across all senders, in messages per second.
	GlobalPerSecond float64 `yaml:"global_per_second"`
	Burst           int     `yaml:"burst"`

	// Per-sender daily ceiling. Zero disables the check.
	SenderPerDay int `yaml:"sender_per_day"`

	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Counter tracks one sender's daily usage.
type Counter struct {
	DailyCount int       `json:"daily_count"`
	DayStart   time.Time `json:"day_start"`
}

// Limiter implements global pacing and per-sender daily budgets.
type Limiter struct {
	db     *bolt.DB
	config Config

	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
	counters map[string]*Counter
	dirty    map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLimiter creates the limiter and loads persisted counters.
func NewLimiter(db *bolt.DB, cfg Config) (*Limiter, error) {
	if cfg.GlobalPerSecond <= 0 {
		cfg.GlobalPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSenderCounters)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		tokens:   float64(cfg.Burst),
		lastFill: time.Now(),
		counters: make(map[string]*Counter),
		dirty:    make(map[string]bool),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load rate limit counters: %w", err)
	}

	go l.persistLoop()
	return l, nil
}

// Wait blocks until the global bucket grants a token or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refill(time.Now())
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - l.tokens) / l.config.GlobalPerSecond * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// refill adds tokens for elapsed time, capped at the burst size.
// Caller holds l.mu.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed * l.config.GlobalPerSecond
	if max := float64(l.config.Burst); l.tokens > max {
		l.tokens = max
	}
	l.lastFill = now
}

// AllowSender reports whether the sender still has daily budget and, when it
// does, consumes one unit of it.
func (l *Limiter) AllowSender(sender string) bool {
	if l.config.SenderPerDay <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	c, ok := l.counters[sender]
	if !ok {
		c = &Counter{}
		l.counters[sender] = c
	}
	if dayOf(c.DayStart) != dayOf(now) {
		c.DailyCount = 0
		c.DayStart = now
	}
	if c.DailyCount >= l.config.SenderPerDay {
		return false
	}
	c.DailyCount++
	l.dirty[sender] = true
	return true
}

// SenderUsage returns today's consumed budget for a sender.
func (l *Limiter) SenderUsage(sender string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[sender]
	if !ok || dayOf(c.DayStart) != dayOf(time.Now().UTC()) {
		return 0
	}
	return c.DailyCount
}

// Close stops the persistence loop and flushes outstanding counters.
func (l *Limiter) Close() error {
	close(l.stopCh)
	<-l.doneCh
	return l.flush()
}

func (l *Limiter) persistLoop() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flush()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) flush() error {
	l.mu.Lock()
	pending := make(map[string]*Counter, len(l.dirty))
	for sender := range l.dirty {
		c := *l.counters[sender]
		pending[sender] = &c
	}
	l.dirty = make(map[string]bool)
	l.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSenderCounters)
		for sender, c := range pending {
			data, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(sender), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSenderCounters)
		return b.ForEach(func(k, v []byte) error {
			var c Counter
			if err := json.Unmarshal(v, &c); err != nil {
				// Skip entries written by older formats.
				return nil
			}
			l.counters[string(k)] = &c
			return nil
		})
	})
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
