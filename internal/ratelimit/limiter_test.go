package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "limits.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open bolt db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWaitPacesRequests(t *testing.T) {
	db := newTestDB(t)
	l, err := NewLimiter(db, Config{GlobalPerSecond: 50, Burst: 1})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	// 5 tokens at 50/s with burst 1: four refill waits of ~20ms each.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("5 sends completed in %v, pacing not applied", elapsed)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	db := newTestDB(t)
	l, err := NewLimiter(db, Config{GlobalPerSecond: 0.1, Burst: 1})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer l.Close()

	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestAllowSenderEnforcesDailyBudget(t *testing.T) {
	db := newTestDB(t)
	l, err := NewLimiter(db, Config{SenderPerDay: 3})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer l.Close()

	for i := 0; i < 3; i++ {
		if !l.AllowSender("alice@example.com") {
			t.Fatalf("send %d rejected under budget", i)
		}
	}
	if l.AllowSender("alice@example.com") {
		t.Error("4th send allowed over a budget of 3")
	}
	// Other senders are unaffected.
	if !l.AllowSender("bob@example.com") {
		t.Error("unrelated sender rejected")
	}
	if got := l.SenderUsage("alice@example.com"); got != 3 {
		t.Errorf("SenderUsage = %d, want 3", got)
	}
}

func TestCountersSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.db")

	open := func() (*bolt.DB, *Limiter) {
		db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			t.Fatalf("open bolt db: %v", err)
		}
		l, err := NewLimiter(db, Config{SenderPerDay: 2})
		if err != nil {
			t.Fatalf("new limiter: %v", err)
		}
		return db, l
	}

	db, l := open()
	l.AllowSender("alice@example.com")
	l.AllowSender("alice@example.com")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	db.Close()

	db, l = open()
	defer db.Close()
	defer l.Close()

	if l.AllowSender("alice@example.com") {
		t.Error("budget reset across restart")
	}
	if got := l.SenderUsage("alice@example.com"); got != 2 {
		t.Errorf("SenderUsage after restart = %d, want 2", got)
	}
}

func TestAllowSenderUnlimitedWhenDisabled(t *testing.T) {
	db := newTestDB(t)
	l, err := NewLimiter(db, Config{})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	defer l.Close()

	for i := 0; i < 100; i++ {
		if !l.AllowSender("anyone@example.com") {
			t.Fatal("send rejected with no daily limit configured")
		}
	}
}
