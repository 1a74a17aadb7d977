package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailtide/mailtide/internal/queue"
	"github.com/mailtide/mailtide/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStores(t *testing.T) (*store.DB, *queue.BoltStore) {
	t.Helper()

	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "entities.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	q, err := queue.NewBoltStore(filepath.Join(dir, "queue.db"), queue.DefaultRetryPolicy())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return db, q
}

func activeWarmup(t *testing.T, db *store.DB, email string, limit int) *store.WarmupMailbox {
	t.Helper()
	ctx := context.Background()

	err := db.Identities.Create(ctx, &store.SenderIdentity{Email: email, Kind: store.KindSMTPCustom})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	w := &store.WarmupMailbox{
		IdentityEmail: email,
		DailyLimit:    limit,
		StartDate:     time.Now().AddDate(0, 0, -1),
		DurationDays:  30,
	}
	if err := db.Warmups.Create(ctx, w); err != nil {
		t.Fatalf("create warmup: %v", err)
	}
	if err := db.Warmups.UpdateStatus(ctx, w.ID, store.WarmupActive); err != nil {
		t.Fatalf("activate warmup: %v", err)
	}
	return w
}

func TestWarmupSchedulesUpToDailyLimit(t *testing.T) {
	db, q := newTestStores(t)
	ctx := context.Background()

	w := activeWarmup(t, db, "warm@example.com", 3)

	pool := []string{"p1@example.com", "p2@example.com", "p3@example.com", "p4@example.com", "p5@example.com"}
	s := NewWarmupScheduler(db.Warmups, q, WarmupConfig{Recipients: pool}, testLogger())

	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	jobs, err := q.List(ctx, queue.ListFilter{OwnerKind: queue.OwnerWarmup, OwnerID: w.ID})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3 (limit 3, pool 5)", len(jobs))
	}

	// Distinct recipients, first job due within 5 minutes.
	seen := map[string]bool{}
	earliest := jobs[0].NotBefore
	for _, j := range jobs {
		if seen[j.To] {
			t.Errorf("recipient %s used twice in one pass", j.To)
		}
		seen[j.To] = true
		if j.From != "warm@example.com" {
			t.Errorf("job from %q, want warmup identity", j.From)
		}
		if j.Subject == "" || j.TextBody == "" {
			t.Error("job missing template content")
		}
		if j.NotBefore.Before(earliest) {
			earliest = j.NotBefore
		}
	}
	if time.Until(earliest) > 5*time.Minute {
		t.Errorf("first job due in %v, want <= 5m", time.Until(earliest))
	}

	// A second pass in the same day adds nothing.
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	jobs, err = q.List(ctx, queue.ListFilter{OwnerKind: queue.OwnerWarmup, OwnerID: w.ID})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Errorf("second pass grew the schedule to %d jobs", len(jobs))
	}
}

func TestWarmupCountsCompletedSendsAgainstLimit(t *testing.T) {
	db, q := newTestStores(t)
	ctx := context.Background()

	w := activeWarmup(t, db, "warm@example.com", 5)

	// 3 sends already completed today.
	day := queue.DayKey(time.Now())
	for i := 0; i < 3; i++ {
		if err := db.Warmups.RecordSend(ctx, w.ID, day, time.Now()); err != nil {
			t.Fatalf("record send: %v", err)
		}
	}

	pool := []string{"p1@example.com", "p2@example.com", "p3@example.com", "p4@example.com", "p5@example.com"}
	s := NewWarmupScheduler(db.Warmups, q, WarmupConfig{Recipients: pool}, testLogger())

	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	jobs, err := q.List(ctx, queue.ListFilter{OwnerKind: queue.OwnerWarmup, OwnerID: w.ID})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("got %d jobs, want 2 (limit 5 minus 3 sent)", len(jobs))
	}
}

func TestWarmupWindowElapsedCompletesMailbox(t *testing.T) {
	db, q := newTestStores(t)
	ctx := context.Background()

	err := db.Identities.Create(ctx, &store.SenderIdentity{Email: "done@example.com", Kind: store.KindSMTPCustom})
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	w := &store.WarmupMailbox{
		IdentityEmail: "done@example.com",
		DailyLimit:    10,
		StartDate:     time.Now().AddDate(0, 0, -31),
		DurationDays:  30,
	}
	if err := db.Warmups.Create(ctx, w); err != nil {
		t.Fatalf("create warmup: %v", err)
	}
	if err := db.Warmups.UpdateStatus(ctx, w.ID, store.WarmupActive); err != nil {
		t.Fatalf("activate: %v", err)
	}

	s := NewWarmupScheduler(db.Warmups, q, WarmupConfig{Recipients: []string{"p@example.com"}}, testLogger())
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got, err := db.Warmups.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.WarmupCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	jobs, err := q.List(ctx, queue.ListFilter{OwnerKind: queue.OwnerWarmup, OwnerID: w.ID})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("elapsed mailbox still got %d jobs", len(jobs))
	}
}

// failingQueue rejects enqueues for one owner and passes everything else
// through.
type failingQueue struct {
	queue.Store
	failOwner string
}

func (f *failingQueue) Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error {
	if job.OwnerID == f.failOwner {
		return errors.New("enqueue refused")
	}
	return f.Store.Enqueue(ctx, job, delay)
}

func TestWarmupFailingMailboxDoesNotBlockOthers(t *testing.T) {
	db, q := newTestStores(t)
	ctx := context.Background()

	bad := activeWarmup(t, db, "bad@example.com", 3)
	good := activeWarmup(t, db, "good@example.com", 2)

	fq := &failingQueue{Store: q, failOwner: bad.ID}
	s := NewWarmupScheduler(db.Warmups, fq, WarmupConfig{Recipients: []string{"p1@example.com", "p2@example.com"}}, testLogger())
	if err := s.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	jobs, err := q.List(ctx, queue.ListFilter{OwnerKind: queue.OwnerWarmup, OwnerID: good.ID})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("healthy mailbox got %d jobs, want 2", len(jobs))
	}
}
