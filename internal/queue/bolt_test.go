package queue

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T, policy RetryPolicy) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "queue.db"), policy)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// rewindJob moves a delayed job's NotBefore into the past so Dequeue will
// consider it due.
func rewindJob(t *testing.T, store *BoltStore, id string) {
	t.Helper()
	err := store.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDelayed).Delete(makeIndexKey(job.NotBefore, job.ID)); err != nil {
			return err
		}
		job.NotBefore = time.Now().Add(-time.Second)
		if err := putJob(tx, job); err != nil {
			return err
		}
		return tx.Bucket(bucketDelayed).Put(makeIndexKey(job.NotBefore, job.ID), []byte(job.ID))
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testJob(id string) *Job {
	return &Job{
		ID:        id,
		OwnerKind: OwnerCampaign,
		OwnerID:   "camp-1",
		From:      "sender@example.com",
		To:        "lead@example.org",
		Subject:   "hello",
		TextBody:  "hi there",
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	store := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	if err := store.Enqueue(ctx, testJob("job-1"), 0); err != nil {
		t.Fatal(err)
	}

	err := store.Enqueue(ctx, testJob("job-1"), 0)
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 {
		t.Errorf("expected 1 job after duplicate enqueue, got %d", stats.Total)
	}
}

func TestDequeueRespectsNotBefore(t *testing.T) {
	store := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	if err := store.Enqueue(ctx, testJob("future"), time.Hour); err != nil {
		t.Fatal(err)
	}

	job, err := store.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected no eligible job, claimed %s", job.ID)
	}

	if err := store.Enqueue(ctx, testJob("now"), 0); err != nil {
		t.Fatal(err)
	}

	job, err = store.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != "now" {
		t.Fatalf("expected to claim job now, got %+v", job)
	}
	if job.State != StateActive {
		t.Errorf("claimed job state = %s, want %s", job.State, StateActive)
	}
}

func TestNoDoubleClaim(t *testing.T) {
	store := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	if err := store.Enqueue(ctx, testJob("contested"), 0); err != nil {
		t.Fatal(err)
	}

	const claimers = 16
	var claims atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job, err := store.Dequeue(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			if job != nil {
				claims.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if got := claims.Load(); got != 1 {
		t.Errorf("expected exactly 1 successful claim, got %d", got)
	}
}

func TestFailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Base: time.Minute, Max: time.Hour}
	store := newTestStore(t, policy)
	ctx := context.Background()

	if err := store.Enqueue(ctx, testJob("flaky"), 0); err != nil {
		t.Fatal(err)
	}

	job, err := store.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}

	// First failure: re-delayed.
	if err := store.Fail(ctx, "flaky", "connection refused", false); err != nil {
		t.Fatal(err)
	}
	job, err = store.Get(ctx, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateDelayed {
		t.Fatalf("after first failure state = %s, want %s", job.State, StateDelayed)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if !job.NotBefore.After(time.Now()) {
		t.Error("retry NotBefore should be in the future")
	}

	// Exhaust the remaining attempts, rewinding the retry delay so the job
	// becomes claimable again.
	for i := 0; i < 2; i++ {
		rewindJob(t, store, "flaky")
		claimed, err := store.Dequeue(ctx)
		if err != nil || claimed == nil || claimed.ID != "flaky" {
			t.Fatalf("re-claim %d: job=%v err=%v", i, claimed, err)
		}
		if err := store.Fail(ctx, "flaky", "connection refused", false); err != nil {
			t.Fatal(err)
		}
	}

	job, err = store.Get(ctx, "flaky")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateFailed {
		t.Errorf("after %d failures state = %s, want %s", policy.MaxAttempts, job.State, StateFailed)
	}
	if job.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", job.Attempts)
	}
	if job.LastError == "" {
		t.Error("dead job should retain its last error")
	}
}

func TestFailPermanentSkipsRetries(t *testing.T) {
	store := newTestStore(t, RetryPolicy{MaxAttempts: 3, Base: time.Minute, Max: time.Hour})
	ctx := context.Background()

	if err := store.Enqueue(ctx, testJob("rejected"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Fail(ctx, "rejected", "550 user unknown", true); err != nil {
		t.Fatal(err)
	}

	job, err := store.Get(ctx, "rejected")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateFailed {
		t.Errorf("state = %s, want %s after permanent failure", job.State, StateFailed)
	}
}

func TestCompleteRecordsOutcome(t *testing.T) {
	store := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	if err := store.Enqueue(ctx, testJob("ok"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Complete(ctx, "ok", "<msg-123@mailtide>"); err != nil {
		t.Fatal(err)
	}

	job, err := store.Get(ctx, "ok")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateCompleted {
		t.Errorf("state = %s, want %s", job.State, StateCompleted)
	}
	if job.MessageID != "<msg-123@mailtide>" {
		t.Errorf("message id = %q", job.MessageID)
	}

	// Completing a non-active job must be rejected.
	if err := store.Complete(ctx, "ok", "<again>"); err == nil {
		t.Error("expected invalid transition error on double complete")
	}
}

func TestDayCounters(t *testing.T) {
	store := newTestStore(t, RetryPolicy{})
	ctx := context.Background()
	today := DayKey(time.Now())

	for _, id := range []string{"a", "b", "c"} {
		job := testJob(id)
		job.OwnerID = "camp-2"
		if err := store.Enqueue(ctx, job, 0); err != nil {
			t.Fatal(err)
		}
	}

	count, err := store.ScheduledOn(ctx, OwnerCampaign, "camp-2", today)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("scheduled today = %d, want 3", count)
	}

	// Claiming keeps the job outstanding; completing releases it.
	job, err := store.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: %v %v", job, err)
	}
	count, _ = store.ScheduledOn(ctx, OwnerCampaign, "camp-2", today)
	if count != 3 {
		t.Errorf("active job should still count, got %d", count)
	}

	if err := store.Complete(ctx, job.ID, "<id>"); err != nil {
		t.Fatal(err)
	}
	count, _ = store.ScheduledOn(ctx, OwnerCampaign, "camp-2", today)
	if count != 2 {
		t.Errorf("after completion scheduled today = %d, want 2", count)
	}
}

func TestCancelPending(t *testing.T) {
	store := newTestStore(t, RetryPolicy{})
	ctx := context.Background()

	waiting := testJob("w1")
	delayed := testJob("d1")
	other := testJob("other")
	other.OwnerID = "camp-other"

	if err := store.Enqueue(ctx, waiting, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Enqueue(ctx, delayed, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.Enqueue(ctx, other, 0); err != nil {
		t.Fatal(err)
	}

	cancelled, err := store.CancelPending(ctx, OwnerCampaign, "camp-1")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", cancelled)
	}

	count, _ := store.ScheduledOn(ctx, OwnerCampaign, "camp-1", DayKey(time.Now()))
	if count != 0 {
		t.Errorf("owner counter after cancel = %d, want 0", count)
	}

	// The other owner's job survives.
	job, err := store.Dequeue(ctx)
	if err != nil || job == nil || job.ID != "other" {
		t.Fatalf("expected to claim job other, got %v err %v", job, err)
	}
}

func TestCleanupDeadEnforcesMaxCount(t *testing.T) {
	store := newTestStore(t, RetryPolicy{MaxAttempts: 1, Base: time.Minute, Max: time.Hour})
	ctx := context.Background()

	for _, id := range []string{"x1", "x2", "x3", "x4"} {
		if err := store.Enqueue(ctx, testJob(id), 0); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Dequeue(ctx); err != nil {
			t.Fatal(err)
		}
		if err := store.Fail(ctx, id, "boom", false); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := store.CleanupDead(ctx, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	stats, _ := store.Stats(ctx)
	if stats.Failed != 2 {
		t.Errorf("failed remaining = %d, want 2", stats.Failed)
	}
}

func TestDequeueCountsAttempt(t *testing.T) {
	store := newTestStore(t, RetryPolicy{MaxAttempts: 3, Base: time.Minute, Max: time.Hour})
	ctx := context.Background()

	if err := store.Enqueue(ctx, testJob("counted"), 0); err != nil {
		t.Fatal(err)
	}

	job, err := store.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts after first claim = %d, want 1", job.Attempts)
	}

	// A failure does not add a second count for the same claim.
	if err := store.Fail(ctx, "counted", "connection refused", false); err != nil {
		t.Fatal(err)
	}
	job, err = store.Get(ctx, "counted")
	if err != nil {
		t.Fatal(err)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts after failure = %d, want 1", job.Attempts)
	}

	rewindJob(t, store, "counted")
	job, err = store.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("re-claim: job=%v err=%v", job, err)
	}
	if err := store.Complete(ctx, "counted", "<done>"); err != nil {
		t.Fatal(err)
	}

	job, err = store.Get(ctx, "counted")
	if err != nil {
		t.Fatal(err)
	}
	if job.Attempts != 2 {
		t.Errorf("attempts on completion = %d, want 2 (one per claim)", job.Attempts)
	}
}

func TestReleaseReturnsClaimedJob(t *testing.T) {
	store := newTestStore(t, RetryPolicy{MaxAttempts: 3, Base: time.Minute, Max: time.Hour})
	ctx := context.Background()

	if err := store.Enqueue(ctx, testJob("handed-back"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}

	if err := store.Release(ctx, "handed-back"); err != nil {
		t.Fatal(err)
	}

	job, err := store.Get(ctx, "handed-back")
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateDelayed {
		t.Fatalf("state after release = %s, want %s", job.State, StateDelayed)
	}
	if job.Attempts != 0 {
		t.Errorf("attempts after release = %d, want 0", job.Attempts)
	}

	// Released work is immediately claimable again.
	again, err := store.Dequeue(ctx)
	if err != nil || again == nil || again.ID != "handed-back" {
		t.Fatalf("re-claim after release: job=%v err=%v", again, err)
	}

	// Only active jobs can be released.
	if err := store.Release(ctx, "handed-back"); err != nil {
		t.Fatal(err)
	}
	if err := store.Release(ctx, "handed-back"); err == nil {
		t.Error("expected invalid transition error releasing a delayed job")
	}
}

func TestReopenRequeuesClaimedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	store, err := NewBoltStore(path, RetryPolicy{MaxAttempts: 3, Base: time.Minute, Max: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Enqueue(ctx, testJob("in-flight"), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	// Simulate a process dying with the job still claimed.
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBoltStore(path, RetryPolicy{MaxAttempts: 3, Base: time.Minute, Max: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reopened.Close() })

	job, err := reopened.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("stranded job not reclaimed: job=%v err=%v", job, err)
	}
	if job.ID != "in-flight" {
		t.Fatalf("reclaimed %q, want in-flight", job.ID)
	}
	// The interrupted claim still counts: the send may have gone out.
	if job.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", job.Attempts)
	}

	count, err := reopened.ScheduledOn(ctx, OwnerCampaign, "camp-1", DayKey(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("day counter after recovery = %d, want 1", count)
	}
}

func TestIndexKeysSortByTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	tests := []struct {
		name           string
		earlier, later time.Time
	}{
		{"whole second before fractional", base, base.Add(500 * time.Millisecond)},
		{"fractional before next second", base.Add(999 * time.Millisecond), base.Add(time.Second)},
		{"nanosecond precision", base.Add(time.Nanosecond), base.Add(2 * time.Nanosecond)},
	}

	for _, tt := range tests {
		a := makeIndexKey(tt.earlier, "job")
		b := makeIndexKey(tt.later, "job")
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("%s: key %q does not sort before %q", tt.name, a, b)
		}
		if got := parseIndexTime(a); !got.Equal(tt.earlier) {
			t.Errorf("%s: parsed %v, want %v", tt.name, got, tt.earlier)
		}
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: 5 * time.Minute, Max: time.Hour}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Minute},
		{2, 10 * time.Minute},
		{3, 20 * time.Minute},
		{4, 40 * time.Minute},
		{5, time.Hour},
		{10, time.Hour},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
