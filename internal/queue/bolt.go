package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs        = []byte("jobs")
	bucketReady       = []byte("ready")
	bucketDelayed     = []byte("delayed")
	bucketDead        = []byte("dead")
	bucketDayCounters = []byte("day_counters")
)

// RetryPolicy controls how Fail re-delays retryable jobs.
type RetryPolicy struct {
	MaxAttempts int
	// Base is the first backoff; attempt n waits Base * 2^(n-1), capped at Max.
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy matches the engine defaults: three attempts with
// exponential backoff starting at five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        5 * time.Minute,
		Max:         time.Hour,
	}
}

// Backoff returns the delay before the given attempt number is retried.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	multiplier := 1 << (attempt - 1)
	backoff := time.Duration(multiplier) * p.Base
	if backoff > p.Max || backoff <= 0 {
		return p.Max
	}
	return backoff
}

// BoltStore implements Store using BoltDB. All state transitions happen
// inside a single bolt update transaction, which is what makes a claim
// atomic: bbolt serializes writers, so exactly one Dequeue can move a given
// job from waiting to active.
type BoltStore struct {
	db     *bolt.DB
	policy RetryPolicy
}

// NewBoltStore opens (creating if needed) the queue database.
func NewBoltStore(path string, policy RetryPolicy) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketReady, bucketDelayed, bucketDead, bucketDayCounters} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return recoverActiveJobs(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	return &BoltStore{db: db, policy: policy}, nil
}

// recoverActiveJobs re-delays jobs that were claimed by a worker which never
// reported back, which happens when the previous process died mid-delivery.
// The attempt count is kept: the send may have gone out before the crash.
func recoverActiveJobs(tx *bolt.Tx) error {
	c := tx.Bucket(bucketJobs).Cursor()

	var stranded []Job
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var job Job
		if err := json.Unmarshal(v, &job); err != nil {
			continue
		}
		if job.State == StateActive {
			stranded = append(stranded, job)
		}
	}

	now := time.Now()
	for _, job := range stranded {
		oldDay := DayKey(job.NotBefore)
		job.State = StateDelayed
		job.NotBefore = now
		job.UpdatedAt = now
		if err := putJob(tx, &job); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDelayed).Put(makeIndexKey(job.NotBefore, job.ID), []byte(job.ID)); err != nil {
			return err
		}
		newDay := DayKey(job.NotBefore)
		if newDay != oldDay {
			if err := bumpDayCounter(tx, job.OwnerKind, job.OwnerID, oldDay, -1); err != nil {
				return err
			}
			if err := bumpDayCounter(tx, job.OwnerKind, job.OwnerID, newDay, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// Enqueue inserts a new job and bumps the owner's day counter in the same
// transaction, so capacity accounting can never drift from the job set.
func (s *BoltStore) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	now := time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		if jobs.Get([]byte(job.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}

		job.CreatedAt = now
		job.UpdatedAt = now
		if delay > 0 {
			job.State = StateDelayed
			job.NotBefore = now.Add(delay)
		} else {
			job.State = StateWaiting
			if job.NotBefore.IsZero() {
				job.NotBefore = now
			}
		}

		if err := putJob(tx, job); err != nil {
			return err
		}

		index := bucketReady
		if job.State == StateDelayed {
			index = bucketDelayed
		}
		if err := tx.Bucket(index).Put(makeIndexKey(job.NotBefore, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to index job: %w", err)
		}

		return bumpDayCounter(tx, job.OwnerKind, job.OwnerID, DayKey(job.NotBefore), 1)
	})
}

// Dequeue claims the oldest eligible job. Due delayed jobs are considered
// before the ready index so retries are not starved by fresh work.
func (s *BoltStore) Dequeue(ctx context.Context) (*Job, error) {
	var claimed *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		now := time.Now()

		for _, index := range [][]byte{bucketDelayed, bucketReady} {
			job, err := claimFrom(tx, index, now)
			if err != nil {
				return err
			}
			if job != nil {
				claimed = job
				return nil
			}
		}
		return nil
	})

	return claimed, err
}

// claimFrom scans one index bucket for the first due entry and claims it.
// Claiming counts as a delivery attempt, so a job's Attempts field reflects
// every time a worker picked it up, whether or not the send was reported back.
func claimFrom(tx *bolt.Tx, index []byte, now time.Time) (*Job, error) {
	jobs := tx.Bucket(bucketJobs)
	c := tx.Bucket(index).Cursor()

	for k, v := c.First(); k != nil; k, v = c.Next() {
		if parseIndexTime(k).After(now) {
			// Index keys sort by time; everything after this is in
			// the future.
			return nil, nil
		}

		data := jobs.Get(v)
		if data == nil {
			// Job was purged; drop the stale index entry.
			if err := c.Delete(); err != nil {
				return nil, err
			}
			continue
		}

		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			continue
		}
		if !canTransition(job.State, StateActive) {
			// Stale index pointing at a terminal or already-active
			// job; clean it up.
			if err := c.Delete(); err != nil {
				return nil, err
			}
			continue
		}

		job.State = StateActive
		job.Attempts++
		job.UpdatedAt = now
		if err := putJob(tx, &job); err != nil {
			return nil, err
		}
		if err := c.Delete(); err != nil {
			return nil, err
		}
		return &job, nil
	}

	return nil, nil
}

// Complete transitions an active job to completed.
func (s *BoltStore) Complete(ctx context.Context, id, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if !canTransition(job.State, StateCompleted) {
			return invalidTransitionError(id, job.State, StateCompleted)
		}

		job.State = StateCompleted
		job.MessageID = messageID
		job.LastError = ""
		job.UpdatedAt = time.Now()
		if err := putJob(tx, job); err != nil {
			return err
		}

		// The job is no longer outstanding for its scheduled day.
		return bumpDayCounter(tx, job.OwnerKind, job.OwnerID, DayKey(job.NotBefore), -1)
	})
}

// Fail records a failed attempt. Retryable failures under the attempt cap go
// back to delayed with exponential backoff; permanent failures and exhausted
// jobs move to the dead set for operator inspection.
func (s *BoltStore) Fail(ctx context.Context, id, cause string, permanent bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}

		now := time.Now()
		job.LastError = cause
		job.UpdatedAt = now

		if !permanent && job.Attempts < s.policy.MaxAttempts {
			if !canTransition(job.State, StateDelayed) {
				return invalidTransitionError(id, job.State, StateDelayed)
			}
			oldDay := DayKey(job.NotBefore)
			job.State = StateDelayed
			job.NotBefore = now.Add(s.policy.Backoff(job.Attempts))
			if err := putJob(tx, job); err != nil {
				return err
			}
			if err := tx.Bucket(bucketDelayed).Put(makeIndexKey(job.NotBefore, job.ID), []byte(job.ID)); err != nil {
				return err
			}
			// A retry may land on a different day; keep the
			// counters honest.
			newDay := DayKey(job.NotBefore)
			if newDay != oldDay {
				if err := bumpDayCounter(tx, job.OwnerKind, job.OwnerID, oldDay, -1); err != nil {
					return err
				}
				return bumpDayCounter(tx, job.OwnerKind, job.OwnerID, newDay, 1)
			}
			return nil
		}

		if !canTransition(job.State, StateFailed) {
			return invalidTransitionError(id, job.State, StateFailed)
		}
		job.State = StateFailed
		if err := putJob(tx, job); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDead).Put(makeIndexKey(now, job.ID), []byte(job.ID)); err != nil {
			return err
		}
		return bumpDayCounter(tx, job.OwnerKind, job.OwnerID, DayKey(job.NotBefore), -1)
	})
}

// Release returns an active job to the delayed set without recording an
// attempt. Workers call it when they claimed a job but shut down before
// trying to send, so the claim's attempt count is rolled back.
func (s *BoltStore) Release(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if !canTransition(job.State, StateDelayed) {
			return invalidTransitionError(id, job.State, StateDelayed)
		}

		now := time.Now()
		oldDay := DayKey(job.NotBefore)
		job.State = StateDelayed
		job.NotBefore = now
		if job.Attempts > 0 {
			job.Attempts--
		}
		job.UpdatedAt = now
		if err := putJob(tx, job); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDelayed).Put(makeIndexKey(job.NotBefore, job.ID), []byte(job.ID)); err != nil {
			return err
		}

		newDay := DayKey(job.NotBefore)
		if newDay != oldDay {
			if err := bumpDayCounter(tx, job.OwnerKind, job.OwnerID, oldDay, -1); err != nil {
				return err
			}
			return bumpDayCounter(tx, job.OwnerKind, job.OwnerID, newDay, 1)
		}
		return nil
	})
}

// CancelPending removes all waiting and delayed jobs for an owner.
func (s *BoltStore) CancelPending(ctx context.Context, kind OwnerKind, ownerID string) (int, error) {
	cancelled := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)

		for _, index := range [][]byte{bucketReady, bucketDelayed} {
			c := tx.Bucket(index).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				data := jobs.Get(v)
				if data == nil {
					continue
				}
				var job Job
				if err := json.Unmarshal(data, &job); err != nil {
					continue
				}
				if job.OwnerKind != kind || job.OwnerID != ownerID {
					continue
				}
				if err := c.Delete(); err != nil {
					return err
				}
				if err := jobs.Delete(v); err != nil {
					return err
				}
				if err := bumpDayCounter(tx, kind, ownerID, DayKey(job.NotBefore), -1); err != nil {
					return err
				}
				cancelled++
			}
		}
		return nil
	})

	return cancelled, err
}

// ScheduledOn returns the outstanding job count for an owner on a UTC day.
func (s *BoltStore) ScheduledOn(ctx context.Context, kind OwnerKind, ownerID string, day string) (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDayCounters).Get(dayCounterKey(kind, ownerID, day))
		if v == nil {
			return nil
		}
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("corrupt day counter %s/%s/%s: %w", kind, ownerID, day, err)
		}
		count = n
		return nil
	})
	return count, err
}

// Get retrieves a job by ID. Returns ErrJobNotFound if absent.
func (s *BoltStore) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

// List returns jobs matching the filter, in storage order.
func (s *BoltStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()

		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			if filter.State != "" && job.State != filter.State {
				continue
			}
			if filter.OwnerKind != "" && job.OwnerKind != filter.OwnerKind {
				continue
			}
			if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			jobs = append(jobs, &job)
			count++
			if filter.Limit > 0 && count >= filter.Limit {
				break
			}
		}
		return nil
	})

	return jobs, err
}

// Stats returns queue statistics.
func (s *BoltStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			stats.Total++
			switch job.State {
			case StateWaiting:
				stats.Waiting++
			case StateDelayed:
				stats.Delayed++
			case StateActive:
				stats.Active++
			case StateCompleted:
				stats.Completed++
			case StateFailed:
				stats.Failed++
			}
		}
		return nil
	})

	return stats, err
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying bolt handle for components that share the file
// (rate limit counters).
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// CleanupCompleted removes completed jobs older than maxAge. Returns the
// number of jobs deleted.
func (s *BoltStore) CleanupCompleted(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := jobs.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				continue
			}
			if job.State == StateCompleted && job.UpdatedAt.Before(cutoff) {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}

		for _, k := range toDelete {
			if err := jobs.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})

	return deleted, err
}

// CleanupDead removes dead jobs by age and enforces a max count, deleting
// oldest first.
func (s *BoltStore) CleanupDead(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDead)
		jobs := tx.Bucket(bucketJobs)

		type entry struct {
			indexKey []byte
			jobID    []byte
		}
		var all []entry

		cutoff := time.Now().Add(-maxAge)
		c := dead.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			all = append(all, entry{
				indexKey: append([]byte{}, k...),
				jobID:    append([]byte{}, v...),
			})
		}

		remove := func(e entry) error {
			if err := dead.Delete(e.indexKey); err != nil {
				return err
			}
			if err := jobs.Delete(e.jobID); err != nil {
				return err
			}
			deleted++
			return nil
		}

		var kept []entry
		for _, e := range all {
			if maxAge > 0 && parseIndexTime(e.indexKey).Before(cutoff) {
				if err := remove(e); err != nil {
					return err
				}
				continue
			}
			kept = append(kept, e)
		}

		// Dead index keys sort by failure time, so kept is oldest first.
		if maxCount > 0 && len(kept) > maxCount {
			for _, e := range kept[:len(kept)-maxCount] {
				if err := remove(e); err != nil {
					return err
				}
			}
		}
		return nil
	})

	return deleted, err
}

func putJob(tx *bolt.Tx, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

func getJob(tx *bolt.Tx, id string) (*Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return job, nil
}

// indexKeyLayout is fixed width with zero-padded nanoseconds, so keys sort
// lexicographically in time order. RFC3339Nano would trim trailing zeros and
// break that.
const indexKeyLayout = "2006-01-02T15:04:05.000000000"

// makeIndexKey creates a time-sortable key.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexKeyLayout) + ":" + id)
}

// parseIndexTime extracts the timestamp from an index key.
func parseIndexTime(key []byte) time.Time {
	if len(key) < len(indexKeyLayout) {
		return time.Time{}
	}
	ts, _ := time.Parse(indexKeyLayout, string(key[:len(indexKeyLayout)]))
	return ts
}

func dayCounterKey(kind OwnerKind, ownerID, day string) []byte {
	return []byte(string(kind) + "/" + ownerID + "/" + day)
}

func bumpDayCounter(tx *bolt.Tx, kind OwnerKind, ownerID, day string, delta int) error {
	counters := tx.Bucket(bucketDayCounters)
	key := dayCounterKey(kind, ownerID, day)

	count := 0
	if v := counters.Get(key); v != nil {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("corrupt day counter %s: %w", key, err)
		}
		count = n
	}

	count += delta
	if count <= 0 {
		return counters.Delete(key)
	}
	return counters.Put(key, []byte(strconv.Itoa(count)))
}
