package queue

import (
	"context"
	"time"
)

// Store defines the durable job queue operations. The engine's schedulers are
// producers, the delivery pool is the consumer.
type Store interface {
	// Enqueue inserts a new job. A positive delay puts the job in the
	// delayed state with NotBefore = now + delay. Returns ErrDuplicateJob
	// if the job ID already exists.
	Enqueue(ctx context.Context, job *Job, delay time.Duration) error

	// Dequeue atomically claims the oldest eligible job (NotBefore <= now)
	// and transitions it to active. Returns nil, nil when nothing is
	// eligible; callers poll.
	Dequeue(ctx context.Context) (*Job, error)

	// Complete transitions an active job to completed and records the
	// transport message id.
	Complete(ctx context.Context, id, messageID string) error

	// Fail records a failed attempt. Retryable failures below the attempt
	// cap are re-delayed with exponential backoff; everything else moves to
	// the dead set.
	Fail(ctx context.Context, id, cause string, permanent bool) error

	// Release returns a claimed job to the delayed set, immediately
	// eligible again, without counting the claim as an attempt. Used when
	// a worker shuts down before trying the send.
	Release(ctx context.Context, id string) error

	// CancelPending removes all waiting and delayed jobs for an owner.
	// Best-effort cleanup used when an owner is paused; active and terminal
	// jobs are untouched.
	CancelPending(ctx context.Context, kind OwnerKind, ownerID string) (int, error)

	// ScheduledOn returns the number of outstanding (waiting, delayed or
	// active) jobs an owner has with NotBefore inside the given UTC day.
	ScheduledOn(ctx context.Context, kind OwnerKind, ownerID string, day string) (int, error)

	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
