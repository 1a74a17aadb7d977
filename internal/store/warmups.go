package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WarmupRepository persists warmup mailboxes and their send stats.
type WarmupRepository struct {
	db *sql.DB
}

func NewWarmupRepository(db *sql.DB) *WarmupRepository {
	return &WarmupRepository{db: db}
}

// Create inserts a new warmup mailbox.
func (r *WarmupRepository) Create(ctx context.Context, w *WarmupMailbox) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = WarmupPending
	}
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO warmup_mailboxes (id, identity_email, daily_email_limit, start_date, duration_days,
			status, stats_sent, stats_received, stats_replies, stats_opens, last_activity, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.IdentityEmail, w.DailyLimit, w.StartDate, w.DurationDays,
		w.Status, w.StatsSent, w.StatsReceived, w.StatsReplies, w.StatsOpens, w.LastActivity,
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create warmup mailbox: %w", err)
	}
	return nil
}

// Get returns a warmup mailbox by id, or nil if unknown.
func (r *WarmupRepository) Get(ctx context.Context, id string) (*WarmupMailbox, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectWarmup+` WHERE id = ?`, id))
}

// ListByStatus returns all mailboxes in a given status, oldest first.
func (r *WarmupRepository) ListByStatus(ctx context.Context, status WarmupStatus) ([]*WarmupMailbox, error) {
	rows, err := r.db.QueryContext(ctx, selectWarmup+` WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*WarmupMailbox
	for rows.Next() {
		w, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// UpdateStatus applies a validated status transition.
func (r *WarmupRepository) UpdateStatus(ctx context.Context, id string, to WarmupStatus) error {
	w, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("warmup mailbox %s not found", id)
	}
	if !w.Status.CanTransition(to) {
		return fmt.Errorf("warmup mailbox %s: invalid transition %s -> %s", id, w.Status, to)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE warmup_mailboxes SET status = ?, updated_at = ? WHERE id = ?`,
		to, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update warmup status: %w", err)
	}
	return nil
}

// RecordSend updates cumulative and per-day sent counters after a completed
// send. day is the UTC calendar day of the send.
func (r *WarmupRepository) RecordSend(ctx context.Context, id, day string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE warmup_mailboxes
		SET stats_sent = stats_sent + 1,
			sent_today = CASE WHEN sent_today_date = ? THEN sent_today + 1 ELSE 1 END,
			sent_today_date = ?,
			last_activity = ?,
			updated_at = ?
		WHERE id = ?`,
		day, day, at, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record warmup send: %w", err)
	}
	return nil
}

// SentOn returns the number of completed sends on the given UTC day.
func (r *WarmupRepository) SentOn(ctx context.Context, id, day string) (int, error) {
	var storedDay string
	var sent int
	err := r.db.QueryRowContext(ctx,
		`SELECT sent_today_date, sent_today FROM warmup_mailboxes WHERE id = ?`, id,
	).Scan(&storedDay, &sent)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("warmup mailbox %s not found", id)
	}
	if err != nil {
		return 0, err
	}
	if storedDay != day {
		return 0, nil
	}
	return sent, nil
}

const selectWarmup = `
	SELECT id, identity_email, daily_email_limit, start_date, duration_days,
		status, stats_sent, stats_received, stats_replies, stats_opens, last_activity, created_at, updated_at
	FROM warmup_mailboxes`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WarmupRepository) scanOne(row rowScanner) (*WarmupMailbox, error) {
	w := &WarmupMailbox{}
	var lastActivity sql.NullTime

	err := row.Scan(&w.ID, &w.IdentityEmail, &w.DailyLimit, &w.StartDate, &w.DurationDays,
		&w.Status, &w.StatsSent, &w.StatsReceived, &w.StatsReplies, &w.StatsOpens, &lastActivity,
		&w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		w.LastActivity = &lastActivity.Time
	}
	return w, nil
}
