package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LeadRepository persists campaign recipients and their send history.
type LeadRepository struct {
	db *sql.DB
}

func NewLeadRepository(db *sql.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

// Create inserts a new lead.
func (r *LeadRepository) Create(ctx context.Context, l *Lead) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = LeadActive
	}
	l.CreatedAt = time.Now()
	l.UpdatedAt = l.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO leads (id, campaign_id, email, status, current_step, has_replied, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CampaignID, l.Email, l.Status, l.CurrentStep, l.HasReplied, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}
	return nil
}

// Get returns a lead by id, or nil if unknown.
func (r *LeadRepository) Get(ctx context.Context, id string) (*Lead, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectLead+` WHERE id = ?`, id))
}

// ListActive returns a campaign's active leads in creation order.
func (r *LeadRepository) ListActive(ctx context.Context, campaignID string) ([]*Lead, error) {
	rows, err := r.db.QueryContext(ctx,
		selectLead+` WHERE campaign_id = ? AND status = ? ORDER BY created_at, id`,
		campaignID, LeadActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leads []*Lead
	for rows.Next() {
		l, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	return leads, rows.Err()
}

// RecordSend appends an activity row and advances the lead's step pointer in
// one transaction. When the advanced pointer reaches totalSteps the lead is
// marked completed.
func (r *LeadRepository) RecordSend(ctx context.Context, leadID, stepID, messageID string, totalSteps int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var campaignID string
	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT campaign_id, current_step FROM leads WHERE id = ?`, leadID,
	).Scan(&campaignID, &current)
	if err != nil {
		return fmt.Errorf("failed to load lead %s: %w", leadID, err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lead_activity (id, lead_id, campaign_id, step_id, message_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), leadID, campaignID, stepID, messageID, now)
	if err != nil {
		return fmt.Errorf("failed to record lead activity: %w", err)
	}

	next := current + 1
	status := LeadActive
	if totalSteps > 0 && next >= totalSteps {
		status = LeadCompleted
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE leads SET current_step = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		next, status, now, leadID, LeadActive)
	if err != nil {
		return fmt.Errorf("failed to advance lead %s: %w", leadID, err)
	}

	return tx.Commit()
}

// MarkReplied flags a lead as having answered. Replied leads are skipped by
// campaigns configured to stop on reply.
func (r *LeadRepository) MarkReplied(ctx context.Context, leadID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE leads SET has_replied = 1, status = ?, updated_at = ? WHERE id = ?`,
		LeadReplied, time.Now(), leadID)
	if err != nil {
		return fmt.Errorf("failed to mark lead replied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lead %s not found", leadID)
	}
	return nil
}

// UpdateStatus sets a lead's status directly, for bounce and unsubscribe
// handling.
func (r *LeadRepository) UpdateStatus(ctx context.Context, leadID string, status LeadStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), leadID)
	if err != nil {
		return fmt.Errorf("failed to update lead status: %w", err)
	}
	return nil
}

// LastSentAt returns the time of a lead's most recent send, or nil when the
// lead has no activity yet.
func (r *LeadRepository) LastSentAt(ctx context.Context, leadID string) (*time.Time, error) {
	var t time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT sent_at FROM lead_activity WHERE lead_id = ? ORDER BY sent_at DESC LIMIT 1`,
		leadID).Scan(&t)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last send for lead %s: %w", leadID, err)
	}
	return &t, nil
}

// CountActivityBetween returns how many sends a campaign made in the half-open
// interval [from, to). Callers pass day boundaries in the campaign's timezone.
func (r *LeadRepository) CountActivityBetween(ctx context.Context, campaignID string, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lead_activity WHERE campaign_id = ? AND sent_at >= ? AND sent_at < ?`,
		campaignID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count campaign activity: %w", err)
	}
	return n, nil
}

const selectLead = `
	SELECT id, campaign_id, email, status, current_step, has_replied, created_at, updated_at
	FROM leads`

func (r *LeadRepository) scanOne(row rowScanner) (*Lead, error) {
	l := &Lead{}
	err := row.Scan(&l.ID, &l.CampaignID, &l.Email, &l.Status, &l.CurrentStep,
		&l.HasReplied, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}
