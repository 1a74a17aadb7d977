package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CampaignRepository persists campaigns and their sequence steps.
type CampaignRepository struct {
	db *sql.DB
}

func NewCampaignRepository(db *sql.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	fromEmails, err := json.Marshal(c.FromEmails)
	if err != nil {
		return fmt.Errorf("failed to marshal from_emails: %w", err)
	}
	var schedule any
	if c.Schedule != nil {
		data, err := json.Marshal(c.Schedule)
		if err != nil {
			return fmt.Errorf("failed to marshal schedule: %w", err)
		}
		schedule = string(data)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, status, from_emails, daily_limit, stop_on_reply,
			open_tracking, send_text_only, schedule, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Status, string(fromEmails), c.DailyLimit, c.StopOnReply,
		c.OpenTracking, c.SendTextOnly, schedule, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// Get returns a campaign by id, or nil if unknown.
func (r *CampaignRepository) Get(ctx context.Context, id string) (*Campaign, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, selectCampaign+` WHERE id = ?`, id))
}

// ListByStatus returns campaigns in a given status, oldest first.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status CampaignStatus) ([]*Campaign, error) {
	rows, err := r.db.QueryContext(ctx, selectCampaign+` WHERE status = ? ORDER BY created_at, id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Campaign
	for rows.Next() {
		c, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// UpdateStatus applies a validated status transition.
func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, to CampaignStatus) error {
	c, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("campaign %s not found", id)
	}
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("campaign %s: invalid transition %s -> %s", id, c.Status, to)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		to, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	return nil
}

// NextFromEmail returns the next sender address in round-robin order,
// advancing the persisted cursor.
func (r *CampaignRepository) NextFromEmail(ctx context.Context, id string) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var fromJSON string
	var cursor int
	err = tx.QueryRowContext(ctx,
		`SELECT from_emails, from_cursor FROM campaigns WHERE id = ?`, id,
	).Scan(&fromJSON, &cursor)
	if err != nil {
		return "", fmt.Errorf("failed to load campaign %s senders: %w", id, err)
	}

	var emails []string
	if err := json.Unmarshal([]byte(fromJSON), &emails); err != nil {
		return "", fmt.Errorf("corrupt from_emails for campaign %s: %w", id, err)
	}
	if len(emails) == 0 {
		return "", fmt.Errorf("campaign %s has no sender addresses", id)
	}

	email := emails[cursor%len(emails)]
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET from_cursor = ? WHERE id = ?`,
		(cursor+1)%len(emails), id); err != nil {
		return "", err
	}

	return email, tx.Commit()
}

// CreateStep inserts a sequence step.
func (r *CampaignRepository) CreateStep(ctx context.Context, s *CampaignStep) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_steps (id, campaign_id, position, subject, text_body, html_body, text_only, wait_days, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CampaignID, s.Position, s.Subject, s.TextBody, s.HTMLBody, s.TextOnly, s.WaitDays, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign step: %w", err)
	}
	return nil
}

// Steps returns a campaign's sequence steps in order.
func (r *CampaignRepository) Steps(ctx context.Context, campaignID string) ([]*CampaignStep, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, campaign_id, position, subject, text_body, html_body, text_only, wait_days, created_at
		FROM campaign_steps WHERE campaign_id = ? ORDER BY position`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*CampaignStep
	for rows.Next() {
		s := &CampaignStep{}
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.Position, &s.Subject, &s.TextBody,
			&s.HTMLBody, &s.TextOnly, &s.WaitDays, &s.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

const selectCampaign = `
	SELECT id, name, status, from_emails, daily_limit, stop_on_reply,
		open_tracking, send_text_only, schedule, created_at, updated_at
	FROM campaigns`

func (r *CampaignRepository) scanOne(row rowScanner) (*Campaign, error) {
	c := &Campaign{}
	var fromJSON string
	var scheduleJSON sql.NullString

	err := row.Scan(&c.ID, &c.Name, &c.Status, &fromJSON, &c.DailyLimit, &c.StopOnReply,
		&c.OpenTracking, &c.SendTextOnly, &scheduleJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fromJSON), &c.FromEmails); err != nil {
		return nil, fmt.Errorf("corrupt from_emails for campaign %s: %w", c.ID, err)
	}
	if scheduleJSON.Valid && scheduleJSON.String != "" {
		c.Schedule = &Schedule{}
		if err := json.Unmarshal([]byte(scheduleJSON.String), c.Schedule); err != nil {
			return nil, fmt.Errorf("corrupt schedule for campaign %s: %w", c.ID, err)
		}
	}
	return c, nil
}
