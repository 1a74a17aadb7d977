// Package store persists the engine's domain entities: sender identities,
// warmup mailboxes, campaigns, sequence steps and leads. Only the fields the
// engine reads or writes are modeled here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite handle and repositories.
type DB struct {
	*sql.DB

	Identities *IdentityRepository
	Warmups    *WarmupRepository
	Campaigns  *CampaignRepository
	Leads      *LeadRepository
}

// Open opens (creating if needed) the entity database and runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{DB: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	d.Identities = NewIdentityRepository(db)
	d.Warmups = NewWarmupRepository(db)
	d.Campaigns = NewCampaignRepository(db)
	d.Leads = NewLeadRepository(db)
	return d, nil
}

func (d *DB) migrate() error {
	migrations := []string{
		migrationIdentities,
		migrationWarmups,
		migrationCampaigns,
		migrationCampaignSteps,
		migrationLeads,
		migrationLeadActivity,
	}

	for _, m := range migrations {
		if _, err := d.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const migrationIdentities = `
CREATE TABLE IF NOT EXISTS sender_identities (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	access_token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expiry TIMESTAMP,
	smtp_host TEXT NOT NULL DEFAULT '',
	smtp_port INTEGER NOT NULL DEFAULT 0,
	smtp_username TEXT NOT NULL DEFAULT '',
	smtp_password TEXT NOT NULL DEFAULT '',
	smtp_security TEXT NOT NULL DEFAULT 'starttls',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

const migrationWarmups = `
CREATE TABLE IF NOT EXISTS warmup_mailboxes (
	id TEXT PRIMARY KEY,
	identity_email TEXT NOT NULL REFERENCES sender_identities(email),
	daily_email_limit INTEGER NOT NULL,
	start_date TIMESTAMP NOT NULL,
	duration_days INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	stats_sent INTEGER NOT NULL DEFAULT 0,
	stats_received INTEGER NOT NULL DEFAULT 0,
	stats_replies INTEGER NOT NULL DEFAULT 0,
	stats_opens INTEGER NOT NULL DEFAULT 0,
	last_activity TIMESTAMP,
	sent_today INTEGER NOT NULL DEFAULT 0,
	sent_today_date TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	from_emails TEXT NOT NULL DEFAULT '[]',
	from_cursor INTEGER NOT NULL DEFAULT 0,
	daily_limit INTEGER NOT NULL DEFAULT 0,
	stop_on_reply INTEGER NOT NULL DEFAULT 1,
	open_tracking INTEGER NOT NULL DEFAULT 0,
	send_text_only INTEGER NOT NULL DEFAULT 0,
	schedule TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

const migrationCampaignSteps = `
CREATE TABLE IF NOT EXISTS campaign_steps (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL REFERENCES campaigns(id),
	position INTEGER NOT NULL,
	subject TEXT NOT NULL,
	text_body TEXT NOT NULL,
	html_body TEXT NOT NULL DEFAULT '',
	text_only INTEGER NOT NULL DEFAULT 0,
	wait_days INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(campaign_id, position)
)`

const migrationLeads = `
CREATE TABLE IF NOT EXISTS leads (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL REFERENCES campaigns(id),
	email TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	current_step INTEGER NOT NULL DEFAULT 0,
	has_replied INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(campaign_id, email)
)`

const migrationLeadActivity = `
CREATE TABLE IF NOT EXISTS lead_activity (
	id TEXT PRIMARY KEY,
	lead_id TEXT NOT NULL REFERENCES leads(id),
	campaign_id TEXT NOT NULL REFERENCES campaigns(id),
	step_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	sent_at TIMESTAMP NOT NULL
)`
