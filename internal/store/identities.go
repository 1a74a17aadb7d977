package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdentityRepository persists sender identities. Token fields are mutated
// only by the credential resolver.
type IdentityRepository struct {
	db *sql.DB
}

func NewIdentityRepository(db *sql.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// Create inserts a new identity.
func (r *IdentityRepository) Create(ctx context.Context, id *SenderIdentity) error {
	if id.ID == "" {
		id.ID = uuid.New().String()
	}
	id.CreatedAt = time.Now()
	id.UpdatedAt = id.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sender_identities (id, email, kind, access_token, refresh_token, token_expiry,
			smtp_host, smtp_port, smtp_username, smtp_password, smtp_security, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.ID, id.Email, id.Kind, id.AccessToken, id.RefreshToken, id.TokenExpiry,
		id.SMTPHost, id.SMTPPort, id.SMTPUsername, id.SMTPPassword, id.SMTPSecurity,
		id.CreatedAt, id.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// GetByEmail returns the identity for an address, or nil if unknown.
func (r *IdentityRepository) GetByEmail(ctx context.Context, email string) (*SenderIdentity, error) {
	id := &SenderIdentity{}
	var expiry sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, kind, access_token, refresh_token, token_expiry,
			smtp_host, smtp_port, smtp_username, smtp_password, smtp_security, created_at, updated_at
		FROM sender_identities WHERE email = ?`, email,
	).Scan(&id.ID, &id.Email, &id.Kind, &id.AccessToken, &id.RefreshToken, &expiry,
		&id.SMTPHost, &id.SMTPPort, &id.SMTPUsername, &id.SMTPPassword, &id.SMTPSecurity,
		&id.CreatedAt, &id.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		id.TokenExpiry = &expiry.Time
	}
	return id, nil
}

// UpdateTokens persists refreshed credentials. Microsoft rotates refresh
// tokens on use, so the new refresh token must be stored before the access
// token is handed to any caller.
func (r *IdentityRepository) UpdateTokens(ctx context.Context, email, accessToken, refreshToken string, expiry time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sender_identities
		SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE email = ?`,
		accessToken, refreshToken, expiry, time.Now(), email,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens for %s: %w", email, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("identity %s not found", email)
	}
	return err
}
