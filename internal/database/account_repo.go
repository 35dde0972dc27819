package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/unibox/pkg/models"
)

// CreateAccount creates a new connected account
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.JobKey == "" {
		account.JobKey = uuid.NewString()
	}
	if account.Status == "" {
		account.Status = models.AccountActive
	}
	query := db.q(`
		INSERT INTO accounts (user_id, platform, external_account_id, status, credentials, poll_interval, poll_cursor, job_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	now := time.Now().UTC()
	err := db.QueryRowxContext(ctx, query,
		account.UserID,
		account.Platform,
		account.ExternalAccountID,
		account.Status,
		account.Credentials,
		account.PollInterval,
		account.Cursor,
		account.JobKey,
		now,
		now,
	).Scan(&account.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	err := db.GetContext(ctx, &account, db.q(`SELECT * FROM accounts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountsByUser returns all accounts a user owns on a platform
func (db *DB) GetAccountsByUser(ctx context.Context, userID int64, platform models.Platform) ([]*models.Account, error) {
	var accounts []*models.Account
	query := db.q(`SELECT * FROM accounts WHERE user_id = ? AND platform = ? ORDER BY id`)
	if err := db.SelectContext(ctx, &accounts, query, userID, platform); err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// GetActiveAccounts returns all active accounts
func (db *DB) GetActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := db.q(`SELECT * FROM accounts WHERE status = ? ORDER BY id`)
	if err := db.SelectContext(ctx, &accounts, query, models.AccountActive); err != nil {
		return nil, fmt.Errorf("failed to get active accounts: %w", err)
	}
	return accounts, nil
}

// GetActiveAccountsByPlatform returns active accounts of one platform
func (db *DB) GetActiveAccountsByPlatform(ctx context.Context, platform models.Platform) ([]*models.Account, error) {
	var accounts []*models.Account
	query := db.q(`SELECT * FROM accounts WHERE status = ? AND platform = ? ORDER BY id`)
	if err := db.SelectContext(ctx, &accounts, query, models.AccountActive, platform); err != nil {
		return nil, fmt.Errorf("failed to get active accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountPollState stores the cursor after a successful poll and clears backoff
func (db *DB) UpdateAccountPollState(ctx context.Context, id int64, cursor string, polledAt time.Time) error {
	query := db.q(`UPDATE accounts SET poll_cursor = ?, last_polled_at = ?, next_poll_at = NULL, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, cursor, polledAt.UTC(), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update poll state: %w", err)
	}
	return nil
}

// SetAccountNextPoll gates polling until at; nil clears the gate
func (db *DB) SetAccountNextPoll(ctx context.Context, id int64, at *time.Time) error {
	var next any
	if at != nil {
		next = at.UTC()
	}
	query := db.q(`UPDATE accounts SET next_poll_at = ?, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, next, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to set next poll: %w", err)
	}
	return nil
}

// SetAccountStatus sets the lifecycle status of an account
func (db *DB) SetAccountStatus(ctx context.Context, id int64, status models.AccountStatus) error {
	query := db.q(`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, status, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

// UpdateAccountCredentials replaces the encrypted credentials
func (db *DB) UpdateAccountCredentials(ctx context.Context, id int64, credentials string) error {
	query := db.q(`UPDATE accounts SET credentials = ?, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, credentials, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return nil
}

// DeleteAccount deletes an account
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, db.q(`DELETE FROM accounts WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
