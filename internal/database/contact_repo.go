package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/unibox/pkg/models"
)

// UpsertContact inserts a contact or refreshes its handle and display name.
// An empty display name does not erase a known one.
func (db *DB) UpsertContact(ctx context.Context, c *models.Contact) error {
	query := db.q(`
		INSERT INTO contacts (platform, account_id, external_id, handle, display_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, account_id, external_id)
		DO UPDATE SET handle = excluded.handle,
			display_name = CASE WHEN excluded.display_name = '' THEN contacts.display_name ELSE excluded.display_name END,
			updated_at = excluded.updated_at
		RETURNING id
	`)
	now := time.Now().UTC()
	err := db.QueryRowxContext(ctx, query, c.Platform, c.AccountID, c.ExternalID, c.Handle, c.DisplayName, now).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	c.UpdatedAt = now
	return nil
}

// GetContact returns a contact by its platform id
func (db *DB) GetContact(ctx context.Context, platform models.Platform, accountID int64, externalID string) (*models.Contact, error) {
	var c models.Contact
	query := db.q(`SELECT * FROM contacts WHERE platform = ? AND account_id = ? AND external_id = ?`)
	err := db.GetContext(ctx, &c, query, platform, accountID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &c, nil
}

// GetContactByHandle returns a contact by handle
func (db *DB) GetContactByHandle(ctx context.Context, platform models.Platform, accountID int64, handle string) (*models.Contact, error) {
	var c models.Contact
	query := db.q(`SELECT * FROM contacts WHERE platform = ? AND account_id = ? AND handle = ? ORDER BY id LIMIT 1`)
	err := db.GetContext(ctx, &c, query, platform, accountID, handle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &c, nil
}

// GetContacts returns all contacts of an account
func (db *DB) GetContacts(ctx context.Context, accountID int64) ([]*models.Contact, error) {
	var contacts []*models.Contact
	if err := db.SelectContext(ctx, &contacts, db.q(`SELECT * FROM contacts WHERE account_id = ? ORDER BY id`), accountID); err != nil {
		return nil, fmt.Errorf("failed to get contacts: %w", err)
	}
	return contacts, nil
}
