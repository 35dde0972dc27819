package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/unibox/pkg/models"
)

// CreateConversation inserts a conversation; returns ErrAlreadyExists when
// (platform, account_id, external_id) is taken
func (db *DB) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.PlatformData == nil {
		conv.PlatformData = models.JSONMap{}
	}
	query := db.q(`
		INSERT INTO conversations (platform, account_id, user_id, external_id, name, unread_count, platform_data, parent_id, conversation_type, participants, bcc_recipients, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	now := time.Now().UTC()
	err := db.QueryRowxContext(ctx, query,
		conv.Platform,
		conv.AccountID,
		conv.UserID,
		conv.ExternalID,
		conv.Name,
		conv.UnreadCount,
		conv.PlatformData,
		conv.ParentID,
		conv.ConversationType,
		conv.Participants,
		conv.BccRecipients,
		conv.LastMessageAt,
		now,
		now,
	).Scan(&conv.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now
	return nil
}

// FindOrCreateConversation returns the stored conversation with conv's key,
// creating it from conv when absent. Concurrent creators converge on one row.
func (db *DB) FindOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, bool, error) {
	existing, err := db.GetConversationByExternalID(ctx, conv.Platform, conv.AccountID, conv.ExternalID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	err = db.CreateConversation(ctx, conv)
	if errors.Is(err, ErrAlreadyExists) {
		existing, err = db.GetConversationByExternalID(ctx, conv.Platform, conv.AccountID, conv.ExternalID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// GetConversationByID returns a conversation by ID
func (db *DB) GetConversationByID(ctx context.Context, id int64) (*models.Conversation, error) {
	var conv models.Conversation
	err := db.GetContext(ctx, &conv, db.q(`SELECT * FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// GetConversationByExternalID returns a conversation by its unique key
func (db *DB) GetConversationByExternalID(ctx context.Context, platform models.Platform, accountID int64, externalID string) (*models.Conversation, error) {
	var conv models.Conversation
	query := db.q(`SELECT * FROM conversations WHERE platform = ? AND account_id = ? AND external_id = ?`)
	err := db.GetContext(ctx, &conv, query, platform, accountID, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

// GetChildConversations returns an account's thread conversations, oldest first
func (db *DB) GetChildConversations(ctx context.Context, platform models.Platform, accountID int64) ([]*models.Conversation, error) {
	var convs []*models.Conversation
	query := db.q(`SELECT * FROM conversations WHERE platform = ? AND account_id = ? AND conversation_type = ? ORDER BY id`)
	if err := db.SelectContext(ctx, &convs, query, platform, accountID, models.ConversationChild); err != nil {
		return nil, fmt.Errorf("failed to get child conversations: %w", err)
	}
	return convs, nil
}

// GetConversationsByParent returns children of a parent conversation
func (db *DB) GetConversationsByParent(ctx context.Context, parentID int64) ([]*models.Conversation, error) {
	var convs []*models.Conversation
	query := db.q(`SELECT * FROM conversations WHERE parent_id = ? ORDER BY id`)
	if err := db.SelectContext(ctx, &convs, query, parentID); err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	return convs, nil
}

// UpdateConversation persists mutable conversation fields
func (db *DB) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	query := db.q(`
		UPDATE conversations
		SET name = ?, platform_data = ?, parent_id = ?, conversation_type = ?, participants = ?, bcc_recipients = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?
	`)
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		conv.Name,
		conv.PlatformData,
		conv.ParentID,
		conv.ConversationType,
		conv.Participants,
		conv.BccRecipients,
		conv.LastMessageAt,
		now,
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	conv.UpdatedAt = now
	return nil
}

// TouchConversation advances last_message_at when at is newer
func (db *DB) TouchConversation(ctx context.Context, id int64, at time.Time) error {
	query := db.q(`
		UPDATE conversations
		SET last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at < ? THEN ? ELSE last_message_at END, updated_at = ?
		WHERE id = ?
	`)
	at = at.UTC()
	if _, err := db.ExecContext(ctx, query, at, at, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// AddUnread adjusts the unread counter by delta, never below zero
func (db *DB) AddUnread(ctx context.Context, id int64, delta int) error {
	query := db.q(`
		UPDATE conversations
		SET unread_count = CASE WHEN unread_count + ? < 0 THEN 0 ELSE unread_count + ? END, updated_at = ?
		WHERE id = ?
	`)
	if _, err := db.ExecContext(ctx, query, delta, delta, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update unread count: %w", err)
	}
	return nil
}

// ResetUnread sets the unread counter to zero
func (db *DB) ResetUnread(ctx context.Context, id int64) error {
	query := db.q(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to reset unread count: %w", err)
	}
	return nil
}
