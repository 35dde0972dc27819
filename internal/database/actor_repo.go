package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/unibox/pkg/models"
)

// SaveActorMapping stores or replaces the actor of an outbound platform message
func (db *DB) SaveActorMapping(ctx context.Context, m *models.OutboundActorMapping) error {
	query := db.q(`
		INSERT INTO outbound_actor_mappings (platform, account_id, message_id, actor_user_id, sender_role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, account_id, message_id)
		DO UPDATE SET actor_user_id = excluded.actor_user_id, sender_role = excluded.sender_role
		RETURNING id
	`)
	now := time.Now().UTC()
	err := db.QueryRowxContext(ctx, query, m.Platform, m.AccountID, m.MessageID, m.ActorUserID, m.SenderRole, now).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to save actor mapping: %w", err)
	}
	m.CreatedAt = now
	return nil
}

// GetActorMapping returns the stored actor of an outbound platform message
func (db *DB) GetActorMapping(ctx context.Context, platform models.Platform, accountID int64, messageID string) (*models.OutboundActorMapping, error) {
	var m models.OutboundActorMapping
	query := db.q(`SELECT * FROM outbound_actor_mappings WHERE platform = ? AND account_id = ? AND message_id = ?`)
	err := db.GetContext(ctx, &m, query, platform, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get actor mapping: %w", err)
	}
	return &m, nil
}

// DeleteActorMapping removes a consumed actor mapping
func (db *DB) DeleteActorMapping(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, db.q(`DELETE FROM outbound_actor_mappings WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete actor mapping: %w", err)
	}
	return nil
}
