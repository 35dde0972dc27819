package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/unibox/pkg/models"
)

// CreateMessage inserts a message; returns ErrAlreadyExists when
// (external_message_id, conversation_id) is taken
func (db *DB) CreateMessage(ctx context.Context, msg *models.Message) error {
	query := db.q(`
		INSERT INTO messages (conversation_id, account_id, platform, external_message_id, direction, status, sender_role, sent_by, sender_handle, sender_name, text, html, raw_payload, message_id, in_reply_to, refs, thread_id, subject, parent_message_id, sent_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	now := time.Now().UTC()
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}
	err := db.QueryRowxContext(ctx, query,
		msg.ConversationID,
		msg.AccountID,
		msg.Platform,
		msg.ExternalMessageID,
		msg.Direction,
		msg.Status,
		msg.SenderRole,
		msg.SentBy,
		msg.SenderHandle,
		msg.SenderName,
		msg.Text,
		msg.HTML,
		msg.RawPayload,
		msg.MessageID,
		msg.InReplyTo,
		msg.References,
		msg.ThreadID,
		msg.Subject,
		msg.ParentMessageID,
		msg.SentAt.UTC(),
		now,
		now,
	).Scan(&msg.ID)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return nil
}

// GetMessageByID returns a message by ID
func (db *DB) GetMessageByID(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := db.GetContext(ctx, &msg, db.q(`SELECT * FROM messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// GetMessageByKey returns a message by its idempotency key
func (db *DB) GetMessageByKey(ctx context.Context, externalMessageID string, conversationID int64) (*models.Message, error) {
	var msg models.Message
	query := db.q(`SELECT * FROM messages WHERE external_message_id = ? AND conversation_id = ?`)
	err := db.GetContext(ctx, &msg, query, externalMessageID, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// FindMessageByThreadID returns the oldest message of an account with the thread id
func (db *DB) FindMessageByThreadID(ctx context.Context, platform models.Platform, accountID int64, threadID string) (*models.Message, error) {
	return db.findMessage(ctx, `thread_id = ?`, platform, accountID, threadID)
}

// FindMessageByMessageID returns the oldest message of an account with the Message-ID
func (db *DB) FindMessageByMessageID(ctx context.Context, platform models.Platform, accountID int64, messageID string) (*models.Message, error) {
	return db.findMessage(ctx, `message_id = ?`, platform, accountID, messageID)
}

// FindMessageByExternalID returns the oldest message of an account with the platform id
func (db *DB) FindMessageByExternalID(ctx context.Context, platform models.Platform, accountID int64, externalID string) (*models.Message, error) {
	return db.findMessage(ctx, `external_message_id = ?`, platform, accountID, externalID)
}

func (db *DB) findMessage(ctx context.Context, cond string, platform models.Platform, accountID int64, value string) (*models.Message, error) {
	var msg models.Message
	query := db.q(`SELECT * FROM messages WHERE platform = ? AND account_id = ? AND ` + cond + ` ORDER BY id LIMIT 1`)
	err := db.GetContext(ctx, &msg, query, platform, accountID, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message: %w", err)
	}
	return &msg, nil
}

// GetRecentMessages returns the newest messages of a conversation
func (db *DB) GetRecentMessages(ctx context.Context, conversationID int64, limit int) ([]*models.Message, error) {
	var msgs []*models.Message
	query := db.q(`SELECT * FROM messages WHERE conversation_id = ? ORDER BY sent_at DESC, id DESC LIMIT ?`)
	if err := db.SelectContext(ctx, &msgs, query, conversationID, limit); err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

// AddMessageLocation records that a stored email sits at uid in mailbox.
// Recording the same location twice is a no-op.
func (db *DB) AddMessageLocation(ctx context.Context, messageID, accountID int64, mailbox string, uid uint32) error {
	query := db.q(`
		INSERT INTO message_locations (message_id, account_id, mailbox, uid, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, mailbox, uid) DO NOTHING
	`)
	if _, err := db.ExecContext(ctx, query, messageID, accountID, mailbox, int64(uid), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to add message location: %w", err)
	}
	return nil
}

// GetMailboxUIDs returns the highest stored UIDs of an account's mailbox
func (db *DB) GetMailboxUIDs(ctx context.Context, accountID int64, mailbox string, limit int) ([]uint32, error) {
	var uids []int64
	query := db.q(`SELECT uid FROM message_locations WHERE account_id = ? AND mailbox = ? ORDER BY uid DESC LIMIT ?`)
	if err := db.SelectContext(ctx, &uids, query, accountID, mailbox, limit); err != nil {
		return nil, fmt.Errorf("failed to get mailbox uids: %w", err)
	}
	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out, nil
}

// GetUnreadInbound returns inbound messages of a conversation not yet read
func (db *DB) GetUnreadInbound(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	var msgs []*models.Message
	query := db.q(`SELECT * FROM messages WHERE conversation_id = ? AND direction = ? AND status <> ? ORDER BY id`)
	if err := db.SelectContext(ctx, &msgs, query, conversationID, models.DirectionInbound, models.StatusRead); err != nil {
		return nil, fmt.Errorf("failed to get unread messages: %w", err)
	}
	return msgs, nil
}

// UpdateMessageActor records who composed an outbound message
func (db *DB) UpdateMessageActor(ctx context.Context, id int64, sentBy int64, role models.SenderRole) error {
	query := db.q(`UPDATE messages SET sent_by = ?, sender_role = ?, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, sentBy, role, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update message actor: %w", err)
	}
	return nil
}

// UpdateMessageStatus sets the delivery status of a message
func (db *DB) UpdateMessageStatus(ctx context.Context, id int64, status models.MessageStatus) error {
	query := db.q(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`)
	if _, err := db.ExecContext(ctx, query, status, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// MarkConversationRead marks every inbound message of a conversation read
func (db *DB) MarkConversationRead(ctx context.Context, conversationID int64) (int64, error) {
	query := db.q(`UPDATE messages SET status = ?, updated_at = ? WHERE conversation_id = ? AND direction = ? AND status <> ?`)
	res, err := db.ExecContext(ctx, query, models.StatusRead, time.Now().UTC(), conversationID, models.DirectionInbound, models.StatusRead)
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// ConfirmMessage replaces a temporary id with the platform id and stores thread
// headers; returns ErrAlreadyExists when the platform id is already stored
func (db *DB) ConfirmMessage(ctx context.Context, msg *models.Message) error {
	query := db.q(`
		UPDATE messages
		SET external_message_id = ?, status = ?, message_id = ?, thread_id = ?, sent_at = ?, updated_at = ?
		WHERE id = ?
	`)
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		msg.ExternalMessageID,
		msg.Status,
		msg.MessageID,
		msg.ThreadID,
		msg.SentAt.UTC(),
		now,
		msg.ID,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to confirm message: %w", err)
	}
	msg.UpdatedAt = now
	return nil
}

// DeleteMessage deletes a message
func (db *DB) DeleteMessage(ctx context.Context, id int64) error {
	if _, err := db.ExecContext(ctx, db.q(`DELETE FROM messages WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}
