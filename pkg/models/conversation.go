package models

import "time"

// ConversationType two-level email grouping marker
type ConversationType string

const (
	ConversationParent ConversationType = "parent"
	ConversationChild  ConversationType = "child"
)

// Keys used inside Conversation.PlatformData
const (
	DataReceiverEmail = "receiverEmail"
	DataThreadSubject = "threadSubject"
	DataThreadRoot    = "threadRoot"
	DataNeedsParent   = "needsParent"
	DataFirstOutbound = "firstOutbound"
)

// Conversation is a unified chat, DM thread or email thread
type Conversation struct {
	ID               int64             `db:"id"`
	Platform         Platform          `db:"platform"`
	AccountID        int64             `db:"account_id"`
	UserID           int64             `db:"user_id"`
	ExternalID       string            `db:"external_id"`
	Name             string            `db:"name"`
	UnreadCount      int               `db:"unread_count"`
	PlatformData     JSONMap           `db:"platform_data"`
	ParentID         *int64            `db:"parent_id"`
	ConversationType *ConversationType `db:"conversation_type"`
	Participants     StringList        `db:"participants"`
	BccRecipients    StringList        `db:"bcc_recipients"`
	LastMessageAt    *time.Time        `db:"last_message_at"`
	CreatedAt        time.Time         `db:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at"`
}

// IsParent reports whether the conversation is a counterparty parent
func (c *Conversation) IsParent() bool {
	return c.ConversationType != nil && *c.ConversationType == ConversationParent
}

// IsChild reports whether the conversation is a thread under a parent
func (c *Conversation) IsChild() bool {
	return c.ConversationType != nil && *c.ConversationType == ConversationChild
}

// TypePtr returns a pointer to t, for optional columns
func TypePtr(t ConversationType) *ConversationType {
	return &t
}
