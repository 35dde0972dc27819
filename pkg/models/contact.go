package models

import "time"

// Contact is a known counterparty on a platform
type Contact struct {
	ID          int64     `db:"id"`
	Platform    Platform  `db:"platform"`
	AccountID   int64     `db:"account_id"`
	ExternalID  string    `db:"external_id"`
	Handle      string    `db:"handle"`
	DisplayName string    `db:"display_name"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// OutboundActorMapping links a platform message id to the internal sender
type OutboundActorMapping struct {
	ID          int64      `db:"id"`
	Platform    Platform   `db:"platform"`
	AccountID   int64      `db:"account_id"`
	MessageID   string     `db:"message_id"`
	ActorUserID int64      `db:"actor_user_id"`
	SenderRole  SenderRole `db:"sender_role"`
	CreatedAt   time.Time  `db:"created_at"`
}
