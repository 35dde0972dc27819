package models

import (
	"encoding/json"
	"time"
)

// Direction of a message relative to the connected account
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageStatus delivery state
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending" // Outbound, not yet confirmed
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// SenderRole who composed an outbound message
type SenderRole string

const (
	RoleOwner SenderRole = "owner"
	RolePA    SenderRole = "pa"
)

// TempIDPrefix marks an outbound message id not yet confirmed by the platform
const TempIDPrefix = "tmp:"

// Message represents a stored message
type Message struct {
	ID                int64         `db:"id"`
	ConversationID    int64         `db:"conversation_id"`
	AccountID         int64         `db:"account_id"`
	Platform          Platform      `db:"platform"`
	ExternalMessageID string        `db:"external_message_id"` // Idempotency key with ConversationID
	Direction         Direction     `db:"direction"`
	Status            MessageStatus `db:"status"`
	SenderRole        *SenderRole   `db:"sender_role"`
	SentBy            *int64        `db:"sent_by"` // Internal actor
	SenderHandle      string        `db:"sender_handle"`
	SenderName        string        `db:"sender_name"`
	Text              string        `db:"text"`
	HTML              string        `db:"html"`
	RawPayload        string        `db:"raw_payload"`
	MessageID         *string       `db:"message_id"` // Email Message-ID
	InReplyTo         *string       `db:"in_reply_to"`
	References        StringList    `db:"refs"`
	ThreadID          *string       `db:"thread_id"`
	Subject           *string       `db:"subject"`
	ParentMessageID   *int64        `db:"parent_message_id"`
	SentAt            time.Time     `db:"sent_at"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

// NormalizedMessage is the platform-independent shape drivers produce
type NormalizedMessage struct {
	ExternalMessageID      string          `json:"externalMessageId"`
	ConversationExternalID string          `json:"conversationExternalId,omitempty"`
	Direction              Direction       `json:"direction,omitempty"`
	SenderHandle           string          `json:"senderHandle"`
	SenderName             string          `json:"senderName,omitempty"`
	Recipients             []string        `json:"recipients,omitempty"`
	CC                     []string        `json:"cc,omitempty"`
	BCC                    []string        `json:"bcc,omitempty"`
	Text                   string          `json:"text,omitempty"`
	HTML                   string          `json:"html,omitempty"`
	SentAt                 time.Time       `json:"sentAt"`
	MessageID              string          `json:"messageId,omitempty"`
	InReplyTo              string          `json:"inReplyTo,omitempty"`
	References             []string        `json:"references,omitempty"`
	ThreadID               string          `json:"threadId,omitempty"`
	Subject                string          `json:"subject,omitempty"`
	ReplyToExternalID      string          `json:"replyToExternalId,omitempty"`
	Seen                   bool            `json:"seen,omitempty"`
	Mailbox                string          `json:"mailbox,omitempty"` // Email folder holding this copy
	UID                    uint32          `json:"uid,omitempty"`
	Raw                    json.RawMessage `json:"raw,omitempty"`
}

// HasThreadContext reports whether any email threading field is set
func (m *NormalizedMessage) HasThreadContext() bool {
	return m.ThreadID != "" || m.InReplyTo != "" || len(m.References) > 0
}

// IsOutbound reports whether the message was sent by the account
func (m *NormalizedMessage) IsOutbound() bool {
	return m.Direction == DirectionOutbound
}

// StrPtr returns nil for empty strings
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
