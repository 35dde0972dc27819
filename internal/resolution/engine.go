// Package resolution maps incoming and outgoing messages to conversations.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/pkg/models"
)

// Outcome names the rule that produced a resolution
type Outcome string

const (
	OutcomeGeneric   Outcome = "generic"
	OutcomeMessageID Outcome = "message_id"
	OutcomeThread    Outcome = "thread"
	OutcomeRoot      Outcome = "thread_root"
	OutcomeSubject   Outcome = "subject"
	OutcomeParent    Outcome = "parent"
	OutcomeChild     Outcome = "child"
	OutcomeFallback  Outcome = "fallback"
)

// Result is where a message belongs
type Result struct {
	Conversation *models.Conversation
	Outcome      Outcome
}

// Engine resolves conversations. It holds no locks: concurrent creators
// converge through the store's unique keys.
type Engine struct {
	db     *database.DB
	logger *slog.Logger
}

// NewEngine creates a resolution engine
func NewEngine(db *database.DB, logger *slog.Logger) *Engine {
	return &Engine{db: db, logger: logger.With("component", "resolution")}
}

// Resolve returns the conversation msg belongs to, creating it if needed
func (e *Engine) Resolve(ctx context.Context, account *models.Account, msg *models.NormalizedMessage) (*Result, error) {
	if account.Platform == models.PlatformEmail {
		return e.resolveEmail(ctx, account, msg)
	}
	return e.resolveGeneric(ctx, account, msg)
}

func (e *Engine) resolveGeneric(ctx context.Context, account *models.Account, msg *models.NormalizedMessage) (*Result, error) {
	externalID := msg.ConversationExternalID
	if externalID == "" && msg.SenderHandle != "" {
		externalID = "user:" + strings.TrimPrefix(msg.SenderHandle, "@")
	}
	if externalID == "" {
		return e.fallback(ctx, account, msg)
	}

	name := e.contactName(ctx, account, msg, externalID)
	conv, created, err := e.db.FindOrCreateConversation(ctx, &models.Conversation{
		Platform:   account.Platform,
		AccountID:  account.ID,
		UserID:     account.UserID,
		ExternalID: externalID,
		Name:       name,
	})
	if err != nil {
		return nil, err
	}

	// A contact sync may have supplied a name after the conversation was created
	if !created && conv.Name == conv.ExternalID && name != externalID {
		conv.Name = name
		if err := e.db.UpdateConversation(ctx, conv); err != nil {
			e.logger.Warn("failed to rename conversation", "conversation_id", conv.ID, "error", err)
		}
	}
	return &Result{Conversation: conv, Outcome: OutcomeGeneric}, nil
}

// contactName prefers a known contact, then a chat title, then the raw id
func (e *Engine) contactName(ctx context.Context, account *models.Account, msg *models.NormalizedMessage, externalID string) string {
	if c, err := e.db.GetContact(ctx, account.Platform, account.ID, strings.TrimPrefix(externalID, "user:")); err == nil && c.DisplayName != "" {
		return c.DisplayName
	}
	if handle := strings.TrimPrefix(msg.SenderHandle, "@"); handle != "" {
		if c, err := e.db.GetContactByHandle(ctx, account.Platform, account.ID, handle); err == nil && c.DisplayName != "" && c.ExternalID == externalID {
			return c.DisplayName
		}
	}
	if msg.Subject != "" {
		return msg.Subject
	}
	return externalID
}

func (e *Engine) resolveEmail(ctx context.Context, account *models.Account, msg *models.NormalizedMessage) (*Result, error) {
	// Our own mail echoed back from Sent, or a re-delivery
	if msg.MessageID != "" {
		if conv, err := e.conversationOfMessage(ctx, account, e.db.FindMessageByMessageID, msg.MessageID); err != nil {
			return nil, err
		} else if conv != nil {
			return &Result{Conversation: conv, Outcome: OutcomeMessageID}, nil
		}
	}

	counterparty := strings.ToLower(msg.ConversationExternalID)

	if msg.HasThreadContext() {
		conv, err := e.threadMatch(ctx, account, msg)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			if conv.IsParent() {
				child, err := e.childUnder(ctx, account, conv, msg)
				if err != nil {
					return nil, err
				}
				return &Result{Conversation: child, Outcome: OutcomeThread}, nil
			}
			return &Result{Conversation: conv, Outcome: OutcomeThread}, nil
		}
	}

	// A reply stored before its root created the child under the root's id
	conv, err := e.db.GetConversationByExternalID(ctx, models.PlatformEmail, account.ID, childKey(account.ID, threadRoot(msg)))
	if err == nil {
		return &Result{Conversation: conv, Outcome: OutcomeRoot}, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	if msg.HasThreadContext() {
		conv, err := e.subjectMatch(ctx, account, msg)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return &Result{Conversation: conv, Outcome: OutcomeSubject}, nil
		}
	}

	if counterparty == "" {
		return e.fallback(ctx, account, msg)
	}

	parent, created, err := e.parentFor(ctx, account, msg, counterparty)
	if err != nil {
		return nil, err
	}
	if created && msg.IsOutbound() && msg.InReplyTo == "" {
		parent.PlatformData[models.DataFirstOutbound] = true
		if err := e.db.UpdateConversation(ctx, parent); err != nil {
			return nil, err
		}
		return &Result{Conversation: parent, Outcome: OutcomeParent}, nil
	}

	child, err := e.childUnder(ctx, account, parent, msg)
	if err != nil {
		return nil, err
	}
	return &Result{Conversation: child, Outcome: OutcomeChild}, nil
}

type messageFinder func(ctx context.Context, platform models.Platform, accountID int64, value string) (*models.Message, error)

// conversationOfMessage returns nil, nil when no stored message matches
func (e *Engine) conversationOfMessage(ctx context.Context, account *models.Account, find messageFinder, value string) (*models.Conversation, error) {
	m, err := find(ctx, models.PlatformEmail, account.ID, value)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv, err := e.db.GetConversationByID(ctx, m.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation of message %d: %w", m.ID, err)
	}
	return conv, nil
}

// threadMatch checks threadId, then In-Reply-To, then References newest first
func (e *Engine) threadMatch(ctx context.Context, account *models.Account, msg *models.NormalizedMessage) (*models.Conversation, error) {
	if msg.ThreadID != "" {
		if conv, err := e.conversationOfMessage(ctx, account, e.db.FindMessageByThreadID, msg.ThreadID); err != nil || conv != nil {
			return conv, err
		}
	}
	if msg.InReplyTo != "" {
		if conv, err := e.conversationOfMessage(ctx, account, e.db.FindMessageByMessageID, msg.InReplyTo); err != nil || conv != nil {
			return conv, err
		}
	}
	for i := len(msg.References) - 1; i >= 0; i-- {
		if conv, err := e.conversationOfMessage(ctx, account, e.db.FindMessageByMessageID, msg.References[i]); err != nil || conv != nil {
			return conv, err
		}
	}
	return nil, nil
}

// subjectMatch scans the account's threads in creation order; the first one
// with the same normalized subject and a shared participant wins
func (e *Engine) subjectMatch(ctx context.Context, account *models.Account, msg *models.NormalizedMessage) (*models.Conversation, error) {
	subject := NormalizeSubject(msg.Subject)
	if subject == "" {
		return nil, nil
	}
	people := participantsOf(msg, "")
	if len(people) == 0 {
		return nil, nil
	}

	children, err := e.db.GetChildConversations(ctx, models.PlatformEmail, account.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		if NormalizeSubject(c.PlatformData.String(models.DataThreadSubject)) != subject {
			continue
		}
		for _, p := range people {
			if c.Participants.Contains(p) {
				return c, nil
			}
		}
	}
	return nil, nil
}

func (e *Engine) parentFor(ctx context.Context, account *models.Account, msg *models.NormalizedMessage, counterparty string) (*models.Conversation, bool, error) {
	parent, created, err := e.db.FindOrCreateConversation(ctx, &models.Conversation{
		Platform:         models.PlatformEmail,
		AccountID:        account.ID,
		UserID:           account.UserID,
		ExternalID:       parentKey(account.ID, counterparty),
		Name:             parentName("", msg, counterparty, account.ExternalAccountID),
		ConversationType: models.TypePtr(models.ConversationParent),
		PlatformData:     models.JSONMap{models.DataReceiverEmail: counterparty},
		Participants:     models.StringList{counterparty},
	})
	if err != nil {
		return nil, false, err
	}
	if parent.PlatformData == nil {
		parent.PlatformData = models.JSONMap{}
	}

	if !created {
		if name := parentName(parent.Name, msg, counterparty, account.ExternalAccountID); name != parent.Name {
			parent.Name = name
			if err := e.db.UpdateConversation(ctx, parent); err != nil {
				return nil, false, err
			}
		}
	}
	return parent, created, nil
}

// childUnder finds or creates the thread conversation for msg under parent
func (e *Engine) childUnder(ctx context.Context, account *models.Account, parent *models.Conversation, msg *models.NormalizedMessage) (*models.Conversation, error) {
	root := threadRoot(msg)
	subject := strings.TrimSpace(msg.Subject)
	name := childName(subject, parent.Name)

	child, created, err := e.db.FindOrCreateConversation(ctx, &models.Conversation{
		Platform:         models.PlatformEmail,
		AccountID:        account.ID,
		UserID:           account.UserID,
		ExternalID:       childKey(account.ID, root),
		Name:             name,
		ParentID:         &parent.ID,
		ConversationType: models.TypePtr(models.ConversationChild),
		PlatformData: models.JSONMap{
			models.DataThreadSubject: subject,
			models.DataThreadRoot:    root,
			models.DataReceiverEmail: parent.PlatformData.String(models.DataReceiverEmail),
		},
		Participants:  participantsOf(msg, account.ExternalAccountID),
		BccRecipients: models.StringList(msg.BCC),
	})
	if err != nil {
		return nil, err
	}
	if created {
		return child, nil
	}

	// Later messages may bring new participants
	changed := false
	for _, p := range participantsOf(msg, account.ExternalAccountID) {
		if !child.Participants.Contains(p) {
			child.Participants = append(child.Participants, p)
			changed = true
		}
	}
	if changed {
		if err := e.db.UpdateConversation(ctx, child); err != nil {
			return nil, err
		}
	}
	return child, nil
}

// fallback creates a standalone conversation flagged for later attachment
func (e *Engine) fallback(ctx context.Context, account *models.Account, msg *models.NormalizedMessage) (*Result, error) {
	externalID := msg.ConversationExternalID
	if externalID == "" {
		externalID = "orphan:" + msg.ExternalMessageID
	}
	if account.Platform == models.PlatformEmail {
		externalID = fmt.Sprintf("%d:%s", account.ID, externalID)
	}

	name := msg.SenderName
	if name == "" {
		name = externalID
	}
	conv, _, err := e.db.FindOrCreateConversation(ctx, &models.Conversation{
		Platform:     account.Platform,
		AccountID:    account.ID,
		UserID:       account.UserID,
		ExternalID:   externalID,
		Name:         name,
		PlatformData: models.JSONMap{models.DataNeedsParent: true},
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("created standalone conversation", "account_id", account.ID, "conversation_id", conv.ID, "external_message_id", msg.ExternalMessageID)
	return &Result{Conversation: conv, Outcome: OutcomeFallback}, nil
}

func parentKey(accountID int64, address string) string {
	return fmt.Sprintf("%d:%s", accountID, strings.ToLower(address))
}

func childKey(accountID int64, root string) string {
	return fmt.Sprintf("%d:thread:%s", accountID, root)
}

// threadRoot is the first reference, else In-Reply-To, else the message itself
func threadRoot(msg *models.NormalizedMessage) string {
	switch {
	case len(msg.References) > 0:
		return msg.References[0]
	case msg.InReplyTo != "":
		return msg.InReplyTo
	case msg.MessageID != "":
		return msg.MessageID
	default:
		return msg.ExternalMessageID
	}
}

// participantsOf lists sender, To and Cc addresses, lowercased, without self
func participantsOf(msg *models.NormalizedMessage, self string) models.StringList {
	self = strings.ToLower(self)
	var out models.StringList
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || addr == self || out.Contains(addr) {
			return
		}
		out = append(out, addr)
	}
	add(msg.SenderHandle)
	for _, a := range msg.Recipients {
		add(a)
	}
	for _, a := range msg.CC {
		add(a)
	}
	return out
}
