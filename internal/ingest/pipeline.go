// Package ingest stores normalized messages: resolve, insert, attribute, notify.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mixelka/unibox/internal/actor"
	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/metrics"
	"github.com/mixelka/unibox/internal/notify"
	"github.com/mixelka/unibox/internal/resolution"
	"github.com/mixelka/unibox/pkg/models"
)

// recentLimit is how many messages ride along with an inbound notification
const recentLimit = 20

// Result is the outcome of saving one message
type Result struct {
	Message      *models.Message
	Conversation *models.Conversation
	Outcome      resolution.Outcome
	Duplicate    bool
}

// Pipeline saves messages produced by drivers
type Pipeline struct {
	db       *database.DB
	engine   *resolution.Engine
	actors   *actor.Resolver
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewPipeline creates an ingestion pipeline
func NewPipeline(db *database.DB, engine *resolution.Engine, actors *actor.Resolver, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		db:       db,
		engine:   engine,
		actors:   actors,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "ingest"),
	}
}

// Save stores job's message. Saving the same message twice is a no-op apart
// from backfilling fields the first copy lacked.
func (p *Pipeline) Save(ctx context.Context, job models.SaveMessageJob) (*Result, error) {
	account, err := p.db.GetAccountByID(ctx, job.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %d: %w", job.AccountID, err)
	}
	msg := &job.Message

	res, err := p.engine.Resolve(ctx, account, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	conv := res.Conversation
	p.metrics.Resolved(string(account.Platform), string(res.Outcome))

	stored := p.toMessage(ctx, account, conv, msg)

	var mapping *actor.Mapping
	if msg.IsOutbound() {
		mapping = p.resolveActor(ctx, account, msg)
		if mapping != nil {
			stored.SentBy = &mapping.ActorUserID
			role := mapping.SenderRole
			stored.SenderRole = &role
		}
	}

	err = p.db.CreateMessage(ctx, stored)
	if errors.Is(err, database.ErrAlreadyExists) {
		existing, err := p.backfill(ctx, conv, msg, mapping)
		if err != nil {
			return nil, err
		}
		p.saveLocation(ctx, account, existing, msg)
		p.metrics.Duplicate(string(account.Platform))
		return &Result{Message: existing, Conversation: conv, Outcome: res.Outcome, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	p.metrics.Ingested(string(account.Platform), string(stored.Direction))
	p.saveLocation(ctx, account, stored, msg)

	p.updateConversation(ctx, conv, stored, msg)
	p.saveContact(ctx, account, msg)

	p.logger.Debug("message saved",
		"account_id", account.ID,
		"platform", account.Platform,
		"conversation_id", conv.ID,
		"message_id", stored.ID,
		"outcome", res.Outcome,
	)

	if !msg.IsOutbound() {
		p.notifyInbound(ctx, account, conv, stored)
	}
	return &Result{Message: stored, Conversation: conv, Outcome: res.Outcome}, nil
}

func (p *Pipeline) toMessage(ctx context.Context, account *models.Account, conv *models.Conversation, msg *models.NormalizedMessage) *models.Message {
	direction := msg.Direction
	if direction == "" {
		direction = models.DirectionInbound
	}
	status := models.StatusDelivered
	switch {
	case direction == models.DirectionOutbound:
		status = models.StatusSent
	case msg.Seen:
		status = models.StatusRead
	}

	stored := &models.Message{
		ConversationID:    conv.ID,
		AccountID:         account.ID,
		Platform:          account.Platform,
		ExternalMessageID: msg.ExternalMessageID,
		Direction:         direction,
		Status:            status,
		SenderHandle:      msg.SenderHandle,
		SenderName:        msg.SenderName,
		Text:              msg.Text,
		HTML:              msg.HTML,
		RawPayload:        string(msg.Raw),
		MessageID:         models.StrPtr(msg.MessageID),
		InReplyTo:         models.StrPtr(msg.InReplyTo),
		References:        msg.References,
		ThreadID:          models.StrPtr(msg.ThreadID),
		Subject:           models.StrPtr(msg.Subject),
		SentAt:            msg.SentAt,
	}

	if msg.ReplyToExternalID != "" {
		parent, err := p.db.FindMessageByExternalID(ctx, account.Platform, account.ID, msg.ReplyToExternalID)
		if err == nil {
			stored.ParentMessageID = &parent.ID
		} else if !errors.Is(err, database.ErrNotFound) {
			p.logger.Warn("failed to look up replied message", "account_id", account.ID, "error", err)
		}
	}
	return stored
}

// actorKey is the id the send flow recorded the mapping under
func actorKey(account *models.Account, msg *models.NormalizedMessage) actor.Key {
	id := msg.ExternalMessageID
	if account.Platform == models.PlatformEmail && msg.MessageID != "" {
		id = msg.MessageID
	}
	return actor.Key{Platform: account.Platform, AccountID: account.ID, MessageID: id}
}

func (p *Pipeline) resolveActor(ctx context.Context, account *models.Account, msg *models.NormalizedMessage) *actor.Mapping {
	if p.actors == nil {
		return nil
	}
	m, err := p.actors.Resolve(ctx, actorKey(account, msg), actor.ResolveOptions{})
	if err != nil {
		p.logger.Warn("failed to resolve actor", "account_id", account.ID, "error", err)
		return nil
	}
	return m
}

// backfill merges late fields into the already stored copy: the actor of
// an outbound message and the read state of an inbound one
func (p *Pipeline) backfill(ctx context.Context, conv *models.Conversation, msg *models.NormalizedMessage, mapping *actor.Mapping) (*models.Message, error) {
	existing, err := p.db.GetMessageByKey(ctx, msg.ExternalMessageID, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load duplicate message: %w", err)
	}
	if mapping != nil && existing.SentBy == nil {
		if err := p.db.UpdateMessageActor(ctx, existing.ID, mapping.ActorUserID, mapping.SenderRole); err != nil {
			return nil, err
		}
		existing.SentBy = &mapping.ActorUserID
		role := mapping.SenderRole
		existing.SenderRole = &role
	}
	if msg.Seen && existing.Direction == models.DirectionInbound && existing.Status != models.StatusRead {
		if err := p.db.UpdateMessageStatus(ctx, existing.ID, models.StatusRead); err != nil {
			return nil, err
		}
		existing.Status = models.StatusRead
		p.dropUnread(ctx, conv)
	}
	return existing, nil
}

// dropUnread takes one unread message off the conversation and its parent
func (p *Pipeline) dropUnread(ctx context.Context, conv *models.Conversation) {
	ids := []int64{conv.ID}
	if conv.ParentID != nil {
		ids = append(ids, *conv.ParentID)
	}
	for _, id := range ids {
		if err := p.db.AddUnread(ctx, id, -1); err != nil {
			p.logger.Warn("failed to lower unread count", "conversation_id", id, "error", err)
		}
	}
}

// saveLocation remembers which mailbox copy the message came from so
// reconciliation counts it as present, whatever its direction
func (p *Pipeline) saveLocation(ctx context.Context, account *models.Account, stored *models.Message, msg *models.NormalizedMessage) {
	if msg.Mailbox == "" || msg.UID == 0 {
		return
	}
	if err := p.db.AddMessageLocation(ctx, stored.ID, account.ID, msg.Mailbox, msg.UID); err != nil {
		p.logger.Warn("failed to save message location", "account_id", account.ID, "error", err)
	}
}

// updateConversation bumps activity and unread counters; failures are logged
func (p *Pipeline) updateConversation(ctx context.Context, conv *models.Conversation, stored *models.Message, msg *models.NormalizedMessage) {
	ids := []int64{conv.ID}
	if conv.ParentID != nil {
		ids = append(ids, *conv.ParentID)
	}

	for _, id := range ids {
		if err := p.db.TouchConversation(ctx, id, stored.SentAt); err != nil {
			p.logger.Warn("failed to touch conversation", "conversation_id", id, "error", err)
		}
		if stored.Direction == models.DirectionInbound && !msg.Seen {
			if err := p.db.AddUnread(ctx, id, 1); err != nil {
				p.logger.Warn("failed to bump unread count", "conversation_id", id, "error", err)
			}
		}
	}
}

// saveContact records email senders; chat drivers store their own contacts
func (p *Pipeline) saveContact(ctx context.Context, account *models.Account, msg *models.NormalizedMessage) {
	if account.Platform != models.PlatformEmail || msg.IsOutbound() || msg.SenderHandle == "" {
		return
	}
	addr := strings.ToLower(msg.SenderHandle)
	err := p.db.UpsertContact(ctx, &models.Contact{
		Platform:    models.PlatformEmail,
		AccountID:   account.ID,
		ExternalID:  addr,
		Handle:      addr,
		DisplayName: msg.SenderName,
	})
	if err != nil {
		p.logger.Warn("failed to save contact", "account_id", account.ID, "error", err)
	}
}

func (p *Pipeline) notifyInbound(ctx context.Context, account *models.Account, conv *models.Conversation, stored *models.Message) {
	recent, err := p.db.GetRecentMessages(ctx, conv.ID, recentLimit)
	if err != nil {
		p.logger.Warn("failed to load recent messages", "conversation_id", conv.ID, "error", err)
	}
	notify.Send(ctx, p.notifier, p.logger, notify.Notification{
		Event:          notify.EventInbound,
		Success:        true,
		Platform:       account.Platform,
		UserID:         account.UserID,
		AccountID:      account.ID,
		ConversationID: conv.ID,
		Message:        stored,
		RecentMessages: recent,
	})
}
