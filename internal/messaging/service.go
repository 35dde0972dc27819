// Package messaging sends messages and changes read-state on behalf of users.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/unibox/internal/actor"
	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/metrics"
	"github.com/mixelka/unibox/internal/notify"
	"github.com/mixelka/unibox/internal/permission"
	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/internal/resolution"
	"github.com/mixelka/unibox/pkg/models"
)

var (
	// ErrForbidden is returned when the permission check denies the action
	ErrForbidden = errors.New("not permitted")

	// ErrInactiveAccount is returned for revoked or suspended accounts
	ErrInactiveAccount = errors.New("account is not active")
)

const recentLimit = 20

// SendRequest is one outbound message. Either ConversationID or Recipient
// must be set.
type SendRequest struct {
	UserID         int64 // Acting internal user
	AccountID      int64
	ConversationID int64
	Recipient      string // Counterparty for a new conversation
	CC             []string
	BCC            []string
	Subject        string
	Text           string
	HTML           string
	ReplyTo        int64 // Stored message id being answered
}

// Service implements send and read-state flows
type Service struct {
	db          *database.DB
	engine      *resolution.Engine
	registry    *provider.Registry
	actors      *actor.Resolver
	permissions permission.Checker
	notifier    notify.Notifier
	decrypt     func(string) (string, error)
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Deps groups the Service dependencies
type Deps struct {
	DB          *database.DB
	Engine      *resolution.Engine
	Registry    *provider.Registry
	Actors      *actor.Resolver
	Permissions permission.Checker
	Notifier    notify.Notifier
	Decrypt     func(string) (string, error)
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewService creates the messaging service
func NewService(deps Deps) *Service {
	return &Service{
		db:          deps.DB,
		engine:      deps.Engine,
		registry:    deps.Registry,
		actors:      deps.Actors,
		permissions: deps.Permissions,
		notifier:    deps.Notifier,
		decrypt:     deps.Decrypt,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With("component", "messaging"),
	}
}

// loadAccount returns an active account, its token and driver
func (s *Service) loadAccount(ctx context.Context, id int64) (*models.Account, string, provider.Driver, error) {
	account, err := s.db.GetAccountByID(ctx, id)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to load account %d: %w", id, err)
	}
	if account.Status != models.AccountActive {
		return nil, "", nil, ErrInactiveAccount
	}
	token, err := s.decrypt(account.Credentials)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	driver, err := s.registry.Get(account.Platform)
	if err != nil {
		return nil, "", nil, err
	}
	return account, token, driver, nil
}

// Send delivers req through the account's driver and records the result
func (s *Service) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	account, token, driver, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	grant, err := s.permissions.Check(ctx, req.UserID, account.Platform)
	if err != nil {
		return nil, fmt.Errorf("failed to check permissions: %w", err)
	}
	if !grant.CanSend {
		return nil, ErrForbidden
	}

	conv, err := s.conversation(ctx, account, req)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("account_id", account.ID, "platform", account.Platform, "conversation_id", conv.ID)

	params, err := s.sendParams(ctx, account, token, conv, req)
	if err != nil {
		return nil, err
	}

	role := grant.Role
	msg := &models.Message{
		ConversationID:    conv.ID,
		AccountID:         account.ID,
		Platform:          account.Platform,
		ExternalMessageID: models.TempIDPrefix + uuid.NewString(),
		Direction:         models.DirectionOutbound,
		Status:            models.StatusPending,
		SenderRole:        &role,
		SentBy:            &req.UserID,
		SenderHandle:      account.ExternalAccountID,
		Text:              req.Text,
		HTML:              req.HTML,
		InReplyTo:         models.StrPtr(params.InReplyTo),
		References:        params.References,
		Subject:           models.StrPtr(params.Subject),
	}
	if req.ReplyTo != 0 {
		msg.ParentMessageID = &req.ReplyTo
	}
	if err := s.db.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store outbound message: %w", err)
	}

	result, err := driver.SendMessage(ctx, params)
	if err != nil {
		logger.Warn("send failed", "error", err)
		s.metrics.Sent(string(account.Platform), "failed")
		if uerr := s.db.UpdateMessageStatus(ctx, msg.ID, models.StatusFailed); uerr != nil {
			logger.Error("failed to mark message failed", "message_id", msg.ID, "error", uerr)
		}
		msg.Status = models.StatusFailed
		notify.Send(ctx, s.notifier, logger, notify.Notification{
			Event:          notify.EventSendFailed,
			Platform:       account.Platform,
			UserID:         req.UserID,
			AccountID:      account.ID,
			ConversationID: conv.ID,
			Message:        msg,
			Error:          err.Error(),
		})
		return nil, err
	}
	s.metrics.Sent(string(account.Platform), "ok")

	mapping := actor.Mapping{ActorUserID: req.UserID, SenderRole: role}
	key := actor.Key{Platform: account.Platform, AccountID: account.ID, MessageID: result.MessageID}
	if err := s.actors.Record(ctx, key, mapping); err != nil {
		logger.Warn("failed to record actor", "error", err)
	}

	msg, err = s.confirm(ctx, account, conv, msg, result, mapping)
	if err != nil {
		return nil, err
	}

	s.touch(ctx, conv, msg.SentAt)
	s.notify(ctx, notify.EventSent, account, req.UserID, conv, msg)
	return msg, nil
}

// conversation finds the target conversation, resolving a new one for a
// first contact
func (s *Service) conversation(ctx context.Context, account *models.Account, req SendRequest) (*models.Conversation, error) {
	if req.ConversationID != 0 {
		conv, err := s.db.GetConversationByID(ctx, req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("failed to load conversation %d: %w", req.ConversationID, err)
		}
		if conv.AccountID != account.ID {
			return nil, fmt.Errorf("conversation %d does not belong to account %d", conv.ID, account.ID)
		}
		return conv, nil
	}

	recipient := strings.TrimSpace(req.Recipient)
	if recipient == "" {
		return nil, errors.New("recipient or conversation required")
	}
	res, err := s.engine.Resolve(ctx, account, &models.NormalizedMessage{
		ExternalMessageID:      models.TempIDPrefix + uuid.NewString(),
		ConversationExternalID: recipient,
		Direction:              models.DirectionOutbound,
		SenderHandle:           account.ExternalAccountID,
		Recipients:             []string{recipient},
		CC:                     req.CC,
		BCC:                    req.BCC,
		Subject:                req.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	return res.Conversation, nil
}

// sendParams maps the request and conversation onto driver parameters
func (s *Service) sendParams(ctx context.Context, account *models.Account, token string, conv *models.Conversation, req SendRequest) (provider.SendParams, error) {
	params := provider.SendParams{
		AccountID:      account.ID,
		Token:          token,
		ConversationID: strings.TrimPrefix(conv.ExternalID, "user:"),
		CC:             req.CC,
		BCC:            req.BCC,
		Subject:        req.Subject,
		Text:           req.Text,
		HTML:           req.HTML,
	}
	if account.Platform != models.PlatformEmail {
		return params, nil
	}

	to := strings.TrimSpace(req.Recipient)
	if to == "" {
		to = conv.PlatformData.String(models.DataReceiverEmail)
	}
	if to == "" {
		return params, fmt.Errorf("conversation %d has no recipient address", conv.ID)
	}
	params.Recipients = []string{to}
	params.ConversationID = to
	if len(params.BCC) == 0 && len(conv.BccRecipients) > 0 {
		params.BCC = conv.BccRecipients
	}

	parent, err := s.replyTarget(ctx, conv, req.ReplyTo)
	if err != nil {
		return params, err
	}
	if parent != nil && parent.MessageID != nil {
		params.InReplyTo = *parent.MessageID
		params.References = append(append([]string{}, parent.References...), *parent.MessageID)
	}
	if params.Subject == "" {
		params.Subject = replySubject(conv.PlatformData.String(models.DataThreadSubject))
	}
	return params, nil
}

// replyTarget is the explicit reply target, else the newest threaded
// message of a child conversation
func (s *Service) replyTarget(ctx context.Context, conv *models.Conversation, replyTo int64) (*models.Message, error) {
	if replyTo != 0 {
		m, err := s.db.GetMessageByID(ctx, replyTo)
		if err != nil {
			return nil, fmt.Errorf("failed to load replied message %d: %w", replyTo, err)
		}
		return m, nil
	}
	if !conv.IsChild() {
		return nil, nil
	}
	recent, err := s.db.GetRecentMessages(ctx, conv.ID, recentLimit)
	if err != nil {
		return nil, err
	}
	for _, m := range recent {
		if m.MessageID != nil {
			return m, nil
		}
	}
	return nil, nil
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" || resolution.NormalizeSubject(subject) != strings.ToLower(subject) {
		return subject
	}
	return "Re: " + subject
}

// confirm moves the temporary row to the platform id. When the platform's
// echo got stored first the temporary row is dropped and the echo takes the
// actor instead.
func (s *Service) confirm(ctx context.Context, account *models.Account, conv *models.Conversation, msg *models.Message, result *provider.SendResult, mapping actor.Mapping) (*models.Message, error) {
	msg.ExternalMessageID = result.MessageID
	msg.Status = models.StatusSent
	if account.Platform == models.PlatformEmail {
		msg.MessageID = models.StrPtr(result.MessageID)
	}
	msg.ThreadID = models.StrPtr(result.ThreadID)
	msg.SentAt = result.SentAt
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	err := s.db.ConfirmMessage(ctx, msg)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, database.ErrAlreadyExists) {
		return nil, fmt.Errorf("failed to confirm message: %w", err)
	}

	existing, err := s.db.GetMessageByKey(ctx, result.MessageID, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load echoed message: %w", err)
	}
	if err := s.db.DeleteMessage(ctx, msg.ID); err != nil {
		return nil, err
	}
	if existing.SentBy == nil {
		if err := s.db.UpdateMessageActor(ctx, existing.ID, mapping.ActorUserID, mapping.SenderRole); err != nil {
			return nil, err
		}
		existing.SentBy = &mapping.ActorUserID
		existing.SenderRole = &mapping.SenderRole
	}
	return existing, nil
}

func (s *Service) touch(ctx context.Context, conv *models.Conversation, at time.Time) {
	ids := []int64{conv.ID}
	if conv.ParentID != nil {
		ids = append(ids, *conv.ParentID)
	}
	for _, id := range ids {
		if err := s.db.TouchConversation(ctx, id, at); err != nil {
			s.logger.Warn("failed to touch conversation", "conversation_id", id, "error", err)
		}
	}
}

func (s *Service) notify(ctx context.Context, event string, account *models.Account, userID int64, conv *models.Conversation, msg *models.Message) {
	recent, err := s.db.GetRecentMessages(ctx, conv.ID, recentLimit)
	if err != nil {
		s.logger.Warn("failed to load recent messages", "conversation_id", conv.ID, "error", err)
	}
	notify.Send(ctx, s.notifier, s.logger, notify.Notification{
		Event:          event,
		Success:        true,
		Platform:       account.Platform,
		UserID:         userID,
		AccountID:      account.ID,
		ConversationID: conv.ID,
		Message:        msg,
		RecentMessages: recent,
	})
}
