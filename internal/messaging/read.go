package messaging

import (
	"context"
	"fmt"

	"github.com/mixelka/unibox/internal/notify"
	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/pkg/models"
)

// ReadResult reports what MarkRead changed
type ReadResult struct {
	Updated int64 // Local messages flipped to read
	Remote  bool  // Backend applied the change
}

// MarkRead marks a conversation's inbound messages read locally and, where
// the backend supports it, remotely. Marking a parent marks its threads.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID int64) (*ReadResult, error) {
	conv, err := s.db.GetConversationByID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %d: %w", conversationID, err)
	}
	account, token, driver, err := s.loadAccount(ctx, conv.AccountID)
	if err != nil {
		return nil, err
	}

	grant, err := s.permissions.Check(ctx, userID, account.Platform)
	if err != nil {
		return nil, fmt.Errorf("failed to check permissions: %w", err)
	}
	if !grant.CanView {
		return nil, ErrForbidden
	}

	targets := []*models.Conversation{conv}
	if conv.IsParent() {
		children, err := s.db.GetConversationsByParent(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, children...)
	}

	result := &ReadResult{}
	for _, c := range targets {
		n, remote, err := s.markOne(ctx, account, token, driver, c)
		if err != nil {
			return nil, err
		}
		result.Updated += n
		result.Remote = result.Remote || remote
	}

	if conv.IsParent() {
		if err := s.db.ResetUnread(ctx, conv.ID); err != nil {
			return nil, err
		}
	}

	notify.Send(ctx, s.notifier, s.logger, notify.Notification{
		Event:          notify.EventReadState,
		Success:        true,
		Platform:       account.Platform,
		UserID:         userID,
		AccountID:      account.ID,
		ConversationID: conv.ID,
	})
	return result, nil
}

// markOne handles a single conversation. The remote update is best effort.
func (s *Service) markOne(ctx context.Context, account *models.Account, token string, driver provider.Driver, conv *models.Conversation) (int64, bool, error) {
	unread, err := s.db.GetUnreadInbound(ctx, conv.ID)
	if err != nil {
		return 0, false, err
	}

	remote := false
	if len(unread) > 0 {
		ids := make([]string, 0, len(unread))
		for _, m := range unread {
			id := m.ExternalMessageID
			if m.MessageID != nil {
				id = *m.MessageID
			}
			ids = append(ids, id)
		}
		remote, err = driver.UpdateMessageStatus(ctx, provider.StatusParams{
			AccountID:      account.ID,
			Token:          token,
			ConversationID: conv.ExternalID,
			MessageIDs:     ids,
			Status:         models.StatusRead,
		})
		if err != nil {
			s.logger.Warn("failed to update remote read state", "account_id", account.ID, "conversation_id", conv.ID, "error", err)
			remote = false
		}
	}

	n, err := s.db.MarkConversationRead(ctx, conv.ID)
	if err != nil {
		return 0, false, err
	}

	if conv.UnreadCount > 0 {
		if err := s.db.ResetUnread(ctx, conv.ID); err != nil {
			return 0, false, err
		}
		if conv.ParentID != nil {
			if err := s.db.AddUnread(ctx, *conv.ParentID, -conv.UnreadCount); err != nil {
				return 0, false, err
			}
		}
	}
	return n, remote, nil
}
