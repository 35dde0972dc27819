package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/pkg/models"
)

// Inbox is the mailbox every server has
const Inbox = "INBOX"

// DriverConfig configures the email driver
type DriverConfig struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	RetrievalCap   int
}

// Driver implements provider.Driver for IMAP/SMTP accounts
type Driver struct {
	manager *Manager
	sender  *SMTPSender
	cfg     DriverConfig
	logger  *slog.Logger
}

var _ provider.Driver = (*Driver)(nil)

// NewDriver creates an email driver
func NewDriver(manager *Manager, sender *SMTPSender, cfg DriverConfig, logger *slog.Logger) *Driver {
	if cfg.RetrievalCap <= 0 {
		cfg.RetrievalCap = 200
	}
	return &Driver{
		manager: manager,
		sender:  sender,
		cfg:     cfg,
		logger:  logger.With("component", "email_driver"),
	}
}

// Platform implements provider.Driver
func (d *Driver) Platform() models.Platform {
	return models.PlatformEmail
}

func (d *Driver) credentials(token string) (*Credentials, error) {
	creds, err := ParseCredentials(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrCredentials, err)
	}
	return creds, nil
}

func (d *Driver) serverConfig(creds *Credentials) ServerConfig {
	return ServerConfig{
		Server:         creds.IMAPServer,
		Username:       creds.Username,
		Password:       creds.Password,
		DialTimeout:    d.cfg.DialTimeout,
		CommandTimeout: d.cfg.CommandTimeout,
	}
}

// session returns the pooled session for the account
func (d *Driver) session(ctx context.Context, accountID int64, token string) (*Client, *Credentials, error) {
	creds, err := d.credentials(token)
	if err != nil {
		return nil, nil, err
	}
	c, err := d.manager.GetOrCreate(ctx, accountID, d.serverConfig(creds))
	if err != nil {
		return nil, nil, err
	}
	return c, creds, nil
}

// dropOnTransient tears down a session that failed mid-command
func (d *Driver) dropOnTransient(accountID int64, err error) {
	if errors.Is(err, provider.ErrTransient) {
		d.manager.Remove(accountID)
	}
}

// ValidateCredentials opens and closes a fresh session
func (d *Driver) ValidateCredentials(ctx context.Context, token string) error {
	creds, err := d.credentials(token)
	if err != nil {
		return err
	}
	conn, err := d.manager.dial(ctx, d.serverConfig(creds))
	if err != nil {
		return err
	}
	if _, err := conn.Select(Inbox, true); err != nil {
		conn.Logout()
		return fmt.Errorf("failed to select INBOX: %w", err)
	}
	conn.Logout()
	return nil
}

// Poll fetches new INBOX and Sent messages above the cursor's high-water marks
func (d *Driver) Poll(ctx context.Context, accountID int64, token, cursor string) (*provider.PollResult, error) {
	cur, err := ParseCursor(cursor)
	if err != nil {
		d.logger.Warn("resetting unreadable cursor", "account_id", accountID, "error", err)
		cur = Cursor{}
	}

	c, creds, err := d.session(ctx, accountID, token)
	if err != nil {
		return nil, err
	}

	inbox, err := c.FetchSince(Inbox, cur.Inbox, d.cfg.RetrievalCap)
	if err != nil {
		d.dropOnTransient(accountID, err)
		return nil, err
	}

	sentName, err := c.SentMailbox()
	if err != nil {
		d.logger.Warn("failed to find Sent mailbox", "account_id", accountID, "error", err)
		sentName = ""
	}
	var sent []*RawEmail
	if sentName != "" {
		sent, err = c.FetchSince(sentName, cur.Sent, d.cfg.RetrievalCap)
		if err != nil {
			d.dropOnTransient(accountID, err)
			return nil, err
		}
	}

	result := &provider.PollResult{
		Messages:   make([]models.NormalizedMessage, 0, len(inbox)+len(sent)),
		NextCursor: cur.Advance(inbox, sent).String(),
	}
	for _, e := range inbox {
		result.Messages = append(result.Messages, e.Normalize(creds.Email, sentName))
	}
	for _, e := range sent {
		result.Messages = append(result.Messages, e.Normalize(creds.Email, sentName))
	}

	d.logger.Debug("polled", "account_id", accountID, "inbox", len(inbox), "sent", len(sent))
	return result, nil
}

// SendMessage submits an email over SMTP
func (d *Driver) SendMessage(ctx context.Context, params provider.SendParams) (*provider.SendResult, error) {
	creds, err := d.credentials(params.Token)
	if err != nil {
		return nil, err
	}

	to := params.Recipients
	if len(to) == 0 && params.ConversationID != "" {
		to = []string{params.ConversationID}
	}

	now := time.Now().UTC()
	messageID, err := d.sender.Send(ctx, creds, &OutgoingMessage{
		From:       Address{Address: creds.Email},
		To:         to,
		Cc:         params.CC,
		Bcc:        params.BCC,
		Subject:    params.Subject,
		Text:       params.Text,
		HTML:       params.HTML,
		InReplyTo:  params.InReplyTo,
		References: params.References,
		Date:       now,
	})
	if err != nil {
		return nil, err
	}
	return &provider.SendResult{MessageID: messageID, SentAt: now}, nil
}

// UpdateMessageStatus sets \Seen on INBOX copies of the given Message-IDs
func (d *Driver) UpdateMessageStatus(ctx context.Context, params provider.StatusParams) (bool, error) {
	if params.Status != models.StatusRead {
		return false, nil
	}

	c, _, err := d.session(ctx, params.AccountID, params.Token)
	if err != nil {
		return false, err
	}

	var uids []uint32
	for _, id := range params.MessageIDs {
		found, err := c.UIDsByMessageID(Inbox, id)
		if err != nil {
			d.dropOnTransient(params.AccountID, err)
			return false, err
		}
		uids = append(uids, found...)
	}
	if len(uids) == 0 {
		return false, nil
	}
	if err := c.MarkSeen(Inbox, uids); err != nil {
		d.dropOnTransient(params.AccountID, err)
		return false, err
	}
	return true, nil
}

// InboxUIDs returns every INBOX UID, ascending
func (d *Driver) InboxUIDs(ctx context.Context, accountID int64, token string) ([]uint32, error) {
	c, _, err := d.session(ctx, accountID, token)
	if err != nil {
		return nil, err
	}
	uids, err := c.UIDs(Inbox)
	d.dropOnTransient(accountID, err)
	return uids, err
}

// UnseenInboxUIDs returns INBOX UIDs without \Seen
func (d *Driver) UnseenInboxUIDs(ctx context.Context, accountID int64, token string) ([]uint32, error) {
	c, _, err := d.session(ctx, accountID, token)
	if err != nil {
		return nil, err
	}
	uids, err := c.UnseenUIDs(Inbox)
	d.dropOnTransient(accountID, err)
	return uids, err
}

// FetchInbox fetches and normalizes INBOX messages by UID
func (d *Driver) FetchInbox(ctx context.Context, accountID int64, token string, uids []uint32) ([]models.NormalizedMessage, error) {
	c, creds, err := d.session(ctx, accountID, token)
	if err != nil {
		return nil, err
	}
	emails, err := c.Fetch(Inbox, uids)
	if err != nil {
		d.dropOnTransient(accountID, err)
		return nil, err
	}
	out := make([]models.NormalizedMessage, 0, len(emails))
	for _, e := range emails {
		out = append(out, e.Normalize(creds.Email, ""))
	}
	return out, nil
}

// MarkInboxSeen sets \Seen on INBOX UIDs
func (d *Driver) MarkInboxSeen(ctx context.Context, accountID int64, token string, uids []uint32) error {
	c, _, err := d.session(ctx, accountID, token)
	if err != nil {
		return err
	}
	err = c.MarkSeen(Inbox, uids)
	d.dropOnTransient(accountID, err)
	return err
}
