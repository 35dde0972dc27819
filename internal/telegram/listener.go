package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	appmodels "github.com/mixelka/unibox/pkg/models"
)

// Enqueuer accepts pushed messages for ingestion
type Enqueuer interface {
	EnqueueSave(ctx context.Context, job appmodels.SaveMessageJob) error
}

// ContactStore persists senders seen on updates
type ContactStore interface {
	UpsertContact(ctx context.Context, c *appmodels.Contact) error
}

// Listener receives pushed updates for every connected bot account
type Listener struct {
	driver   *Driver
	queue    Enqueuer
	contacts ContactStore
	logger   *slog.Logger

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// NewListener creates a listener
func NewListener(driver *Driver, queue Enqueuer, contacts ContactStore, logger *slog.Logger) *Listener {
	return &Listener{
		driver:   driver,
		queue:    queue,
		contacts: contacts,
		logger:   logger.With("component", "telegram_listener"),
		cancels:  make(map[int64]context.CancelFunc),
	}
}

// Start begins long polling for the account. Calling it twice is a no-op.
func (l *Listener) Start(ctx context.Context, account *appmodels.Account, token string) error {
	l.mu.Lock()
	if _, ok := l.cancels[account.ID]; ok {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	b, err := bot.New(token, l.driver.options(bot.WithDefaultHandler(l.handler(account)))...)
	if err != nil {
		return classify("failed to start listener", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancels[account.ID] = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.logger.Info("listening", "account_id", account.ID)
		b.Start(ctx)
		l.logger.Info("listener stopped", "account_id", account.ID)
	}()
	return nil
}

// Stop stops the account's listener
func (l *Listener) Stop(accountID int64) {
	l.mu.Lock()
	cancel, ok := l.cancels[accountID]
	delete(l.cancels, accountID)
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops every listener and waits for them to exit
func (l *Listener) Close() {
	l.mu.Lock()
	for id, cancel := range l.cancels {
		cancel()
		delete(l.cancels, id)
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Listener) handler(account *appmodels.Account) bot.HandlerFunc {
	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		l.HandleUpdate(ctx, account, update)
	}
}

// HandleUpdate turns one update into a save job
func (l *Listener) HandleUpdate(ctx context.Context, account *appmodels.Account, update *models.Update) {
	msg, contact, ok := Normalize(update)
	if !ok {
		return
	}

	if contact != nil {
		contact.AccountID = account.ID
		if err := l.contacts.UpsertContact(ctx, contact); err != nil {
			l.logger.Warn("failed to save contact", "account_id", account.ID, "error", err)
		}
	}

	job := appmodels.SaveMessageJob{
		Message:   *msg,
		AccountID: account.ID,
		Platform:  appmodels.PlatformTelegram,
		UserID:    account.UserID,
	}
	if err := l.queue.EnqueueSave(ctx, job); err != nil {
		l.logger.Error("failed to enqueue message", "account_id", account.ID, "error", err)
	}
}

// Normalize converts a message update. ok is false for updates without a message.
func Normalize(update *models.Update) (*appmodels.NormalizedMessage, *appmodels.Contact, bool) {
	m := update.Message
	if m == nil {
		m = update.ChannelPost
	}
	if m == nil {
		return nil, nil, false
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}

	msg := &appmodels.NormalizedMessage{
		ExternalMessageID:      strconv.Itoa(m.ID),
		ConversationExternalID: strconv.FormatInt(m.Chat.ID, 10),
		Direction:              appmodels.DirectionInbound,
		Text:                   text,
		SentAt:                 time.Unix(int64(m.Date), 0).UTC(),
		SenderName:             chatTitle(&m.Chat),
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToExternalID = strconv.Itoa(m.ReplyToMessage.ID)
	}
	if m.MessageThreadID != 0 {
		msg.ThreadID = strconv.Itoa(m.MessageThreadID)
	}
	msg.Raw, _ = json.Marshal(m)

	var contact *appmodels.Contact
	if m.From != nil {
		msg.SenderHandle = handleOf(m.From)
		msg.SenderName = displayName(m.From)
		contact = &appmodels.Contact{
			Platform:    appmodels.PlatformTelegram,
			ExternalID:  strconv.FormatInt(m.From.ID, 10),
			Handle:      m.From.Username,
			DisplayName: displayName(m.From),
		}
	}
	if m.Chat.Type != models.ChatTypePrivate {
		// Name group conversations after the chat
		if title := chatTitle(&m.Chat); title != "" {
			msg.Subject = title
		}
	}
	return msg, contact, true
}

func handleOf(u *models.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

func displayName(u *models.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

func chatTitle(c *models.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name != "" {
		return name
	}
	if c.Username != "" {
		return fmt.Sprintf("@%s", c.Username)
	}
	return ""
}
