package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/unibox/internal/formatter"
	"github.com/mixelka/unibox/internal/provider"
	appmodels "github.com/mixelka/unibox/pkg/models"
)

// Driver implements provider.Driver for Telegram bot accounts.
// Telegram pushes updates, so Poll always returns an empty result.
type Driver struct {
	serverURL string
	formatter *formatter.TelegramFormatter
	logger    *slog.Logger

	mu   sync.Mutex
	bots map[string]*bot.Bot // keyed by token
}

var _ provider.Driver = (*Driver)(nil)

// NewDriver creates a Telegram driver. serverURL overrides the Bot API endpoint.
func NewDriver(serverURL string, f *formatter.TelegramFormatter, logger *slog.Logger) *Driver {
	return &Driver{
		serverURL: serverURL,
		formatter: f,
		logger:    logger.With("component", "telegram_driver"),
		bots:      make(map[string]*bot.Bot),
	}
}

// Platform implements provider.Driver
func (d *Driver) Platform() appmodels.Platform {
	return appmodels.PlatformTelegram
}

func (d *Driver) options(extra ...bot.Option) []bot.Option {
	var opts []bot.Option
	if d.serverURL != "" {
		opts = append(opts, bot.WithServerURL(d.serverURL))
	}
	return append(opts, extra...)
}

// client returns a cached API client for token
func (d *Driver) client(token string) (*bot.Bot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.bots[token]; ok {
		return b, nil
	}
	b, err := bot.New(token, d.options()...)
	if err != nil {
		return nil, classify("failed to create bot", err)
	}
	d.bots[token] = b
	return b, nil
}

// ValidateCredentials checks the token with getMe
func (d *Driver) ValidateCredentials(ctx context.Context, token string) error {
	b, err := bot.New(token, d.options(bot.WithSkipGetMe())...)
	if err != nil {
		return classify("failed to create bot", err)
	}
	if _, err := b.GetMe(ctx); err != nil {
		return classify("failed to validate token", err)
	}
	return nil
}

// Poll implements provider.Driver. Messages arrive through the Listener.
func (d *Driver) Poll(ctx context.Context, accountID int64, token, cursor string) (*provider.PollResult, error) {
	return &provider.PollResult{NextCursor: cursor}, nil
}

// SendMessage sends a text message to a chat
func (d *Driver) SendMessage(ctx context.Context, params provider.SendParams) (*provider.SendResult, error) {
	if params.ConversationID == "" {
		return nil, fmt.Errorf("telegram send requires a chat id")
	}
	b, err := d.client(params.Token)
	if err != nil {
		return nil, err
	}

	sendParams := &bot.SendMessageParams{
		ChatID:    chatID(params.ConversationID),
		Text:      d.formatter.FormatOutbound(params.Text),
		ParseMode: models.ParseModeHTML,
	}
	if params.InReplyTo != "" {
		if id, err := strconv.Atoi(params.InReplyTo); err == nil {
			sendParams.ReplyParameters = &models.ReplyParameters{MessageID: id}
		}
	}

	msg, err := b.SendMessage(ctx, sendParams)
	if err != nil {
		return nil, classify("failed to send message", err)
	}

	return &provider.SendResult{
		MessageID: strconv.Itoa(msg.ID),
		SentAt:    time.Unix(int64(msg.Date), 0).UTC(),
	}, nil
}

// UpdateMessageStatus implements provider.Driver. Bots cannot set read-state.
func (d *Driver) UpdateMessageStatus(ctx context.Context, params provider.StatusParams) (bool, error) {
	return false, nil
}

// chatID passes numeric ids as int64 and @usernames as strings
func chatID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// classify maps Bot API errors onto the provider error taxonomy
func classify(msg string, err error) error {
	var tooMany *bot.TooManyRequestsError
	switch {
	case errors.As(err, &tooMany):
		retry := time.Duration(tooMany.RetryAfter) * time.Second
		return &provider.RateLimitError{RetryAfter: retry, ResetAt: time.Now().Add(retry), Scope: "telegram"}
	case errors.Is(err, bot.ErrorUnauthorized), errors.Is(err, bot.ErrorNotFound):
		// Bot API answers 404 for malformed tokens
		return fmt.Errorf("%s: %w: %w", msg, provider.ErrCredentials, err)
	case errors.Is(err, bot.ErrorBadRequest), errors.Is(err, bot.ErrorForbidden):
		return fmt.Errorf("%s: %w", msg, err)
	default:
		return fmt.Errorf("%s: %w: %w", msg, provider.ErrTransient, err)
	}
}
