// Package notify publishes sync events to the real-time fan-out.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mixelka/unibox/pkg/models"
)

// Event kinds
const (
	EventInbound      = "message.inbound"
	EventSent         = "message.sent"
	EventSendFailed   = "message.failed"
	EventReadState    = "conversation.read"
	EventConversation = "conversation.updated"
)

// Notification is the payload sent to subscribers
type Notification struct {
	Event          string            `json:"event"`
	Success        bool              `json:"success"`
	Platform       models.Platform   `json:"platform"`
	UserID         int64             `json:"userId"`
	AccountID      int64             `json:"accountId"`
	ConversationID int64             `json:"chatId,omitempty"`
	Message        *models.Message   `json:"message,omitempty"`
	Error          string            `json:"error,omitempty"`
	RecentMessages []*models.Message `json:"recentMessages,omitempty"`
	At             time.Time         `json:"at"`
}

// Notifier delivers notifications. Delivery failures never fail the caller's
// operation; implementations return them only for logging.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// Notify logs n
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	attrs := []any{
		"event", n.Event,
		"platform", n.Platform,
		"account_id", n.AccountID,
		"conversation_id", n.ConversationID,
		"success", n.Success,
	}
	if n.Error != "" {
		attrs = append(attrs, "error", n.Error)
	}
	l.logger.Info("notification", attrs...)
	return nil
}

// HTTPNotifier posts notifications as JSON to an endpoint
type HTTPNotifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPNotifier creates a notifier for url
func NewHTTPNotifier(url string, timeout time.Duration, logger *slog.Logger) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "notify"),
	}
}

// Notify posts n
func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Send delivers n and logs a failure instead of returning it
func Send(ctx context.Context, notifier Notifier, logger *slog.Logger, n Notification) {
	if notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	if err := notifier.Notify(ctx, n); err != nil {
		logger.Warn("failed to deliver notification", "event", n.Event, "account_id", n.AccountID, "error", err)
	}
}
