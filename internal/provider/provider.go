// Package provider defines the contract every messaging backend implements.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mixelka/unibox/pkg/models"
)

var (
	// ErrCredentials means the backend rejected the account token. Not retried.
	ErrCredentials = errors.New("invalid credentials")

	// ErrTransient wraps connection resets, timeouts and TLS failures
	ErrTransient = errors.New("transient backend error")

	// ErrUnsupported means the backend has no such operation
	ErrUnsupported = errors.New("operation not supported")
)

// RateLimitError is returned when the backend or a local limiter refuses a call
type RateLimitError struct {
	RetryAfter time.Duration
	ResetAt    time.Time
	Scope      string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// PollResult is the outcome of one poll
type PollResult struct {
	Messages   []models.NormalizedMessage
	NextCursor string
	BackoffMs  int64 // Zero when no backoff is requested
}

// SendParams describes one outbound message
type SendParams struct {
	AccountID      int64
	Token          string
	ConversationID string // Platform chat/peer id
	Recipients     []string
	CC             []string
	BCC            []string
	Subject        string
	Text           string
	HTML           string
	InReplyTo      string
	References     []string
}

// SendResult is the outcome of a successful send
type SendResult struct {
	MessageID string // Platform-confirmed id
	ThreadID  string
	SentAt    time.Time
}

// StatusParams asks the backend to change remote read-state
type StatusParams struct {
	AccountID      int64
	Token          string
	ConversationID string
	MessageIDs     []string
	Status         models.MessageStatus
}

// Driver is implemented by each backend
type Driver interface {
	Platform() models.Platform
	ValidateCredentials(ctx context.Context, token string) error
	Poll(ctx context.Context, accountID int64, token, cursor string) (*PollResult, error)
	SendMessage(ctx context.Context, params SendParams) (*SendResult, error)
	UpdateMessageStatus(ctx context.Context, params StatusParams) (bool, error)
}

// ContactLister is implemented by drivers that can enumerate contacts
type ContactLister interface {
	ListContacts(ctx context.Context, accountID int64, token string) ([]models.Contact, error)
}

// IsRetryable reports whether err should go through job retry
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCredentials) || errors.Is(err, ErrUnsupported) {
		return false
	}
	var rl *RateLimitError
	return !errors.As(err, &rl)
}
