package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/internal/ratelimit"
	"github.com/mixelka/unibox/pkg/models"
)

const (
	endpointDMEvents = "dm_events"
	endpointSend     = "dm_send"
	endpointMe       = "users_me"
)

// Cursor is the newest DM event id already returned
type Cursor struct {
	SinceID string `json:"sinceId"`
}

// DriverConfig configures polling depth
type DriverConfig struct {
	PageSize int // Events per page, at most 100
	MaxPages int // Pages per poll once a cursor exists
}

// Driver implements provider.Driver and provider.ContactLister for X DMs.
// Rate limits are counted per account.
type Driver struct {
	client  *Client
	limiter *ratelimit.Limiter
	cfg     DriverConfig
	logger  *slog.Logger

	mu      sync.Mutex
	selfIDs map[string]string // token -> user id
}

var (
	_ provider.Driver        = (*Driver)(nil)
	_ provider.ContactLister = (*Driver)(nil)
)

// NewDriver creates the social driver
func NewDriver(client *Client, limiter *ratelimit.Limiter, cfg DriverConfig, logger *slog.Logger) *Driver {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	return &Driver{
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("component", "social_driver"),
		selfIDs: make(map[string]string),
	}
}

// Platform implements provider.Driver
func (d *Driver) Platform() models.Platform {
	return models.PlatformTwitter
}

// ValidateCredentials calls /2/users/me
func (d *Driver) ValidateCredentials(ctx context.Context, token string) error {
	_, _, err := d.client.Me(ctx, token)
	return err
}

func (d *Driver) selfID(ctx context.Context, accountID int64, token string) (string, error) {
	d.mu.Lock()
	id, ok := d.selfIDs[token]
	d.mu.Unlock()
	if ok {
		return id, nil
	}

	me, h, err := d.client.Me(ctx, token)
	d.record(accountID, endpointMe, h)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.selfIDs[token] = me.ID
	d.mu.Unlock()
	return me.ID, nil
}

// Poll returns DM events newer than the cursor, oldest first. Local or
// remote rate limits turn into a backoff, not an error.
func (d *Driver) Poll(ctx context.Context, accountID int64, token, cursor string) (*provider.PollResult, error) {
	if backoff := d.pollBackoff(accountID); backoff > 0 {
		d.logger.Info("poll deferred by rate limit", "account_id", accountID, "backoff", backoff)
		return &provider.PollResult{NextCursor: cursor, BackoffMs: backoff.Milliseconds()}, nil
	}

	cur := parseCursor(cursor)
	self, err := d.selfID(ctx, accountID, token)
	if err != nil {
		return d.backoffOrError(cursor, err)
	}

	maxPages := d.cfg.MaxPages
	if cur.SinceID == "" {
		// first poll backfills one page
		maxPages = 1
	}

	var events []DMEvent
	users := make(map[string]User)
	pageToken := ""
	for page := 0; page < maxPages; page++ {
		resp, h, err := d.client.DMEvents(ctx, token, pageToken, d.cfg.PageSize)
		d.record(accountID, endpointDMEvents, h)
		if err != nil {
			return d.backoffOrError(cursor, err)
		}
		for _, u := range resp.Includes.Users {
			users[u.ID] = u
		}

		reached := false
		for _, ev := range resp.Data {
			if !newerID(ev.ID, cur.SinceID) {
				reached = true
				break
			}
			events = append(events, ev)
		}
		if reached || resp.Meta.NextToken == "" {
			break
		}
		pageToken = resp.Meta.NextToken
	}

	if err := d.limiter.IncrementPoll(accountID); err != nil {
		d.logger.Warn("failed to count poll", "account_id", accountID, "error", err)
	}

	sort.Slice(events, func(i, j int) bool { return newerID(events[j].ID, events[i].ID) })

	result := &provider.PollResult{NextCursor: cursor}
	for _, ev := range events {
		if ev.EventType != "" && ev.EventType != "MessageCreate" {
			continue
		}
		result.Messages = append(result.Messages, toMessage(ev, self, users))
	}
	if n := len(events); n > 0 {
		result.NextCursor = Cursor{SinceID: events[n-1].ID}.String()
	}
	return result, nil
}

func (d *Driver) pollBackoff(accountID int64) time.Duration {
	decision, err := d.limiter.CheckPoll(accountID)
	if err != nil {
		d.logger.Warn("failed to check poll limit", "account_id", accountID, "error", err)
	} else if !decision.Allowed {
		return decision.RetryAfter
	}
	return d.limiter.Backoff(accountID, endpointDMEvents)
}

func (d *Driver) backoffOrError(cursor string, err error) (*provider.PollResult, error) {
	var rl *provider.RateLimitError
	if errors.As(err, &rl) {
		return &provider.PollResult{NextCursor: cursor, BackoffMs: rl.RetryAfter.Milliseconds()}, nil
	}
	return nil, err
}

// SendMessage sends a DM. Numeric targets are user ids; anything else is a
// conversation id.
func (d *Driver) SendMessage(ctx context.Context, params provider.SendParams) (*provider.SendResult, error) {
	decision, err := d.limiter.CheckSend(params.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to check send limit: %w", err)
	}
	if !decision.Allowed {
		return nil, &provider.RateLimitError{RetryAfter: decision.RetryAfter, ResetAt: decision.ResetAt, Scope: decision.Scope}
	}

	target := params.ConversationID
	if target == "" && len(params.Recipients) > 0 {
		target = params.Recipients[0]
	}
	if target == "" {
		return nil, fmt.Errorf("social send requires a recipient")
	}

	var sent *SentDM
	var h http.Header
	if isNumeric(target) {
		sent, h, err = d.client.SendToUser(ctx, params.Token, target, params.Text)
	} else {
		sent, h, err = d.client.SendToConversation(ctx, params.Token, target, params.Text)
	}
	d.record(params.AccountID, endpointSend, h)
	if err != nil {
		return nil, err
	}

	if err := d.limiter.IncrementSend(params.AccountID); err != nil {
		d.logger.Warn("failed to count send", "account_id", params.AccountID, "error", err)
	}
	return &provider.SendResult{
		MessageID: sent.DMEventID,
		ThreadID:  sent.DMConversationID,
		SentAt:    time.Now().UTC(),
	}, nil
}

// UpdateMessageStatus implements provider.Driver. The DM API has no read-state.
func (d *Driver) UpdateMessageStatus(ctx context.Context, params provider.StatusParams) (bool, error) {
	return false, nil
}

// ListContacts returns the users seen on the latest page of DM events
func (d *Driver) ListContacts(ctx context.Context, accountID int64, token string) ([]models.Contact, error) {
	self, err := d.selfID(ctx, accountID, token)
	if err != nil {
		return nil, err
	}
	page, h, err := d.client.DMEvents(ctx, token, "", d.cfg.PageSize)
	d.record(accountID, endpointDMEvents, h)
	if err != nil {
		return nil, err
	}

	var contacts []models.Contact
	for _, u := range page.Includes.Users {
		if u.ID == self {
			continue
		}
		contacts = append(contacts, models.Contact{
			Platform:    models.PlatformTwitter,
			AccountID:   accountID,
			ExternalID:  u.ID,
			Handle:      u.Username,
			DisplayName: u.Name,
		})
	}
	return contacts, nil
}

func (d *Driver) record(accountID int64, endpoint string, h http.Header) {
	if h == nil {
		return
	}
	info, ok := ratelimit.ParseHeaders(h)
	if !ok {
		return
	}
	if err := d.limiter.RecordInfo(accountID, endpoint, info); err != nil {
		d.logger.Warn("failed to record rate limit info", "account_id", accountID, "error", err)
	}
}

func toMessage(ev DMEvent, self string, users map[string]User) models.NormalizedMessage {
	msg := models.NormalizedMessage{
		ExternalMessageID:      ev.ID,
		ConversationExternalID: counterpart(ev, self),
		Direction:              models.DirectionInbound,
		SenderHandle:           ev.SenderID,
		Text:                   ev.Text,
		ThreadID:               ev.DMConversationID,
	}
	if ev.SenderID == self {
		msg.Direction = models.DirectionOutbound
	}
	if u, ok := users[ev.SenderID]; ok {
		if u.Username != "" {
			msg.SenderHandle = u.Username
		}
		msg.SenderName = u.Name
	}
	if t, err := time.Parse(time.RFC3339, ev.CreatedAt); err == nil {
		msg.SentAt = t.UTC()
	} else {
		msg.SentAt = time.Now().UTC()
	}
	msg.Raw, _ = json.Marshal(ev)
	return msg
}

// counterpart keys 1:1 conversations by the other user's id, so a send to a
// user id and the polled echo land in the same conversation
func counterpart(ev DMEvent, self string) string {
	if parts := strings.Split(ev.DMConversationID, "-"); len(parts) == 2 && isNumeric(parts[0]) && isNumeric(parts[1]) {
		switch self {
		case parts[0]:
			return parts[1]
		case parts[1]:
			return parts[0]
		}
	}
	if len(ev.ParticipantIDs) == 2 {
		for _, id := range ev.ParticipantIDs {
			if id != self {
				return id
			}
		}
	}
	return ev.DMConversationID
}

func parseCursor(s string) Cursor {
	var c Cursor
	if s != "" {
		_ = json.Unmarshal([]byte(s), &c)
	}
	return c
}

// String encodes the cursor for storage
func (c Cursor) String() string {
	b, _ := json.Marshal(c)
	return string(b)
}

// newerID compares snowflake ids without parsing them
func newerID(a, b string) bool {
	if b == "" {
		return true
	}
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
