package email

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/emersion/go-imap"

	"github.com/mixelka/unibox/internal/provider"
)

// Well-known Sent folder names, tried when no mailbox carries \Sent
var sentFallbacks = []string{"Sent", "Sent Items", "Sent Messages", "[Gmail]/Sent Mail", "INBOX.Sent"}

// Client runs mailbox commands on one authenticated session.
// IMAP commands are serialized per session.
type Client struct {
	conn   Conn
	logger *slog.Logger

	mu       sync.Mutex
	selected string
	sent     string // Cached Sent mailbox name
}

// NewClient wraps an authenticated connection
func NewClient(conn Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, logger: logger}
}

// Usable reports whether the session can still be used
func (c *Client) Usable() bool {
	return usable(c.conn)
}

// LoggedOut is closed when the session ends
func (c *Client) LoggedOut() <-chan struct{} {
	return c.conn.LoggedOut()
}

// Logout ends the session
func (c *Client) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Logout()
}

func (c *Client) selectLocked(mailbox string) (*imap.MailboxStatus, error) {
	status, err := c.conn.Select(mailbox, false)
	if err != nil {
		c.selected = ""
		return nil, c.wrap(fmt.Errorf("failed to select %s: %w", mailbox, err))
	}
	c.selected = mailbox
	return status, nil
}

// UIDs returns every UID in mailbox, ascending
func (c *Client) UIDs(mailbox string) ([]uint32, error) {
	return c.search(mailbox, imap.NewSearchCriteria())
}

// UnseenUIDs returns UIDs of messages without \Seen, ascending
func (c *Client) UnseenUIDs(mailbox string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	return c.search(mailbox, criteria)
}

// UIDsByMessageID returns UIDs of messages with the given Message-ID
func (c *Client) UIDsByMessageID(mailbox, messageID string) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", messageID)
	return c.search(mailbox, criteria)
}

func (c *Client) search(mailbox string, criteria *imap.SearchCriteria) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.selectLocked(mailbox); err != nil {
		return nil, err
	}
	uids, err := c.conn.UidSearch(criteria)
	if err != nil {
		return nil, c.wrap(fmt.Errorf("failed to search %s: %w", mailbox, err))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// FetchSince fetches up to limit of the newest messages with UID > sinceUID
func (c *Client) FetchSince(mailbox string, sinceUID uint32, limit int) ([]*RawEmail, error) {
	uids, err := c.UIDs(mailbox)
	if err != nil {
		return nil, err
	}

	// "n:*" always matches the last message, so filter here
	var newer []uint32
	for _, uid := range uids {
		if uid > sinceUID {
			newer = append(newer, uid)
		}
	}
	if limit > 0 && len(newer) > limit {
		newer = newer[len(newer)-limit:]
	}
	return c.Fetch(mailbox, newer)
}

// Fetch fetches full messages by UID. Unparseable messages are skipped.
func (c *Client) Fetch(mailbox string, uids []uint32) ([]*RawEmail, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.selected != mailbox {
		if _, err := c.selectLocked(mailbox); err != nil {
			return nil, err
		}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// PEEK keeps \Seen untouched
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, section.FetchItem()}

	messages := make(chan *imap.Message, 100)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqSet, items, messages)
	}()

	var emails []*RawEmail
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			c.logger.Warn("message without body", "mailbox", mailbox, "uid", msg.Uid)
			continue
		}
		email, err := ParseMessage(body)
		if err != nil {
			c.logger.Warn("failed to parse message", "mailbox", mailbox, "uid", msg.Uid, "error", err)
			continue
		}
		email.UID = msg.Uid
		email.Mailbox = mailbox
		email.Seen = hasFlag(msg.Flags, imap.SeenFlag)
		emails = append(emails, email)
	}

	if err := <-done; err != nil {
		return emails, c.wrap(fmt.Errorf("failed to fetch: %w", err))
	}

	sort.Slice(emails, func(i, j int) bool { return emails[i].UID < emails[j].UID })
	return emails, nil
}

// MarkSeen adds \Seen to the given UIDs
func (c *Client) MarkSeen(mailbox string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.selected != mailbox {
		if _, err := c.selectLocked(mailbox); err != nil {
			return err
		}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := c.conn.UidStore(seqSet, item, flags, nil); err != nil {
		return c.wrap(fmt.Errorf("failed to mark as seen: %w", err))
	}
	return nil
}

// SentMailbox finds the Sent folder via special-use, then well-known names.
// Returns "" when the account has none.
func (c *Client) SentMailbox() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sent != "" {
		return c.sent, nil
	}

	mailboxes := make(chan *imap.MailboxInfo, 20)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.List("", "*", mailboxes)
	}()

	names := make(map[string]bool)
	var special string
	for mbox := range mailboxes {
		names[mbox.Name] = true
		for _, attr := range mbox.Attributes {
			if attr == imap.SentAttr && special == "" {
				special = mbox.Name
			}
		}
	}
	if err := <-done; err != nil {
		return "", c.wrap(fmt.Errorf("failed to list mailboxes: %w", err))
	}

	if special != "" {
		c.sent = special
		return special, nil
	}
	for _, name := range sentFallbacks {
		if names[name] {
			c.sent = name
			return name, nil
		}
	}
	return "", nil
}

// wrap marks errors from a dead session as transient
func (c *Client) wrap(err error) error {
	if !usable(c.conn) || isNetworkError(err) {
		return fmt.Errorf("%w: %w", provider.ErrTransient, err)
	}
	return err
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
