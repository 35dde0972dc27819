package email

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mixelka/unibox/internal/parser"
	"github.com/mixelka/unibox/pkg/models"
)

// RawEmail is a parsed message as fetched from a mailbox
type RawEmail struct {
	UID        uint32
	Mailbox    string
	Seen       bool
	MessageID  string // Without angle brackets
	InReplyTo  string
	References []string
	From       *Address
	To         []*Address
	Cc         []*Address
	Bcc        []*Address
	Subject    string
	Date       time.Time
	BodyHTML   string
	BodyText   string
}

// Address represents an email address
type Address struct {
	Name    string
	Address string
}

// RawPayload is what gets stored as a message's raw payload
type RawPayload struct {
	UID     uint32 `json:"uid"`
	Mailbox string `json:"mailbox"`
	Seen    bool   `json:"seen,omitempty"`
}

// ParseMessage parses an RFC 5322 message
func ParseMessage(r io.Reader) (*RawEmail, error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to create mail reader: %w", err)
	}
	defer mr.Close()

	email := &RawEmail{}
	h := mr.Header

	email.Subject, _ = h.Subject()
	email.Date, _ = h.Date()
	email.MessageID, _ = h.MessageID()
	if ids, _ := h.MsgIDList("In-Reply-To"); len(ids) > 0 {
		email.InReplyTo = ids[0]
	}
	email.References, _ = h.MsgIDList("References")

	if from := addressList(h, "From"); len(from) > 0 {
		email.From = from[0]
	} else {
		email.From = &Address{}
	}
	email.To = addressList(h, "To")
	email.Cc = addressList(h, "Cc")
	email.Bcc = addressList(h, "Bcc")

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			// keep what was read so far
			break
		}

		if ih, ok := part.Header.(*mail.InlineHeader); ok {
			ct, _, _ := ih.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(ct, "text/html") && email.BodyHTML == "":
				email.BodyHTML = string(body)
			case strings.HasPrefix(ct, "text/plain") && email.BodyText == "":
				email.BodyText = string(body)
			}
		}
	}
	return email, nil
}

func addressList(h mail.Header, key string) []*Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]*Address, 0, len(list))
	for _, a := range list {
		out = append(out, &Address{Name: a.Name, Address: strings.ToLower(a.Address)})
	}
	return out
}

// Normalize converts the email into the platform-independent message shape.
// accountAddress decides direction together with the mailbox.
func (e *RawEmail) Normalize(accountAddress string, sentMailbox string) models.NormalizedMessage {
	outbound := (sentMailbox != "" && e.Mailbox == sentMailbox) ||
		strings.EqualFold(e.From.Address, accountAddress)

	msg := models.NormalizedMessage{
		ExternalMessageID: e.MessageID,
		SenderHandle:      e.From.Address,
		SenderName:        e.From.Name,
		Recipients:        addresses(e.To),
		CC:                addresses(e.Cc),
		BCC:               addresses(e.Bcc),
		Text:              e.BodyText,
		HTML:              e.BodyHTML,
		SentAt:            e.Date,
		MessageID:         e.MessageID,
		InReplyTo:         e.InReplyTo,
		References:        e.References,
		Subject:           e.Subject,
		Seen:              e.Seen,
		Mailbox:           e.Mailbox,
		UID:               e.UID,
		Direction:         models.DirectionInbound,
	}
	if outbound {
		msg.Direction = models.DirectionOutbound
	}
	if msg.ExternalMessageID == "" {
		msg.ExternalMessageID = fmt.Sprintf("uid:%s:%d", e.Mailbox, e.UID)
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if msg.Text == "" && msg.HTML != "" {
		if text, err := parser.HTMLToText(msg.HTML); err == nil {
			msg.Text = text
		}
	}

	if outbound {
		if len(msg.Recipients) > 0 {
			msg.ConversationExternalID = msg.Recipients[0]
		}
	} else {
		msg.ConversationExternalID = msg.SenderHandle
	}

	msg.Raw, _ = json.Marshal(RawPayload{UID: e.UID, Mailbox: e.Mailbox, Seen: e.Seen})
	return msg
}

func addresses(list []*Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}
