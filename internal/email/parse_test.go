package email

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mixelka/unibox/pkg/models"
)

func TestParseMessage_Threading(t *testing.T) {
	raw := rawMail(
		`"Bob Stone" <Bob@Example.com>`, "me@example.com", "Re: Order #42",
		"reply-1@example.com", "root@shop.com", "<root@shop.com> <mid@shop.com>", "Thanks!",
	)
	e, err := ParseMessage(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}

	if e.MessageID != "reply-1@example.com" {
		t.Errorf("MessageID = %q", e.MessageID)
	}
	if e.InReplyTo != "root@shop.com" {
		t.Errorf("InReplyTo = %q", e.InReplyTo)
	}
	if len(e.References) != 2 || e.References[0] != "root@shop.com" || e.References[1] != "mid@shop.com" {
		t.Errorf("References = %v", e.References)
	}
	if e.From.Address != "bob@example.com" || e.From.Name != "Bob Stone" {
		t.Errorf("From = %+v", e.From)
	}
	if e.Subject != "Re: Order #42" {
		t.Errorf("Subject = %q", e.Subject)
	}
	if strings.TrimSpace(e.BodyText) != "Thanks!" {
		t.Errorf("BodyText = %q", e.BodyText)
	}
}

func TestParseMessage_Multipart(t *testing.T) {
	raw := "From: shop@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Subject: Receipt\r\n" +
		"Content-Type: multipart/alternative; boundary=XYZ\r\n\r\n" +
		"--XYZ\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n\r\n" +
		"<p>Total: <b>$5</b></p>\r\n" +
		"--XYZ--\r\n"

	e, err := ParseMessage(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if !strings.Contains(e.BodyHTML, "<b>$5</b>") {
		t.Errorf("BodyHTML = %q", e.BodyHTML)
	}

	msg := e.Normalize("me@example.com", "")
	if msg.Text != "Total: $5" {
		t.Errorf("Normalize text = %q", msg.Text)
	}
}

func TestNormalize_Direction(t *testing.T) {
	inbound := &RawEmail{
		UID: 3, Mailbox: "INBOX", MessageID: "m1@x",
		From: &Address{Address: "bob@example.com"},
		To:   []*Address{{Address: "me@example.com"}},
	}
	msg := inbound.Normalize("me@example.com", "Sent")
	if msg.Direction != models.DirectionInbound || msg.ConversationExternalID != "bob@example.com" {
		t.Errorf("inbound normalized to %s/%s", msg.Direction, msg.ConversationExternalID)
	}

	var payload RawPayload
	if err := json.Unmarshal(msg.Raw, &payload); err != nil {
		t.Fatalf("raw payload: %v", err)
	}
	if payload.UID != 3 || payload.Mailbox != "INBOX" {
		t.Errorf("raw payload = %+v", payload)
	}

	sent := &RawEmail{
		UID: 9, Mailbox: "Sent",
		From: &Address{Address: "alias@example.com"},
		To:   []*Address{{Address: "carol@example.com"}},
	}
	msg = sent.Normalize("me@example.com", "Sent")
	if msg.Direction != models.DirectionOutbound || msg.ConversationExternalID != "carol@example.com" {
		t.Errorf("sent normalized to %s/%s", msg.Direction, msg.ConversationExternalID)
	}
	if msg.ExternalMessageID != "uid:Sent:9" {
		t.Errorf("ExternalMessageID = %q", msg.ExternalMessageID)
	}
}
