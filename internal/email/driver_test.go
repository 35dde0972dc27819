package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap"

	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/pkg/models"
)

const testToken = `{"email":"me@example.com","password":"secret","imapServer":"imap.example.com:993","smtpServer":"smtp.example.com:465"}`

func newTestDriver(t *testing.T, conn *fakeConn) *Driver {
	t.Helper()
	dial := func(ctx context.Context, cfg ServerConfig) (Conn, error) {
		if cfg.Password != "secret" {
			return nil, provider.ErrCredentials
		}
		return conn, nil
	}
	m := NewManager(dial, newTestStore(t), ManagerConfig{ReconnectBaseDelay: time.Hour}, discardLogger())
	t.Cleanup(m.Close)
	return NewDriver(m, NewSMTPSender(time.Second, discardLogger()), DriverConfig{RetrievalCap: 50}, discardLogger())
}

func TestDriver_Poll(t *testing.T) {
	conn := newFakeConn()
	conn.mailboxes["Sent"] = nil
	conn.special["Sent"] = imap.SentAttr
	conn.add("INBOX", 10, rawMail("bob@shop.com", "me@example.com", "Order #42", "root@shop.com", "", "", "Your order"))
	conn.add("INBOX", 11, rawMail("bob@shop.com", "me@example.com", "Re: Order #42", "r2@shop.com", "root@shop.com", "<root@shop.com>", "Shipped"))
	conn.add("Sent", 3, rawMail("me@example.com", "bob@shop.com", "Re: Order #42", "out@example.com", "r2@shop.com", "<root@shop.com> <r2@shop.com>", "Thanks"))
	d := newTestDriver(t, conn)

	res, err := d.Poll(context.Background(), 1, testToken, "")
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(res.Messages))
	}
	if res.Messages[2].Direction != models.DirectionOutbound || res.Messages[2].ConversationExternalID != "bob@shop.com" {
		t.Errorf("sent message normalized to %s/%s", res.Messages[2].Direction, res.Messages[2].ConversationExternalID)
	}
	cur, err := ParseCursor(res.NextCursor)
	if err != nil || cur.Inbox != 11 || cur.Sent != 3 {
		t.Fatalf("NextCursor = %s, %v", res.NextCursor, err)
	}

	res, err = d.Poll(context.Background(), 1, testToken, res.NextCursor)
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if len(res.Messages) != 0 {
		t.Errorf("second poll returned %d messages", len(res.Messages))
	}
}

func TestDriver_UpdateMessageStatus(t *testing.T) {
	conn := newFakeConn()
	conn.add("INBOX", 1, rawMail("bob@shop.com", "me@example.com", "a", "one@shop.com", "", "", "x"))
	conn.add("INBOX", 2, rawMail("bob@shop.com", "me@example.com", "b", "two@shop.com", "", "", "y"))
	d := newTestDriver(t, conn)

	ok, err := d.UpdateMessageStatus(context.Background(), provider.StatusParams{
		AccountID:  1,
		Token:      testToken,
		MessageIDs: []string{"two@shop.com"},
		Status:     models.StatusRead,
	})
	if err != nil || !ok {
		t.Fatalf("UpdateMessageStatus() = %v, %v", ok, err)
	}
	if conn.seen("INBOX", 1) || !conn.seen("INBOX", 2) {
		t.Error("wrong messages marked seen")
	}

	ok, err = d.UpdateMessageStatus(context.Background(), provider.StatusParams{
		AccountID: 1, Token: testToken, MessageIDs: []string{"one@shop.com"}, Status: models.StatusDelivered,
	})
	if err != nil || ok {
		t.Errorf("non-read status = %v, %v", ok, err)
	}
}

func TestDriver_ValidateCredentials(t *testing.T) {
	d := newTestDriver(t, newFakeConn())

	if err := d.ValidateCredentials(context.Background(), testToken); err != nil {
		t.Fatalf("ValidateCredentials() error = %v", err)
	}
	bad := `{"email":"me@example.com","password":"wrong","imapServer":"imap.example.com:993","smtpServer":"smtp.example.com:465"}`
	if err := d.ValidateCredentials(context.Background(), bad); !errors.Is(err, provider.ErrCredentials) {
		t.Errorf("ValidateCredentials() error = %v, want credentials error", err)
	}
	if err := d.ValidateCredentials(context.Background(), "{}"); !errors.Is(err, provider.ErrCredentials) {
		t.Errorf("ValidateCredentials() error = %v, want credentials error", err)
	}
}
