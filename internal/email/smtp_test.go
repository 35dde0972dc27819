package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mixelka/unibox/internal/provider"
)

func TestBuildMessage_Reply(t *testing.T) {
	raw, messageID, err := BuildMessage(&OutgoingMessage{
		From:       Address{Name: "Me", Address: "me@example.com"},
		To:         []string{"bob@shop.com"},
		Bcc:        []string{"audit@example.com"},
		Subject:    "Re: Order #42",
		Text:       "On it",
		InReplyTo:  "root@shop.com",
		References: []string{"root@shop.com"},
	})
	if err != nil {
		t.Fatalf("BuildMessage() error = %v", err)
	}
	if !strings.HasSuffix(messageID, "@example.com") {
		t.Errorf("messageID = %q, want sender domain", messageID)
	}
	if bytes.Contains(raw, []byte("audit@example.com")) {
		t.Error("Bcc leaked into headers")
	}

	e, err := ParseMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if e.MessageID != messageID {
		t.Errorf("parsed MessageID = %q, want %q", e.MessageID, messageID)
	}
	if e.InReplyTo != "root@shop.com" || len(e.References) != 1 {
		t.Errorf("threading headers = %q %v", e.InReplyTo, e.References)
	}
	if strings.TrimSpace(e.BodyText) != "On it" {
		t.Errorf("BodyText = %q", e.BodyText)
	}
}

func TestBuildMessage_Alternative(t *testing.T) {
	raw, _, err := BuildMessage(&OutgoingMessage{
		From:    Address{Address: "me@example.com"},
		To:      []string{"bob@shop.com"},
		Subject: "Hello",
		Text:    "plain",
		HTML:    "<p>rich</p>",
	})
	if err != nil {
		t.Fatalf("BuildMessage() error = %v", err)
	}

	e, err := ParseMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if strings.TrimSpace(e.BodyText) != "plain" || !strings.Contains(e.BodyHTML, "<p>rich</p>") {
		t.Errorf("bodies = %q / %q", e.BodyText, e.BodyHTML)
	}
}

func TestClassifySMTP(t *testing.T) {
	tests := []struct {
		name string
		err  error
		auth bool
		want error
	}{
		{"auth rejected", &smtp.SMTPError{Code: 535, Message: "bad creds"}, true, provider.ErrCredentials},
		{"greylisted", &smtp.SMTPError{Code: 451, Message: "try later"}, false, provider.ErrTransient},
		{"network", errors.New("broken pipe"), false, provider.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifySMTP("op", tt.err, tt.auth); !errors.Is(got, tt.want) {
				t.Errorf("classifySMTP() = %v, want %v", got, tt.want)
			}
		})
	}

	permanent := classifySMTP("op", &smtp.SMTPError{Code: 550, Message: "no such user"}, false)
	if errors.Is(permanent, provider.ErrTransient) || errors.Is(permanent, provider.ErrCredentials) {
		t.Errorf("550 classified as %v", permanent)
	}
}

// fakeSMTP is a plaintext SMTP server that answers DATA with dataReply
type fakeSMTP struct {
	ln        net.Listener
	dataReply string
	data      atomic.Int32
}

func newFakeSMTP(t *testing.T, dataReply string) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeSMTP{ln: ln, dataReply: dataReply}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeSMTP) serve(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	tp.PrintfLine("220 fake ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			tp.PrintfLine("500 empty command")
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "EHLO", "HELO":
			tp.PrintfLine("250 fake")
		case "MAIL", "RCPT", "RSET", "NOOP":
			tp.PrintfLine("250 ok")
		case "DATA":
			f.data.Add(1)
			tp.PrintfLine("354 go ahead")
			if _, err := tp.ReadDotBytes(); err != nil {
				return
			}
			tp.PrintfLine("%s", f.dataReply)
		case "QUIT":
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("502 unknown command")
		}
	}
}

// plainDialer connects to the fake server, failing plaintext attempts
// before any command when failPlain is set
func plainDialer(f *fakeSMTP, failPlain bool) (func(ctx context.Context, host, port string, implicit bool) (*smtp.Client, error), func() []bool) {
	var mu sync.Mutex
	var modes []bool
	dial := func(ctx context.Context, host, port string, implicit bool) (*smtp.Client, error) {
		mu.Lock()
		modes = append(modes, implicit)
		mu.Unlock()
		if failPlain && !implicit {
			return nil, fmt.Errorf("failed to starttls: %w: %w", errHandshake, provider.ErrTransient)
		}
		conn, err := net.Dial("tcp", f.ln.Addr().String())
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, host)
	}
	return dial, func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), modes...)
	}
}

func testOutgoing() *OutgoingMessage {
	return &OutgoingMessage{
		From:    Address{Address: "me@example.com"},
		To:      []string{"bob@shop.com"},
		Subject: "Hello",
		Text:    "hi",
	}
}

func TestSMTPSender_DataFailureNotResent(t *testing.T) {
	f := newFakeSMTP(t, "451 4.7.1 greylisted, try later")
	sender := NewSMTPSender(time.Second, discardLogger())
	dial, modes := plainDialer(f, false)
	sender.dial = dial

	creds := &Credentials{Email: "me@example.com", Username: "me@example.com", Password: "pw", SMTPServer: "smtp.example.com:587"}
	_, err := sender.Send(context.Background(), creds, testOutgoing())
	if !errors.Is(err, provider.ErrTransient) {
		t.Fatalf("Send() error = %v, want transient", err)
	}
	if n := f.data.Load(); n != 1 {
		t.Errorf("DATA submitted %d times, want 1", n)
	}
	if got := modes(); len(got) != 1 {
		t.Errorf("dialed %d times, want 1", len(got))
	}
}

func TestSMTPSender_HandshakeRetriesOtherMode(t *testing.T) {
	f := newFakeSMTP(t, "250 queued")
	sender := NewSMTPSender(time.Second, discardLogger())
	dial, modes := plainDialer(f, true)
	sender.dial = dial

	creds := &Credentials{Email: "me@example.com", Username: "me@example.com", Password: "pw", SMTPServer: "smtp.example.com:587"}
	messageID, err := sender.Send(context.Background(), creds, testOutgoing())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if messageID == "" {
		t.Error("empty message id")
	}
	got := modes()
	if len(got) != 2 || got[0] || !got[1] {
		t.Errorf("dial modes = %v, want [false true]", got)
	}
	if n := f.data.Load(); n != 1 {
		t.Errorf("DATA submitted %d times, want 1", n)
	}
}
