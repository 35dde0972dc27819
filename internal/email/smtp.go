package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mixelka/unibox/internal/provider"
)

// OutgoingMessage is an email to compose and submit
type OutgoingMessage struct {
	From       Address
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Text       string
	HTML       string
	InReplyTo  string
	References []string
	Date       time.Time
}

// BuildMessage composes msg and returns the wire bytes and the generated
// Message-ID (without angle brackets)
func BuildMessage(msg *OutgoingMessage) ([]byte, string, error) {
	var h mail.Header
	if msg.Date.IsZero() {
		msg.Date = time.Now()
	}
	h.SetDate(msg.Date)
	h.SetAddressList("From", []*mail.Address{{Name: msg.From.Name, Address: msg.From.Address}})
	h.SetAddressList("To", toMailAddresses(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	h.SetSubject(msg.Subject)
	if msg.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		h.SetMsgIDList("References", msg.References)
	}

	hostname := DomainOf(msg.From.Address)
	if hostname == "" {
		hostname = "localhost"
	}
	if err := h.GenerateMessageIDWithHostname(hostname); err != nil {
		return nil, "", fmt.Errorf("failed to generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read message id: %w", err)
	}

	var buf bytes.Buffer
	if msg.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create writer: %w", err)
		}
		if _, err := w.Write([]byte(msg.Text)); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), messageID, nil
	}

	iw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create writer: %w", err)
	}
	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ph)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create part: %w", err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}

func toMailAddresses(list []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}

// errHandshake marks failures before the first mail command. Only these are
// retried with the other TLS mode; anything later may already have been
// accepted by the server.
var errHandshake = errors.New("smtp connection failed")

// SMTPSender submits messages over SMTP
type SMTPSender struct {
	timeout time.Duration
	logger  *slog.Logger
	dial    func(ctx context.Context, host, port string, implicit bool) (*smtp.Client, error)
}

// NewSMTPSender creates a sender
func NewSMTPSender(timeout time.Duration, logger *slog.Logger) *SMTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s := &SMTPSender{timeout: timeout, logger: logger.With("component", "smtp")}
	s.dial = s.connect
	return s
}

// Send composes and submits msg, returning its Message-ID. A failed
// connection or TLS negotiation is retried once with the opposite TLS mode.
func (s *SMTPSender) Send(ctx context.Context, creds *Credentials, msg *OutgoingMessage) (string, error) {
	raw, messageID, err := BuildMessage(msg)
	if err != nil {
		return "", err
	}

	rcpts := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	rcpts = append(rcpts, msg.To...)
	rcpts = append(rcpts, msg.Cc...)
	rcpts = append(rcpts, msg.Bcc...)
	if len(rcpts) == 0 {
		return "", fmt.Errorf("no recipients")
	}

	host, port := SplitHostPort(creds.SMTPServer, "587")
	implicit := port == "465"

	c, err := s.dial(ctx, host, port, implicit)
	if err != nil && errors.Is(err, errHandshake) && ctx.Err() == nil {
		s.logger.Warn("smtp connection failed, retrying with other TLS mode", "server", creds.SMTPServer, "implicit_tls", !implicit, "error", err)
		c, err = s.dial(ctx, host, port, !implicit)
	}
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := s.submit(c, creds, msg.From.Address, rcpts, raw); err != nil {
		return "", err
	}
	if err := c.Quit(); err != nil {
		s.logger.Debug("smtp quit failed", "error", err)
	}
	return messageID, nil
}

// connect dials and negotiates TLS; every error it returns wraps errHandshake
func (s *SMTPSender) connect(ctx context.Context, host, port string, implicit bool) (*smtp.Client, error) {
	addr := net.JoinHostPort(host, port)
	dialer := &net.Dialer{Timeout: s.timeout}
	tlsConfig := &tls.Config{ServerName: host}

	var conn net.Conn
	var err error
	if implicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w: %w: %w", addr, errHandshake, provider.ErrTransient, err)
	}

	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start smtp session: %w: %w: %w", errHandshake, provider.ErrTransient, err)
	}

	if !implicit {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			c.Close()
			return nil, fmt.Errorf("server %s does not offer STARTTLS: %w: %w", addr, errHandshake, provider.ErrTransient)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to starttls: %w: %w: %w", errHandshake, provider.ErrTransient, err)
		}
	}
	return c, nil
}

// submit authenticates and sends one message on an established session
func (s *SMTPSender) submit(c *smtp.Client, creds *Credentials, from string, rcpts []string, raw []byte) error {
	if ok, _ := c.Extension("AUTH"); ok {
		auth := sasl.NewPlainClient("", creds.Username, creds.Password)
		if err := c.Auth(auth); err != nil {
			return classifySMTP("failed to authenticate", err, true)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classifySMTP("MAIL FROM rejected", err, false)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return classifySMTP("RCPT TO rejected", err, false)
		}
	}

	w, err := c.Data()
	if err != nil {
		return classifySMTP("DATA rejected", err, false)
	}
	if _, err := w.Write(raw); err != nil {
		return classifySMTP("failed to write message", err, false)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("message rejected", err, false)
	}
	return nil
}

// classifySMTP maps SMTP replies onto the provider error taxonomy
func classifySMTP(msg string, err error, auth bool) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case auth && smtpErr.Code >= 500:
			return fmt.Errorf("%s: %w: %w", msg, provider.ErrCredentials, err)
		case smtpErr.Code >= 400 && smtpErr.Code < 500:
			return fmt.Errorf("%s: %w: %w", msg, provider.ErrTransient, err)
		default:
			return fmt.Errorf("%s: %w", msg, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", msg, provider.ErrTransient, err)
}
