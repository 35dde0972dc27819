package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/mixelka/unibox/internal/provider"
)

// Conn is the subset of *client.Client the package uses
type Conn interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	List(ref, name string, ch chan *imap.MailboxInfo) error
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidStore(seqset *imap.SeqSet, item imap.StoreItem, value interface{}, ch chan *imap.Message) error
	State() imap.ConnState
	LoggedOut() <-chan struct{}
	Logout() error
	Terminate() error
}

var _ Conn = (*client.Client)(nil)

// ServerConfig is what a Dialer needs to open an authenticated session
type ServerConfig struct {
	Server         string // host:port
	Username       string
	Password       string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Dialer opens an authenticated IMAP session
type Dialer func(ctx context.Context, cfg ServerConfig) (Conn, error)

// DialIMAP connects over implicit TLS and logs in
func DialIMAP(ctx context.Context, cfg ServerConfig) (Conn, error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: timeout}}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w: %w", cfg.Server, provider.ErrTransient, err)
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create IMAP client: %w: %w", provider.ErrTransient, err)
	}
	c.Timeout = cfg.CommandTimeout

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		c.Logout()
		if isNetworkError(err) {
			return nil, fmt.Errorf("failed to login: %w: %w", provider.ErrTransient, err)
		}
		return nil, fmt.Errorf("failed to login: %w: %w", provider.ErrCredentials, err)
	}
	return c, nil
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// usable reports whether conn can still run authenticated commands
func usable(conn Conn) bool {
	select {
	case <-conn.LoggedOut():
		return false
	default:
	}
	return conn.State()&imap.AuthenticatedState != 0
}
