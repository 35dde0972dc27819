package email

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/unibox/internal/kv"
)

// Manager owns one authenticated IMAP session per account.
// At most one connection attempt per account runs at any time.
type Manager struct {
	dial        Dialer
	store       *kv.Store
	logger      *slog.Logger
	baseDelay   time.Duration
	maxAttempts int
	onDial      func(accountID int64, err error)

	mu      sync.Mutex
	clients map[int64]*Client
	pending map[int64]*pendingDial
	configs map[int64]ServerConfig
	timers  map[int64]*time.Timer
	closed  bool
}

type pendingDial struct {
	done   chan struct{}
	client *Client
	err    error
}

// ManagerConfig configures reconnect behavior
type ManagerConfig struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
}

// NewManager creates a connection manager
func NewManager(dial Dialer, store *kv.Store, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if dial == nil {
		dial = DialIMAP
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 5 * time.Second
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	return &Manager{
		dial:        dial,
		store:       store,
		logger:      logger.With("component", "email_manager"),
		baseDelay:   cfg.ReconnectBaseDelay,
		maxAttempts: cfg.ReconnectMaxAttempts,
		clients:     make(map[int64]*Client),
		pending:     make(map[int64]*pendingDial),
		configs:     make(map[int64]ServerConfig),
		timers:      make(map[int64]*time.Timer),
	}
}

// OnDial registers a hook called after every connection attempt
func (m *Manager) OnDial(fn func(accountID int64, err error)) {
	m.onDial = fn
}

// GetOrCreate returns a usable session for the account, dialing if needed.
// Concurrent callers for the same account share one dial.
func (m *Manager) GetOrCreate(ctx context.Context, accountID int64, cfg ServerConfig) (*Client, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("connection manager closed")
	}

	if c, ok := m.clients[accountID]; ok {
		if c.Usable() {
			m.mu.Unlock()
			return c, nil
		}
		delete(m.clients, accountID)
		go m.logout(accountID, c)
	}

	if p, ok := m.pending[accountID]; ok {
		m.mu.Unlock()
		select {
		case <-p.done:
			return p.client, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p := &pendingDial{done: make(chan struct{})}
	m.pending[accountID] = p
	m.configs[accountID] = cfg
	m.mu.Unlock()

	conn, err := m.dial(ctx, cfg)
	if m.onDial != nil {
		m.onDial(accountID, err)
	}

	m.mu.Lock()
	delete(m.pending, accountID)
	if err == nil {
		p.client = NewClient(conn, m.logger.With("account_id", accountID))
		m.clients[accountID] = p.client
	} else {
		p.err = err
	}
	close(p.done)
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("failed to connect", "account_id", accountID, "server", cfg.Server, "error", err)
		return nil, err
	}

	m.resetAttempts(accountID)
	m.logger.Info("connected", "account_id", accountID, "server", cfg.Server)
	go m.watch(accountID, p.client)
	return p.client, nil
}

// Get returns the current session without dialing
func (m *Manager) Get(accountID int64) (*Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[accountID]
	if !ok || !c.Usable() {
		return nil, false
	}
	return c, true
}

// Remove logs out and forgets the account's session. Logout errors are ignored.
func (m *Manager) Remove(accountID int64) {
	m.mu.Lock()
	c := m.clients[accountID]
	delete(m.clients, accountID)
	delete(m.configs, accountID)
	if t, ok := m.timers[accountID]; ok {
		t.Stop()
		delete(m.timers, accountID)
	}
	m.mu.Unlock()

	m.resetAttempts(accountID)
	if c != nil {
		m.logout(accountID, c)
	}
}

// Close logs out every session and stops reconnects
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	clients := m.clients
	m.clients = make(map[int64]*Client)
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, c := range clients {
		wg.Add(1)
		go func(id int64, c *Client) {
			defer wg.Done()
			m.logout(id, c)
		}(id, c)
	}
	wg.Wait()
	m.logger.Info("all email connections closed")
}

func (m *Manager) logout(accountID int64, c *Client) {
	done := make(chan struct{})
	go func() {
		if err := c.Logout(); err != nil {
			m.logger.Debug("logout failed", "account_id", accountID, "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		// Force close if logout takes too long
		c.conn.Terminate()
	}
}

// watch schedules a reconnect when a registered session closes on its own
func (m *Manager) watch(accountID int64, c *Client) {
	<-c.LoggedOut()

	m.mu.Lock()
	unexpected := m.clients[accountID] == c && !m.closed
	if unexpected {
		delete(m.clients, accountID)
	}
	cfg, ok := m.configs[accountID]
	m.mu.Unlock()

	if unexpected && ok {
		m.logger.Warn("connection closed unexpectedly", "account_id", accountID)
		m.scheduleReconnect(accountID, cfg)
	}
}

func (m *Manager) scheduleReconnect(accountID int64, cfg ServerConfig) {
	attempt := m.nextAttempt(accountID)
	if attempt > m.maxAttempts {
		m.logger.Error("giving up reconnecting", "account_id", accountID, "attempts", attempt-1)
		m.resetAttempts(accountID)
		return
	}

	delay := m.baseDelay * time.Duration(attempt)
	m.logger.Info("scheduling reconnect", "account_id", accountID, "attempt", attempt, "delay", delay)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.configs[accountID]; !ok {
		// removed meanwhile
		return
	}
	m.timers[accountID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, accountID)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout+time.Minute)
		defer cancel()
		if _, err := m.GetOrCreate(ctx, accountID, cfg); err != nil {
			m.scheduleReconnect(accountID, cfg)
		}
	})
}

func attemptsKey(accountID int64) string {
	return fmt.Sprintf("imap:reconnect:%d", accountID)
}

func (m *Manager) nextAttempt(accountID int64) int {
	n, _, err := m.store.Incr(attemptsKey(accountID), 1, 24*time.Hour)
	if err != nil {
		m.logger.Warn("failed to count reconnect attempt", "account_id", accountID, "error", err)
		return m.maxAttempts + 1
	}
	return int(n)
}

func (m *Manager) resetAttempts(accountID int64) {
	if err := m.store.Delete(attemptsKey(accountID)); err != nil {
		m.logger.Warn("failed to reset reconnect attempts", "account_id", accountID, "error", err)
	}
}
