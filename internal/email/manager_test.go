package email

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mixelka/unibox/internal/kv"
	"github.com/mixelka/unibox/internal/provider"
)

func newTestStore(t *testing.T) *kv.Store {
	t.Helper()
	store, err := kv.OpenMemory()
	if err != nil {
		t.Fatalf("kv.OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type countingDialer struct {
	mu    sync.Mutex
	calls int32
	conns []*fakeConn
	delay time.Duration
	err   error
}

func (d *countingDialer) dial(ctx context.Context, cfg ServerConfig) (Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *countingDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func TestManager_SingleFlight(t *testing.T) {
	d := &countingDialer{delay: 50 * time.Millisecond}
	m := NewManager(d.dial, newTestStore(t), ManagerConfig{}, discardLogger())
	defer m.Close()

	var wg sync.WaitGroup
	clients := make([]*Client, 50)
	errs := make([]error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = m.GetOrCreate(context.Background(), 1, ServerConfig{Server: "imap.test:993"})
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&d.calls); n != 1 {
		t.Fatalf("dialed %d times, want 1", n)
	}
	for i := range clients {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if clients[i] != clients[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
}

func TestManager_SharedFailure(t *testing.T) {
	d := &countingDialer{delay: 20 * time.Millisecond, err: provider.ErrCredentials}
	m := NewManager(d.dial, newTestStore(t), ManagerConfig{}, discardLogger())
	defer m.Close()

	var failed int32
	m.OnDial(func(accountID int64, err error) {
		if err != nil {
			atomic.AddInt32(&failed, 1)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetOrCreate(context.Background(), 2, ServerConfig{}); !errors.Is(err, provider.ErrCredentials) {
				t.Errorf("GetOrCreate() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if _, ok := m.Get(2); ok {
		t.Error("failed dial left a session behind")
	}
	if atomic.LoadInt32(&failed) != atomic.LoadInt32(&d.calls) {
		t.Error("OnDial not called for every attempt")
	}
}

func TestManager_ReplacesDeadSession(t *testing.T) {
	d := &countingDialer{}
	m := NewManager(d.dial, newTestStore(t), ManagerConfig{ReconnectBaseDelay: time.Hour}, discardLogger())
	defer m.Close()

	first, err := m.GetOrCreate(context.Background(), 3, ServerConfig{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	d.last().Logout()

	second, err := m.GetOrCreate(context.Background(), 3, ServerConfig{})
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first == second {
		t.Fatal("dead session was reused")
	}
}

func TestManager_Reconnect(t *testing.T) {
	d := &countingDialer{}
	m := NewManager(d.dial, newTestStore(t), ManagerConfig{ReconnectBaseDelay: 10 * time.Millisecond}, discardLogger())
	defer m.Close()

	if _, err := m.GetOrCreate(context.Background(), 4, ServerConfig{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	// server drops the connection
	d.last().Logout()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(4); ok && atomic.LoadInt32(&d.calls) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reconnect after drop, dials = %d", atomic.LoadInt32(&d.calls))
}

func TestManager_RemoveStopsReconnect(t *testing.T) {
	d := &countingDialer{}
	m := NewManager(d.dial, newTestStore(t), ManagerConfig{ReconnectBaseDelay: 10 * time.Millisecond}, discardLogger())
	defer m.Close()

	if _, err := m.GetOrCreate(context.Background(), 5, ServerConfig{}); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	m.Remove(5)

	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&d.calls); n != 1 {
		t.Errorf("dialed %d times after Remove, want 1", n)
	}
	if _, ok := m.Get(5); ok {
		t.Error("session still registered after Remove")
	}
}
