package kv

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.SetClock(clock.Now)
	return s, clock
}

func TestSetGetExpiry(t *testing.T) {
	s, clock := newTestStore(t)

	if err := s.Set("k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	clock.Advance(time.Minute)
	if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestSetNoTTL(t *testing.T) {
	s, clock := newTestStore(t)

	if err := s.Set("k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	clock.Advance(365 * 24 * time.Hour)
	if _, err := s.Get("k"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestIncrKeepsWindow(t *testing.T) {
	s, clock := newTestStore(t)

	n, exp, err := s.Incr("c", 1, 15*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("Incr() = %d, %v", n, err)
	}
	want := clock.Now().Add(15 * time.Minute)
	if !exp.Equal(want) {
		t.Fatalf("expiry = %v, want %v", exp, want)
	}

	clock.Advance(10 * time.Minute)
	n, exp2, err := s.Incr("c", 1, 15*time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("Incr() = %d, %v", n, err)
	}
	if !exp2.Equal(want) {
		t.Errorf("window moved: %v, want %v", exp2, want)
	}

	clock.Advance(5 * time.Minute)
	n, _, err = s.Incr("c", 1, 15*time.Minute)
	if err != nil || n != 1 {
		t.Errorf("Incr() after window = %d, %v, want 1", n, err)
	}
}

func TestIncrConcurrent(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.Incr("c", 1, time.Hour); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	n, _, err := s.Counter("c")
	if err != nil || n != 50 {
		t.Errorf("Counter() = %d, %v, want 50", n, err)
	}
}

func TestReadExpiredDuringIncr(t *testing.T) {
	s, clock := newTestStore(t)
	if _, _, err := s.Incr("c", 5, time.Minute); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	// Readers that still see the expired window must not wipe the new one
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.Counter("c"); err != nil {
				t.Error(err)
			}
			if _, _, err := s.Incr("c", 1, time.Minute); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	n, _, err := s.Counter("c")
	if err != nil || n != 100 {
		t.Errorf("Counter() = %d, %v, want 100", n, err)
	}
}

func TestGetDropsExpired(t *testing.T) {
	s, clock := newTestStore(t)
	if err := s.Set("k", []byte("v"), time.Second); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Second)
	if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	// Gone for good, even if the clock were turned back
	clock.Advance(-time.Hour)
	if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after rewind error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Set("k", []byte("v"), 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("k"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}
