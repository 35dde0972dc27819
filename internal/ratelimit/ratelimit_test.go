package ratelimit

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/mixelka/unibox/internal/kv"
)

func newTestLimiter(t *testing.T, limits Limits) (*Limiter, *time.Time) {
	t.Helper()
	store, err := kv.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	return New(store, limits, slog.New(slog.NewTextHandler(io.Discard, nil))), &now
}

func TestPollBoundary(t *testing.T) {
	l, now := newTestLimiter(t, DefaultLimits)

	for i := 1; i <= 15; i++ {
		d, err := l.CheckPoll(1)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed {
			t.Fatalf("poll %d denied", i)
		}
		if err := l.IncrementPoll(1); err != nil {
			t.Fatal(err)
		}
	}

	d, err := l.CheckPoll(1)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("16th poll allowed")
	}
	if d.RetryAfter != 15*time.Minute || d.Scope != "poll_15m" {
		t.Errorf("decision = %+v", d)
	}

	// other users are unaffected
	if d, _ := l.CheckPoll(2); !d.Allowed {
		t.Error("poll for another user denied")
	}

	*now = now.Add(15 * time.Minute)
	if d, _ := l.CheckPoll(1); !d.Allowed {
		t.Error("poll denied after window expiry")
	}
}

func TestCheckDoesNotMutate(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{Poll15m: 1})

	for i := 0; i < 5; i++ {
		if d, _ := l.CheckPoll(1); !d.Allowed {
			t.Fatalf("check %d denied without increments", i)
		}
	}
}

func TestSendCaps(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{Send15m: 5, Send24h: 3, AppSend24h: 100})

	for i := 0; i < 3; i++ {
		if err := l.IncrementSend(1); err != nil {
			t.Fatal(err)
		}
	}
	d, err := l.CheckSend(1)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Scope != "send_24h" {
		t.Errorf("decision = %+v, want send_24h denial", d)
	}
}

func TestAppWideCap(t *testing.T) {
	l, _ := newTestLimiter(t, Limits{Send15m: 10, Send24h: 10, AppSend24h: 2})

	_ = l.IncrementSend(1)
	_ = l.IncrementSend(2)
	d, err := l.CheckSend(3)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.Scope != "app_send_24h" {
		t.Errorf("decision = %+v, want app_send_24h denial", d)
	}
}

func TestReportedExhaustion(t *testing.T) {
	l, now := newTestLimiter(t, DefaultLimits)

	reset := now.Add(3 * time.Hour)
	h := http.Header{}
	h.Set("x-user-limit-24hour-limit", "1000")
	h.Set("x-user-limit-24hour-remaining", "0")
	h.Set("x-user-limit-24hour-reset", strconv.FormatInt(reset.Unix(), 10))
	info, ok := ParseHeaders(h)
	if !ok || !info.Has24h {
		t.Fatalf("ParseHeaders() = %+v, %v", info, ok)
	}
	if err := l.RecordInfo(1, "dm_send", info); err != nil {
		t.Fatal(err)
	}

	d, err := l.CheckSend(1)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed || d.RetryAfter != 3*time.Hour {
		t.Errorf("decision = %+v, want 3h backoff", d)
	}
	if b := l.Backoff(1, "dm_events"); b != 3*time.Hour {
		t.Errorf("Backoff() = %s, want 3h", b)
	}
}

func TestAdvisoryBackoff(t *testing.T) {
	l, now := newTestLimiter(t, DefaultLimits)

	reset := now.Add(7 * time.Minute)
	h := http.Header{}
	h.Set("x-rate-limit-limit", "15")
	h.Set("x-rate-limit-remaining", "0")
	h.Set("x-rate-limit-reset", strconv.FormatInt(reset.Unix(), 10))
	info, _ := ParseHeaders(h)
	if err := l.RecordInfo(1, "dm_events", info); err != nil {
		t.Fatal(err)
	}

	if b := l.Backoff(1, "dm_events"); b != 7*time.Minute {
		t.Errorf("Backoff() = %s, want 7m", b)
	}
	if b := l.Backoff(1, "dm_send"); b != 0 {
		t.Errorf("Backoff(other endpoint) = %s, want 0", b)
	}

	*now = reset
	if b := l.Backoff(1, "dm_events"); b != 0 {
		t.Errorf("Backoff() after reset = %s, want 0", b)
	}
}
