// Package ratelimit keeps per-user and app-wide call budgets for the social backend.
package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mixelka/unibox/internal/kv"
)

// Limits configures the counter caps
type Limits struct {
	Poll15m    int
	Send15m    int
	Send24h    int
	AppSend24h int
}

// DefaultLimits match the DM API published caps
var DefaultLimits = Limits{
	Poll15m:    15,
	Send15m:    200,
	Send24h:    1000,
	AppSend24h: 15000,
}

const (
	window15m = 15 * time.Minute
	window24h = 24 * time.Hour
)

// Decision is the result of a check
type Decision struct {
	Allowed    bool
	ResetAt    time.Time
	RetryAfter time.Duration
	Scope      string // Which counter refused
}

// Info is advisory rate-limit state reported by the backend
type Info struct {
	Limit            int       `json:"limit"`
	Remaining        int       `json:"remaining"`
	Reset            time.Time `json:"reset"`
	UserLimit24h     int       `json:"userLimit24h,omitempty"`
	UserRemaining24h int       `json:"userRemaining24h,omitempty"`
	UserReset24h     time.Time `json:"userReset24h,omitempty"`
	Has24h           bool      `json:"has24h,omitempty"`
}

// Limiter checks and counts calls against TTL counters in the KV store
type Limiter struct {
	store  *kv.Store
	limits Limits
	logger *slog.Logger
}

// New creates a limiter
func New(store *kv.Store, limits Limits, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:  store,
		limits: limits,
		logger: logger.With("component", "ratelimit"),
	}
}

func pollKey(userID int64) string { return fmt.Sprintf("rl:poll15m:%d", userID) }

func send15Key(userID int64) string { return fmt.Sprintf("rl:send15m:%d", userID) }

func send24Key(userID int64) string { return fmt.Sprintf("rl:send24h:%d", userID) }

func exhaustedKey(userID int64) string { return fmt.Sprintf("rl:exhausted24h:%d", userID) }

func infoKey(userID int64, endpoint string) string {
	return fmt.Sprintf("rl:info:%d:%s", userID, endpoint)
}

const appSendKey = "rl:app:send24h"

// CheckPoll reports whether another poll is allowed for the user. It never mutates state.
func (l *Limiter) CheckPoll(userID int64) (Decision, error) {
	return l.check(pollKey(userID), l.limits.Poll15m, "poll_15m")
}

// IncrementPoll counts a successful poll
func (l *Limiter) IncrementPoll(userID int64) error {
	_, _, err := l.store.Incr(pollKey(userID), 1, window15m)
	return err
}

// CheckSend reports whether another send is allowed for the user. It never mutates state.
func (l *Limiter) CheckSend(userID int64) (Decision, error) {
	if d, ok, err := l.exhausted(userID); err != nil || ok {
		return d, err
	}
	checks := []struct {
		key   string
		limit int
		scope string
	}{
		{send15Key(userID), l.limits.Send15m, "send_15m"},
		{send24Key(userID), l.limits.Send24h, "send_24h"},
		{appSendKey, l.limits.AppSend24h, "app_send_24h"},
	}
	for _, c := range checks {
		d, err := l.check(c.key, c.limit, c.scope)
		if err != nil || !d.Allowed {
			return d, err
		}
	}
	return Decision{Allowed: true}, nil
}

// IncrementSend counts a successful send on every send counter
func (l *Limiter) IncrementSend(userID int64) error {
	if _, _, err := l.store.Incr(send15Key(userID), 1, window15m); err != nil {
		return err
	}
	if _, _, err := l.store.Incr(send24Key(userID), 1, window24h); err != nil {
		return err
	}
	_, _, err := l.store.Incr(appSendKey, 1, window24h)
	return err
}

func (l *Limiter) check(key string, limit int, scope string) (Decision, error) {
	count, exp, err := l.store.Counter(key)
	if err != nil {
		return Decision{}, err
	}
	if limit <= 0 || count < int64(limit) {
		return Decision{Allowed: true, ResetAt: exp}, nil
	}
	return Decision{
		Allowed:    false,
		ResetAt:    exp,
		RetryAfter: l.until(exp),
		Scope:      scope,
	}, nil
}

// exhausted consults the backend-reported 24h exhaustion record
func (l *Limiter) exhausted(userID int64) (Decision, bool, error) {
	raw, err := l.store.Get(exhaustedKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	var until time.Time
	if err := until.UnmarshalText(raw); err != nil {
		return Decision{}, false, fmt.Errorf("corrupt exhaustion record: %w", err)
	}
	return Decision{Allowed: false, ResetAt: until, RetryAfter: l.until(until), Scope: "user_24h_reported"}, true, nil
}

// RecordInfo persists backend-reported limits for endpoint until they reset
func (l *Limiter) RecordInfo(userID int64, endpoint string, info Info) error {
	now := l.store.Now()
	if info.Reset.After(now) {
		b, err := json.Marshal(info)
		if err != nil {
			return err
		}
		if err := l.store.Set(infoKey(userID, endpoint), b, info.Reset.Sub(now)); err != nil {
			return err
		}
	}

	if info.Has24h && info.UserRemaining24h <= 0 && info.UserReset24h.After(now) {
		b, _ := info.UserReset24h.MarshalText()
		if err := l.store.Set(exhaustedKey(userID), b, info.UserReset24h.Sub(now)); err != nil {
			return err
		}
		l.logger.Warn("24h user limit exhausted", "user_id", userID, "until", info.UserReset24h)
	}
	return nil
}

// GetInfo returns the last advisory info for endpoint, if still current
func (l *Limiter) GetInfo(userID int64, endpoint string) (*Info, error) {
	raw, err := l.store.Get(infoKey(userID, endpoint))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("corrupt rate limit info: %w", err)
	}
	return &info, nil
}

// Backoff returns how long the user should wait before calling endpoint,
// based on advisory info alone. Zero means go ahead.
func (l *Limiter) Backoff(userID int64, endpoint string) time.Duration {
	if d, ok, err := l.exhausted(userID); err == nil && ok {
		return d.RetryAfter
	}
	info, err := l.GetInfo(userID, endpoint)
	if err != nil {
		l.logger.Warn("failed to read rate limit info", "user_id", userID, "error", err)
		return 0
	}
	if info == nil || info.Remaining > 0 {
		return 0
	}
	return l.until(info.Reset)
}

func (l *Limiter) until(t time.Time) time.Duration {
	d := t.Sub(l.store.Now())
	if d < 0 {
		return 0
	}
	return d
}

// ParseHeaders extracts rate-limit headers from a backend response
func ParseHeaders(h http.Header) (Info, bool) {
	var info Info
	limit, okL := headerInt(h, "x-rate-limit-limit")
	remaining, okR := headerInt(h, "x-rate-limit-remaining")
	reset, okT := headerInt(h, "x-rate-limit-reset")
	if okL && okR && okT {
		info.Limit = limit
		info.Remaining = remaining
		info.Reset = time.Unix(int64(reset), 0)
	}

	uLimit, ok1 := headerInt(h, "x-user-limit-24hour-limit")
	uRemaining, ok2 := headerInt(h, "x-user-limit-24hour-remaining")
	uReset, ok3 := headerInt(h, "x-user-limit-24hour-reset")
	if ok1 && ok2 && ok3 {
		info.Has24h = true
		info.UserLimit24h = uLimit
		info.UserRemaining24h = uRemaining
		info.UserReset24h = time.Unix(int64(uReset), 0)
	}
	return info, (okL && okR && okT) || info.Has24h
}

func headerInt(h http.Header, name string) (int, bool) {
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
