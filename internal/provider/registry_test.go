package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mixelka/unibox/pkg/models"
)

type stubDriver struct{ platform models.Platform }

func (s stubDriver) Platform() models.Platform { return s.platform }

func (s stubDriver) ValidateCredentials(context.Context, string) error { return nil }

func (s stubDriver) Poll(context.Context, int64, string, string) (*PollResult, error) {
	return &PollResult{}, nil
}

func (s stubDriver) SendMessage(context.Context, SendParams) (*SendResult, error) {
	return &SendResult{}, nil
}

func (s stubDriver) UpdateMessageStatus(context.Context, StatusParams) (bool, error) {
	return false, nil
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(
		stubDriver{models.PlatformTelegram},
		stubDriver{models.PlatformEmail},
		stubDriver{models.PlatformTwitter},
	)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range models.AllPlatforms {
		d, err := r.Get(p)
		if err != nil || d.Platform() != p {
			t.Errorf("Get(%s) = %v, %v", p, d, err)
		}
	}
	if _, err := r.Get("fax"); err == nil {
		t.Error("Get(unknown) succeeded")
	}
}

func TestRegistry_Mismatch(t *testing.T) {
	_, err := NewRegistry(
		stubDriver{models.PlatformTelegram},
		stubDriver{models.PlatformTwitter},
		stubDriver{models.PlatformTwitter},
	)
	if err == nil {
		t.Fatal("NewRegistry() accepted a mismatched driver")
	}
}

func TestRegistry_Missing(t *testing.T) {
	if _, err := NewRegistry(stubDriver{models.PlatformTelegram}, nil, nil); err == nil {
		t.Fatal("NewRegistry() accepted a missing driver")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("login: %w", ErrCredentials), false},
		{ErrUnsupported, false},
		{&RateLimitError{RetryAfter: time.Minute}, false},
		{fmt.Errorf("dial: %w", ErrTransient), true},
		{errors.New("boom"), true},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
