package models

import "time"

// Platform identifies a messaging backend
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformEmail    Platform = "email"
	PlatformTwitter  Platform = "twitter"
)

// AllPlatforms is the closed set of supported platforms
var AllPlatforms = []Platform{PlatformTelegram, PlatformEmail, PlatformTwitter}

// Valid reports whether p is one of AllPlatforms
func (p Platform) Valid() bool {
	for _, known := range AllPlatforms {
		if p == known {
			return true
		}
	}
	return false
}

// AccountStatus soft lifecycle state of an account
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountRevoked   AccountStatus = "revoked"
	AccountSuspended AccountStatus = "suspended"
)

// Account represents a connected messaging account
type Account struct {
	ID                int64         `db:"id"`
	UserID            int64         `db:"user_id"`             // Internal owner
	Platform          Platform      `db:"platform"`
	ExternalAccountID string        `db:"external_account_id"` // Email address, bot id, social user id
	Status            AccountStatus `db:"status"`
	Credentials       string        `db:"credentials"`   // Encrypted token
	PollInterval      int64         `db:"poll_interval"` // Seconds
	LastPolledAt      *time.Time    `db:"last_polled_at"`
	NextPollAt        *time.Time    `db:"next_poll_at"` // Backoff gate
	Cursor            string        `db:"poll_cursor"`  // Platform-specific, opaque
	JobKey            string        `db:"job_key"`
	CreatedAt         time.Time     `db:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at"`
}

// PollEvery returns the polling interval as a duration
func (a *Account) PollEvery() time.Duration {
	return time.Duration(a.PollInterval) * time.Second
}

// DuePoll reports whether the account should be polled at now
func (a *Account) DuePoll(now time.Time) bool {
	if a.Status != AccountActive {
		return false
	}
	if a.NextPollAt != nil && now.Before(*a.NextPollAt) {
		return false
	}
	if a.LastPolledAt == nil {
		return true
	}
	return !now.Before(a.LastPolledAt.Add(a.PollEvery()))
}
