// Package scheduler decides when each account is polled, reconciled and
// synced, and runs those jobs.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/pkg/models"
)

// JobQueue is where the scheduler sends due work
type JobQueue interface {
	EnqueuePoll(ctx context.Context, j models.PollJob) error
	EnqueueReconcile(ctx context.Context, j models.ReconciliationJob) error
	EnqueueContactsSync(ctx context.Context, j models.ContactsSyncJob) error
}

// PushListener receives updates for push platforms
type PushListener interface {
	Start(ctx context.Context, account *models.Account, token string) error
	Stop(accountID int64)
}

// Config tunes scheduling
type Config struct {
	Tick          time.Duration
	ReconcileCron string
}

// Scheduler enqueues polls for due accounts on every tick and periodic
// maintenance jobs on a cron schedule
type Scheduler struct {
	db       *database.DB
	queue    JobQueue
	listener PushListener
	decrypt  func(string) (string, error)
	cfg      Config
	logger   *slog.Logger

	lastCron  time.Time
	listening map[int64]bool
	now       func() time.Time
}

// New creates a scheduler. listener may be nil.
func New(db *database.DB, queue JobQueue, listener PushListener, decrypt func(string) (string, error), cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 15 * time.Second
	}
	return &Scheduler{
		db:        db,
		queue:     queue,
		listener:  listener,
		decrypt:   decrypt,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		listening: make(map[int64]bool),
		now:       time.Now,
	}
}

// Run ticks until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "tick", s.cfg.Tick, "reconcile_cron", s.cfg.ReconcileCron)
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. One account failing never stops the others.
func (s *Scheduler) Tick(ctx context.Context) {
	accounts, err := s.db.GetActiveAccounts(ctx)
	if err != nil {
		s.logger.Error("failed to load accounts", "error", err)
		return
	}

	now := s.now()
	cronDue := s.cronDue(now)
	active := make(map[int64]bool, len(accounts))

	for _, account := range accounts {
		active[account.ID] = true

		if account.Platform == models.PlatformTelegram {
			s.ensureListening(ctx, account)
		}

		if account.DuePoll(now) {
			err := s.queue.EnqueuePoll(ctx, models.PollJob{AccountID: account.ID, Platform: account.Platform})
			if err != nil {
				s.logger.Warn("failed to enqueue poll", "account_id", account.ID, "error", err)
			}
		}

		if !cronDue {
			continue
		}
		switch account.Platform {
		case models.PlatformEmail:
			if err := s.queue.EnqueueReconcile(ctx, models.ReconciliationJob{AccountID: account.ID}); err != nil {
				s.logger.Warn("failed to enqueue reconciliation", "account_id", account.ID, "error", err)
			}
		case models.PlatformTwitter:
			err := s.queue.EnqueueContactsSync(ctx, models.ContactsSyncJob{AccountID: account.ID, Platform: account.Platform, UserID: account.UserID})
			if err != nil {
				s.logger.Warn("failed to enqueue contacts sync", "account_id", account.ID, "error", err)
			}
		}
	}

	// Accounts revoked or deleted since the last tick
	for id := range s.listening {
		if !active[id] {
			s.listener.Stop(id)
			delete(s.listening, id)
		}
	}
}

// cronDue reports whether the reconcile schedule fires in now's minute,
// at most once per minute
func (s *Scheduler) cronDue(now time.Time) bool {
	if s.cfg.ReconcileCron == "" {
		return false
	}
	minute := now.Truncate(time.Minute)
	if minute.Equal(s.lastCron) {
		return false
	}
	next, err := gronx.NextTickAfter(s.cfg.ReconcileCron, minute, true)
	if err != nil {
		s.logger.Error("invalid reconcile schedule", "cron", s.cfg.ReconcileCron, "error", err)
		return false
	}
	due := next.Equal(minute)
	if due {
		s.lastCron = minute
	}
	return due
}

func (s *Scheduler) ensureListening(ctx context.Context, account *models.Account) {
	if s.listener == nil || s.listening[account.ID] {
		return
	}
	token, err := s.decrypt(account.Credentials)
	if err != nil {
		s.logger.Error("failed to decrypt credentials", "account_id", account.ID, "error", err)
		return
	}
	if err := s.listener.Start(ctx, account, token); err != nil {
		s.logger.Warn("failed to start listener", "account_id", account.ID, "error", err)
		return
	}
	s.listening[account.ID] = true
}
