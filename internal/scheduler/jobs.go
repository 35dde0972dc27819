package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/ingest"
	"github.com/mixelka/unibox/internal/metrics"
	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/internal/reconcile"
	"github.com/mixelka/unibox/pkg/models"
)

// SaveEnqueuer accepts polled messages for ingestion
type SaveEnqueuer interface {
	EnqueueSave(ctx context.Context, job models.SaveMessageJob) error
}

// Jobs implements the queue handlers
type Jobs struct {
	db         *database.DB
	registry   *provider.Registry
	pipeline   *ingest.Pipeline
	reconciler *reconcile.Reconciler
	saves      SaveEnqueuer
	decrypt    func(string) (string, error)
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// JobsDeps groups the Jobs dependencies
type JobsDeps struct {
	DB         *database.DB
	Registry   *provider.Registry
	Pipeline   *ingest.Pipeline
	Reconciler *reconcile.Reconciler
	Saves      SaveEnqueuer
	Decrypt    func(string) (string, error)
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// NewJobs creates the job handlers
func NewJobs(deps JobsDeps) *Jobs {
	return &Jobs{
		db:         deps.DB,
		registry:   deps.Registry,
		pipeline:   deps.Pipeline,
		reconciler: deps.Reconciler,
		saves:      deps.Saves,
		decrypt:    deps.Decrypt,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("component", "jobs"),
		now:        time.Now,
	}
}

// account loads an active account and its decrypted token. A nil account
// means the job no longer applies.
func (j *Jobs) account(ctx context.Context, id int64) (*models.Account, string, error) {
	account, err := j.db.GetAccountByID(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	if account.Status != models.AccountActive {
		return nil, "", nil
	}
	token, err := j.decrypt(account.Credentials)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decrypt credentials: %w", provider.ErrCredentials)
	}
	return account, token, nil
}

// Poll runs one poll job
func (j *Jobs) Poll(ctx context.Context, payload json.RawMessage) error {
	var job models.PollJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode poll job: %w", err)
	}
	account, token, err := j.account(ctx, job.AccountID)
	if err != nil || account == nil {
		return err
	}
	driver, err := j.registry.Get(account.Platform)
	if err != nil {
		return err
	}

	logger := j.logger.With("account_id", account.ID, "platform", account.Platform)
	start := j.now()
	res, err := driver.Poll(ctx, account.ID, token, account.Cursor)
	if err != nil {
		j.metrics.Poll(string(account.Platform), "error", time.Since(start))
		return j.pollFailed(ctx, account, err, logger)
	}
	j.metrics.Poll(string(account.Platform), "ok", time.Since(start))

	for _, msg := range res.Messages {
		err := j.saves.EnqueueSave(ctx, models.SaveMessageJob{
			Message:   msg,
			AccountID: account.ID,
			Platform:  account.Platform,
			UserID:    account.UserID,
		})
		if err != nil {
			// Cursor stays put so the next poll fetches the rest
			return fmt.Errorf("failed to enqueue message: %w", err)
		}
	}

	// Also clears any earlier backoff gate
	now := j.now()
	if err := j.db.UpdateAccountPollState(ctx, account.ID, res.NextCursor, now); err != nil {
		return err
	}

	if res.BackoffMs > 0 {
		until := now.Add(time.Duration(res.BackoffMs) * time.Millisecond)
		logger.Info("backing off", "until", until)
		j.metrics.RateLimited(string(account.Platform), "poll")
		return j.db.SetAccountNextPoll(ctx, account.ID, &until)
	}
	if len(res.Messages) > 0 {
		logger.Debug("poll finished", "messages", len(res.Messages))
	}
	return nil
}

// pollFailed turns rate limits into backoff and bad credentials into a
// revoked account; other errors go back to the queue
func (j *Jobs) pollFailed(ctx context.Context, account *models.Account, err error, logger *slog.Logger) error {
	var rl *provider.RateLimitError
	switch {
	case errors.As(err, &rl):
		until := rl.ResetAt
		if until.IsZero() {
			until = j.now().Add(rl.RetryAfter)
		}
		logger.Warn("poll rate limited", "until", until, "scope", rl.Scope)
		j.metrics.RateLimited(string(account.Platform), "poll")
		return j.db.SetAccountNextPoll(ctx, account.ID, &until)

	case errors.Is(err, provider.ErrCredentials):
		logger.Error("credentials rejected, revoking account", "error", err)
		return j.db.SetAccountStatus(ctx, account.ID, models.AccountRevoked)

	default:
		logger.Warn("poll failed", "error", err)
		return err
	}
}

// Save runs one ingestion job
func (j *Jobs) Save(ctx context.Context, payload json.RawMessage) error {
	var job models.SaveMessageJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode save job: %w", err)
	}
	_, err := j.pipeline.Save(ctx, job)
	return err
}

// Reconcile runs one reconciliation job
func (j *Jobs) Reconcile(ctx context.Context, payload json.RawMessage) error {
	var job models.ReconciliationJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode reconciliation job: %w", err)
	}
	account, token, err := j.account(ctx, job.AccountID)
	if err != nil || account == nil {
		return err
	}
	if account.Platform != models.PlatformEmail {
		return fmt.Errorf("reconciliation on %s account %d: %w", account.Platform, account.ID, provider.ErrUnsupported)
	}
	_, err = j.reconciler.Run(ctx, account, token)
	return err
}

// ContactsSync refreshes contacts from drivers that can list them
func (j *Jobs) ContactsSync(ctx context.Context, payload json.RawMessage) error {
	var job models.ContactsSyncJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("failed to decode contacts job: %w", err)
	}
	account, token, err := j.account(ctx, job.AccountID)
	if err != nil || account == nil {
		return err
	}
	driver, err := j.registry.Get(account.Platform)
	if err != nil {
		return err
	}
	lister, ok := driver.(provider.ContactLister)
	if !ok {
		return nil
	}

	contacts, err := lister.ListContacts(ctx, account.ID, token)
	if err != nil {
		var rl *provider.RateLimitError
		if errors.As(err, &rl) {
			j.logger.Info("contacts sync rate limited", "account_id", account.ID, "retry_after", rl.RetryAfter)
			return nil
		}
		return err
	}

	saved := 0
	for i := range contacts {
		c := &contacts[i]
		c.AccountID = account.ID
		c.Platform = account.Platform
		if err := j.db.UpsertContact(ctx, c); err != nil {
			j.logger.Warn("failed to save contact", "account_id", account.ID, "external_id", c.ExternalID, "error", err)
			continue
		}
		saved++
	}
	j.logger.Info("contacts synced", "account_id", account.ID, "count", saved)
	return nil
}
