// Package reconcile finds INBOX messages the poller missed and re-ingests them.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/email"
	"github.com/mixelka/unibox/internal/metrics"
	"github.com/mixelka/unibox/pkg/models"
)

// RemoteMailbox is the slice of the email driver reconciliation needs
type RemoteMailbox interface {
	InboxUIDs(ctx context.Context, accountID int64, token string) ([]uint32, error)
	UnseenInboxUIDs(ctx context.Context, accountID int64, token string) ([]uint32, error)
	FetchInbox(ctx context.Context, accountID int64, token string, uids []uint32) ([]models.NormalizedMessage, error)
	MarkInboxSeen(ctx context.Context, accountID int64, token string, uids []uint32) error
}

// Enqueuer accepts messages for ingestion
type Enqueuer interface {
	EnqueueSave(ctx context.Context, job models.SaveMessageJob) error
}

// Config sets the comparison windows
type Config struct {
	RemoteWindow int // Newest remote UIDs compared
	LocalWindow  int // Highest stored INBOX UIDs compared
}

// Report summarizes one pass
type Report struct {
	Remote     int
	Local      int
	Missing    int
	Enqueued   int
	MarkedSeen int
}

// Reconciler compares remote and local INBOX state
type Reconciler struct {
	db      *database.DB
	mailbox RemoteMailbox
	queue   Enqueuer
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a reconciler
func New(db *database.DB, mailbox RemoteMailbox, queue Enqueuer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	if cfg.RemoteWindow <= 0 {
		cfg.RemoteWindow = 500
	}
	if cfg.LocalWindow < cfg.RemoteWindow {
		cfg.LocalWindow = cfg.RemoteWindow + cfg.RemoteWindow/2
	}
	return &Reconciler{
		db:      db,
		mailbox: mailbox,
		queue:   queue,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "reconcile"),
	}
}

// Run reconciles one account. Failures after the remote listing are logged
// and the pass continues with what it has.
func (r *Reconciler) Run(ctx context.Context, account *models.Account, token string) (*Report, error) {
	logger := r.logger.With("account_id", account.ID)

	remote, err := r.mailbox.InboxUIDs(ctx, account.ID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote messages: %w", err)
	}
	if len(remote) > r.cfg.RemoteWindow {
		remote = remote[len(remote)-r.cfg.RemoteWindow:]
	}

	local, err := r.localInbox(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	report := &Report{Remote: len(remote), Local: len(local)}

	var missing []uint32
	for _, uid := range remote {
		if _, ok := local[uid]; !ok {
			missing = append(missing, uid)
		}
	}
	report.Missing = len(missing)
	r.metrics.ReconcileMissing(len(missing))

	if len(missing) > 0 {
		report.Enqueued = r.reingest(ctx, account, token, missing, logger)
	}
	report.MarkedSeen = r.syncSeen(ctx, account, token, local, logger)

	logger.Info("reconciliation finished",
		"remote", humanize.Comma(int64(report.Remote)),
		"local", humanize.Comma(int64(report.Local)),
		"missing", humanize.Comma(int64(report.Missing)),
		"enqueued", humanize.Comma(int64(report.Enqueued)),
		"marked_seen", humanize.Comma(int64(report.MarkedSeen)),
	)
	return report, nil
}

// localInbox returns the stored INBOX UIDs, inbound or outbound
func (r *Reconciler) localInbox(ctx context.Context, accountID int64) (map[uint32]struct{}, error) {
	uids, err := r.db.GetMailboxUIDs(ctx, accountID, email.Inbox, r.cfg.LocalWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load local messages: %w", err)
	}
	out := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		out[uid] = struct{}{}
	}
	return out, nil
}

func (r *Reconciler) reingest(ctx context.Context, account *models.Account, token string, missing []uint32, logger *slog.Logger) int {
	msgs, err := r.mailbox.FetchInbox(ctx, account.ID, token, missing)
	if err != nil {
		logger.Warn("failed to fetch missing messages", "count", len(missing), "error", err)
		return 0
	}

	enqueued := 0
	for _, msg := range msgs {
		job := models.SaveMessageJob{
			Message:   msg,
			AccountID: account.ID,
			Platform:  models.PlatformEmail,
			UserID:    account.UserID,
		}
		if err := r.queue.EnqueueSave(ctx, job); err != nil {
			logger.Warn("failed to enqueue missing message", "external_message_id", msg.ExternalMessageID, "error", err)
			continue
		}
		enqueued++
	}
	return enqueued
}

// syncSeen marks remotely unseen messages seen once they are stored locally
func (r *Reconciler) syncSeen(ctx context.Context, account *models.Account, token string, local map[uint32]struct{}, logger *slog.Logger) int {
	unseen, err := r.mailbox.UnseenInboxUIDs(ctx, account.ID, token)
	if err != nil {
		logger.Warn("failed to list unseen messages", "error", err)
		return 0
	}

	var mark []uint32
	for _, uid := range unseen {
		if _, ok := local[uid]; ok {
			mark = append(mark, uid)
		}
	}
	if len(mark) == 0 {
		return 0
	}
	if err := r.mailbox.MarkInboxSeen(ctx, account.ID, token, mark); err != nil {
		logger.Warn("failed to mark messages seen", "count", len(mark), "error", err)
		return 0
	}
	return len(mark)
}
