package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mixelka/unibox/internal/actor"
	"github.com/mixelka/unibox/internal/config"
	"github.com/mixelka/unibox/internal/crypto"
	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/email"
	"github.com/mixelka/unibox/internal/formatter"
	"github.com/mixelka/unibox/internal/ingest"
	"github.com/mixelka/unibox/internal/kv"
	"github.com/mixelka/unibox/internal/messaging"
	"github.com/mixelka/unibox/internal/metrics"
	"github.com/mixelka/unibox/internal/notify"
	"github.com/mixelka/unibox/internal/permission"
	"github.com/mixelka/unibox/internal/provider"
	"github.com/mixelka/unibox/internal/queue"
	"github.com/mixelka/unibox/internal/ratelimit"
	"github.com/mixelka/unibox/internal/reconcile"
	"github.com/mixelka/unibox/internal/resolution"
	"github.com/mixelka/unibox/internal/scheduler"
	"github.com/mixelka/unibox/internal/social"
	"github.com/mixelka/unibox/internal/telegram"
	"github.com/mixelka/unibox/pkg/models"
)

// app holds every long-lived component
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *database.DB
	kv      *kv.Store
	cipher  *crypto.Cipher
	metrics *metrics.Metrics

	emailManager *email.Manager
	emailDriver  *email.Driver
	registry     *provider.Registry
	listener     *telegram.Listener

	queue      *queue.Queue
	pipeline   *ingest.Pipeline
	reconciler *reconcile.Reconciler
	jobs       *scheduler.Jobs
	scheduler  *scheduler.Scheduler
	messaging  *messaging.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.KVPath == "" {
		a.kv, err = kv.OpenMemory()
	} else {
		a.kv, err = kv.Open(cfg.KVPath)
	}
	if err != nil {
		a.Close()
		return nil, err
	}

	a.cipher, err = crypto.New(cfg.EncryptionKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.metrics = metrics.New()

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.NotifyURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyURL, cfg.NotifyTimeout, logger)
	}

	// Drivers
	a.emailManager = email.NewManager(nil, a.kv, email.ManagerConfig{
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}, logger)
	a.emailManager.OnDial(a.metrics.Dial)
	a.emailDriver = email.NewDriver(a.emailManager, email.NewSMTPSender(cfg.SMTPTimeout, logger), email.DriverConfig{
		DialTimeout:    cfg.IMAPDialTimeout,
		CommandTimeout: cfg.IMAPCommandTimeout,
		RetrievalCap:   cfg.EmailRetrievalCap,
	}, logger)

	telegramDriver := telegram.NewDriver(cfg.TelegramServerURL, formatter.NewTelegramFormatter(), logger)

	limiter := ratelimit.New(a.kv, ratelimit.Limits{
		Poll15m:    cfg.TwitterPollLimit15m,
		Send15m:    cfg.TwitterSendLimit15m,
		Send24h:    cfg.TwitterSendLimit24h,
		AppSend24h: cfg.TwitterAppSendLimit,
	}, logger)
	socialDriver := social.NewDriver(social.NewClient(social.ClientOptions{
		BaseURL:    cfg.TwitterBaseURL,
		HTTPClient: &http.Client{Timeout: cfg.TwitterTimeout},
		RPS:        cfg.TwitterRPS,
	}), limiter, social.DriverConfig{}, logger)

	a.registry, err = provider.NewRegistry(telegramDriver, a.emailDriver, socialDriver)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Pipeline and jobs
	engine := resolution.NewEngine(db, logger)
	actors := actor.NewResolver(a.kv, db, logger)
	a.pipeline = ingest.NewPipeline(db, engine, actors, notifier, a.metrics, logger)

	a.queue, err = queue.New(queue.Config{
		Workers:     cfg.Workers,
		Capacity:    cfg.QueueCapacity,
		MaxAttempts: cfg.JobAttempts,
		BaseBackoff: cfg.JobBaseBackoff,
	}, a.metrics, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.reconciler = reconcile.New(db, a.emailDriver, a.queue, reconcile.Config{
		RemoteWindow: cfg.ReconcileRemoteWindow,
		LocalWindow:  cfg.ReconcileLocalWindow,
	}, a.metrics, logger)

	a.jobs = scheduler.NewJobs(scheduler.JobsDeps{
		DB:         db,
		Registry:   a.registry,
		Pipeline:   a.pipeline,
		Reconciler: a.reconciler,
		Saves:      a.queue,
		Decrypt:    a.cipher.Decrypt,
		Metrics:    a.metrics,
		Logger:     logger,
	})
	a.queue.Handle(models.JobPoll, a.jobs.Poll)
	a.queue.Handle(models.JobSaveMessage, a.jobs.Save)
	a.queue.Handle(models.JobReconciliation, a.jobs.Reconcile)
	a.queue.Handle(models.JobContactsSync, a.jobs.ContactsSync)

	a.listener = telegram.NewListener(telegramDriver, a.queue, db, logger)
	a.scheduler = scheduler.New(db, a.queue, a.listener, a.cipher.Decrypt, scheduler.Config{
		Tick:          cfg.SchedulerTick,
		ReconcileCron: cfg.ReconcileCron,
	}, logger)

	a.messaging = messaging.NewService(messaging.Deps{
		DB:          db,
		Engine:      engine,
		Registry:    a.registry,
		Actors:      actors,
		Permissions: permission.NewStatic(cfg.AssistantUserIDs),
		Notifier:    notifier,
		Decrypt:     a.cipher.Decrypt,
		Metrics:     a.metrics,
		Logger:      logger,
	})
	return a, nil
}

// Run serves until ctx is done
func (a *app) Run(ctx context.Context) {
	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.MetricsAddr, a.logger); err != nil {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	a.queue.Start(ctx)
	a.scheduler.Run(ctx)
}

// Close releases resources in reverse order of creation
func (a *app) Close() {
	if a.listener != nil {
		a.listener.Close()
	}
	if a.queue != nil {
		a.queue.Stop()
	}
	if a.emailManager != nil {
		a.emailManager.Close()
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("failed to close kv store", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
