package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/mixelka/unibox/internal/config"
	"github.com/mixelka/unibox/internal/database"
	"github.com/mixelka/unibox/internal/messaging"
	"github.com/mixelka/unibox/pkg/models"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "unibox",
		Short:         "Unified inbox for Telegram, email and X direct messages",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newMigrateCmd(), newReconcileCmd(), newAccountCmd(), newSendCmd(), newReadCmd())
	return root
}

// setup loads configuration and builds the logger every command shares
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.LogLevel, cfg.LogFormat), nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, workers and push listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			logger.Info("starting unibox")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to start", "error", err)
				return err
			}
			defer a.Close()

			logger.Info("unibox is running, press Ctrl+C to stop", "workers", cfg.Workers, "metrics_addr", cfg.MetricsAddr)
			a.Run(ctx)

			logger.Info("shutting down")
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			db, err := database.New(cfg.DatabaseDriver, cfg.DatabaseDSN)
			if err != nil {
				logger.Error("failed to connect to database", "error", err)
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				logger.Error("failed to run migrations", "error", err)
				return err
			}
			logger.Info("database migrations completed")
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <account-id>",
		Short: "Run one reconciliation pass for an email account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q: %w", args[0], err)
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			// Re-ingested messages go through the save workers
			a.queue.Start(ctx)

			account, err := a.db.GetAccountByID(ctx, accountID)
			if err != nil {
				return fmt.Errorf("failed to load account %d: %w", accountID, err)
			}
			if account.Platform != models.PlatformEmail {
				return fmt.Errorf("account %d is %s, reconciliation only applies to email", accountID, account.Platform)
			}
			token, err := a.cipher.Decrypt(account.Credentials)
			if err != nil {
				return fmt.Errorf("failed to decrypt credentials: %w", err)
			}

			report, err := a.reconciler.Run(ctx, account, token)
			if err != nil {
				return err
			}
			waitForQueue(ctx, a)
			fmt.Fprintf(cmd.OutOrStdout(), "remote=%d local=%d missing=%d enqueued=%d marked_seen=%d\n",
				report.Remote, report.Local, report.Missing, report.Enqueued, report.MarkedSeen)
			return nil
		},
	}
}

func newAccountCmd() *cobra.Command {
	account := &cobra.Command{
		Use:   "account",
		Short: "Manage connected accounts",
	}

	var (
		userID       int64
		platform     string
		externalID   string
		token        string
		pollInterval time.Duration
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Validate credentials and connect an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := models.Platform(platform)
			if !p.Valid() {
				return fmt.Errorf("unknown platform %q", platform)
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if pollInterval == 0 {
				pollInterval = cfg.DefaultPollInterval
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			driver, err := a.registry.Get(p)
			if err != nil {
				return err
			}
			if err := driver.ValidateCredentials(ctx, token); err != nil {
				return fmt.Errorf("credentials rejected: %w", err)
			}
			encrypted, err := a.cipher.Encrypt(token)
			if err != nil {
				return fmt.Errorf("failed to encrypt credentials: %w", err)
			}

			acc := &models.Account{
				UserID:            userID,
				Platform:          p,
				ExternalAccountID: externalID,
				Credentials:       encrypted,
				PollInterval:      int64(pollInterval / time.Second),
			}
			if err := a.db.CreateAccount(ctx, acc); err != nil {
				return err
			}
			logger.Info("account connected", "account_id", acc.ID, "platform", p, "poll_interval", pollInterval)
			fmt.Fprintln(cmd.OutOrStdout(), acc.ID)
			return nil
		},
	}
	add.Flags().Int64Var(&userID, "user", 0, "owning user id")
	add.Flags().StringVar(&platform, "platform", "", "telegram, email or twitter")
	add.Flags().StringVar(&externalID, "external-id", "", "email address, bot id or social user id")
	add.Flags().StringVar(&token, "token", "", "bot token, email credentials JSON or OAuth token")
	add.Flags().DurationVar(&pollInterval, "poll-interval", 0, "polling interval (default DEFAULT_POLL_INTERVAL)")
	for _, name := range []string{"user", "platform", "external-id", "token"} {
		_ = add.MarkFlagRequired(name)
	}

	account.AddCommand(add)
	return account
}

func newSendCmd() *cobra.Command {
	var req messaging.SendRequest
	cmd := &cobra.Command{
		Use:   "send <account-id>",
		Short: "Send a message through an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid account id %q: %w", args[0], err)
			}
			if req.ConversationID == 0 && req.Recipient == "" {
				return fmt.Errorf("either --conversation or --to is required")
			}
			req.AccountID = accountID

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			msg, err := a.messaging.Send(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message=%d conversation=%d external_id=%s\n", msg.ID, msg.ConversationID, msg.ExternalMessageID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&req.UserID, "user", 0, "acting user id")
	cmd.Flags().Int64Var(&req.ConversationID, "conversation", 0, "existing conversation id")
	cmd.Flags().StringVar(&req.Recipient, "to", "", "recipient for a new conversation")
	cmd.Flags().StringSliceVar(&req.CC, "cc", nil, "email cc recipients")
	cmd.Flags().StringSliceVar(&req.BCC, "bcc", nil, "email bcc recipients")
	cmd.Flags().StringVar(&req.Subject, "subject", "", "email subject")
	cmd.Flags().StringVar(&req.Text, "text", "", "message text")
	cmd.Flags().StringVar(&req.HTML, "html", "", "email html body")
	cmd.Flags().Int64Var(&req.ReplyTo, "reply-to", 0, "stored message id being answered")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newReadCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conversationID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q: %w", args[0], err)
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.messaging.MarkRead(ctx, userID, conversationID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated=%d remote=%t\n", res.Updated, res.Remote)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "acting user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// waitForQueue blocks until queued saves drain or ctx ends
func waitForQueue(ctx context.Context, a *app) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for a.queue.Depth() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
