package config

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite3"` // "sqlite3" or "postgres"
	DatabaseDSN    string `env:"DATABASE_DSN" envDefault:"./data/unibox.db"`

	// Key-value TTL store (empty = in-memory)
	KVPath string `env:"KV_PATH" envDefault:"./data/kv"`

	// Email
	IMAPDialTimeout       time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	IMAPCommandTimeout    time.Duration `env:"IMAP_COMMAND_TIMEOUT" envDefault:"60s"`
	SMTPTimeout           time.Duration `env:"SMTP_TIMEOUT" envDefault:"30s"`
	EmailRetrievalCap     int           `env:"EMAIL_RETRIEVAL_CAP" envDefault:"200"`
	ReconnectBaseDelay    time.Duration `env:"IMAP_RECONNECT_BASE_DELAY" envDefault:"5s"`
	ReconnectMaxAttempts  int           `env:"IMAP_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`
	ReconcileCron         string        `env:"RECONCILE_CRON" envDefault:"*/15 * * * *"`
	ReconcileRemoteWindow int           `env:"RECONCILE_REMOTE_WINDOW" envDefault:"500"`
	ReconcileLocalWindow  int           `env:"RECONCILE_LOCAL_WINDOW" envDefault:"750"`

	// Scheduling
	SchedulerTick       time.Duration `env:"SCHEDULER_TICK" envDefault:"15s"`
	DefaultPollInterval time.Duration `env:"DEFAULT_POLL_INTERVAL" envDefault:"1m"`
	Workers             int           `env:"WORKERS" envDefault:"8"`
	QueueCapacity       int           `env:"QUEUE_CAPACITY" envDefault:"1024"`
	JobAttempts         int           `env:"JOB_ATTEMPTS" envDefault:"3"`
	JobBaseBackoff      time.Duration `env:"JOB_BASE_BACKOFF" envDefault:"5s"`

	// Social (X/Twitter DM API)
	TwitterBaseURL       string        `env:"TWITTER_BASE_URL" envDefault:"https://api.twitter.com"`
	TwitterTimeout       time.Duration `env:"TWITTER_TIMEOUT" envDefault:"20s"`
	TwitterRPS           float64       `env:"TWITTER_RPS" envDefault:"1"`
	TwitterPollLimit15m  int           `env:"TWITTER_POLL_LIMIT_15M" envDefault:"15"`
	TwitterSendLimit15m  int           `env:"TWITTER_SEND_LIMIT_15M" envDefault:"200"`
	TwitterSendLimit24h  int           `env:"TWITTER_SEND_LIMIT_24H" envDefault:"1000"`
	TwitterAppSendLimit  int           `env:"TWITTER_APP_SEND_LIMIT_24H" envDefault:"15000"`

	// Telegram
	TelegramServerURL string `env:"TELEGRAM_SERVER_URL"` // Override for Bot API proxies

	// Notifications (empty = log only)
	NotifyURL     string        `env:"NOTIFY_URL"`
	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`

	// Users who send on behalf of account owners
	AssistantUserIDs []int64 `env:"ASSISTANT_USER_IDS" envSeparator:","`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Metrics
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	// 32 bytes for AES-256
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}

	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}

	if !gronx.IsValid(c.ReconcileCron) {
		return fmt.Errorf("invalid RECONCILE_CRON %q", c.ReconcileCron)
	}

	if c.ReconcileRemoteWindow <= 0 {
		return fmt.Errorf("RECONCILE_REMOTE_WINDOW must be positive")
	}
	if c.ReconcileLocalWindow < c.ReconcileRemoteWindow {
		return fmt.Errorf("RECONCILE_LOCAL_WINDOW must be >= RECONCILE_REMOTE_WINDOW")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.JobAttempts <= 0 {
		c.JobAttempts = 1
	}
	return nil
}
