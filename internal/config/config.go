package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
)

// Config is the runtime configuration of the bot, read from the
// environment.
type Config struct {
	BotToken string `env:"BOT_TOKEN"`

	WorkerCount   int           `env:"WORKER_COUNT,default=4"`
	MaxAttempts   int           `env:"MAX_ATTEMPTS,default=3"`
	LeaseDuration time.Duration `env:"LEASE_DURATION,default=2m"`
	JanitorPeriod time.Duration `env:"JANITOR_PERIOD,default=30s"`

	DownloadTimeout   time.Duration `env:"DOWNLOAD_TIMEOUT,default=1m"`
	ConversionTimeout time.Duration `env:"CONVERSION_TIMEOUT,default=10m"`
	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT,default=2m"`

	MaxAttachmentSizeBytes int64  `env:"MAX_ATTACHMENT_SIZE,default=26214400"`
	DefaultTargetFormat    string `env:"DEFAULT_TARGET_FORMAT,default=epub"`

	RetryBackoffString string        `env:"RETRY_BACKOFF,default=exponential"`
	RetryDelay         time.Duration `env:"RETRY_DELAY,default=10s"`
	RetryBackoff       BackoffStrategy

	WorkDir   string        `env:"WORK_DIR,default=/tmp/ebookbot"`
	ResultTTL time.Duration `env:"RESULT_TTL,default=24h"`
}

// to help with testing
var envProcess = envconfig.Process

// Load reads the configuration from the environment and validates it.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.RetryBackoff = BackoffStrategy(strings.ToLower(cfg.RetryBackoffString))
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.WorkerCount < 1 {
		errs = append(errs, "WORKER_COUNT must be at least 1")
	}
	if cfg.MaxAttempts < 1 {
		errs = append(errs, "MAX_ATTEMPTS must be at least 1")
	}
	if cfg.LeaseDuration <= 0 {
		errs = append(errs, "LEASE_DURATION must be positive")
	}
	if cfg.DownloadTimeout <= 0 || cfg.ConversionTimeout <= 0 {
		errs = append(errs, "step timeouts must be positive")
	}
	if cfg.MaxAttachmentSizeBytes <= 0 {
		errs = append(errs, "MAX_ATTACHMENT_SIZE must be positive")
	}
	if cfg.DefaultTargetFormat == "" {
		errs = append(errs, "DEFAULT_TARGET_FORMAT is required")
	}
	if cfg.RetryDelay <= 0 {
		errs = append(errs, "RETRY_DELAY must be positive")
	}
	if cfg.ResultTTL <= 0 {
		errs = append(errs, "RESULT_TTL must be positive")
	}
	switch BackoffStrategy(strings.ToLower(cfg.RetryBackoffString)) {
	case BackoffFixed, BackoffExponential:
	default:
		errs = append(errs, "RETRY_BACKOFF must be fixed or exponential")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// RetryDelayFor returns the delay before the given attempt is eligible to
// run again. Attempts are 1-based.
func (c *Config) RetryDelayFor(attempt int) time.Duration {
	if c.RetryBackoff == BackoffFixed || attempt <= 1 {
		return c.RetryDelay
	}
	delay := c.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return delay
}
