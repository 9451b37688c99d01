package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ebookbot/ebookbot/internal/logger"
)

// Config selects and configures the database backend. SQLite is the
// default for a single-host bot; Postgres is for running more than one
// process against the same queue.
type Config struct {
	Driver         string        `env:"DB_DRIVER,default=sqlite"`
	Path           string        `env:"DB_PATH,default=ebookbot.db"`
	User           string        `env:"POSTGRES_USER,default=postgres"`
	Password       string        `env:"POSTGRES_PASSWORD,default=postgres"`
	Host           string        `env:"POSTGRES_HOST,default=localhost"`
	Port           string        `env:"POSTGRES_PORT,default=5432"`
	Database       string        `env:"POSTGRES_DB,default=ebookbot"`
	MaxRetries     int           `env:"DB_MAX_RETRIES,default=10"`
	RetryDelay     time.Duration `env:"DB_RETRY_DELAY,default=2s"`
	LogLevelString string        `env:"DB_LOG_LEVEL,default=warn"`
	LogLevel       gormlogger.LogLevel
}

// to help with testing
var envProcess = envconfig.Process

// LoadConfigFromEnv reads the database configuration from the environment.
func LoadConfigFromEnv(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envProcess(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.LogLevel = ParseLogLevel(cfg.LogLevelString)
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Path) == "" {
			errs = append(errs, "DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(cfg.User) == "" {
			errs = append(errs, "POSTGRES_USER is required")
		}
		if strings.TrimSpace(cfg.Database) == "" {
			errs = append(errs, "POSTGRES_DB is required")
		}
		if strings.TrimSpace(cfg.Host) == "" {
			errs = append(errs, "POSTGRES_HOST is required")
		}
		if port, err := strconv.Atoi(cfg.Port); err != nil {
			errs = append(errs, "POSTGRES_PORT must be a valid number")
		} else if port < 1 || port > 65535 {
			errs = append(errs, "POSTGRES_PORT must be between 1 and 65535")
		}
	default:
		errs = append(errs, "DB_DRIVER must be sqlite or postgres")
	}

	if cfg.MaxRetries < 0 {
		errs = append(errs, "DB_MAX_RETRIES must be non-negative")
	}
	if cfg.RetryDelay <= 0 {
		errs = append(errs, "DB_RETRY_DELAY must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Connect opens the configured database, retrying until it is reachable.
func Connect(ctx context.Context, cfg *Config) (*gorm.DB, error) {
	if cfg == nil {
		loaded, err := LoadConfigFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(cfg.LogLevel),
	}

	dialector, target := dialectorFor(cfg)
	logger.Infof("connecting to %s database: %s", cfg.Driver, target)

	var lastErr error
	for i := 0; i < cfg.MaxRetries; i++ {
		gdb, err := gorm.Open(dialector, gormConfig)
		if err == nil {
			sqlDB, dbErr := gdb.DB()
			if dbErr == nil {
				pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				pingErr := sqlDB.PingContext(pingCtx)
				cancel()
				if pingErr == nil {
					sqlDB.SetMaxIdleConns(10)
					sqlDB.SetMaxOpenConns(50)
					sqlDB.SetConnMaxLifetime(time.Hour)
					return gdb, nil
				}
				err = pingErr
			} else {
				err = dbErr
			}
		}
		lastErr = err

		logger.Warnf("database attempt %d/%d failed: %s, retrying in %v",
			i+1, cfg.MaxRetries, simplifyDBError(err), cfg.RetryDelay)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}

	return nil, fmt.Errorf("database connection failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}

func dialectorFor(cfg *Config) (gorm.Dialector, string) {
	if strings.ToLower(cfg.Driver) == "postgres" {
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.Host, cfg.User, cfg.Password, cfg.Database, cfg.Port,
		)
		return postgres.Open(dsn), fmt.Sprintf("%s@%s:%s/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
	}
	return sqlite.Open(cfg.Path), cfg.Path
}

// simplifyDBError returns a user-friendly error message
func simplifyDBError(err error) string {
	msg := err.Error()

	switch {
	case strings.Contains(msg, "password authentication failed"):
		return "invalid database credentials"
	case strings.Contains(msg, "connect"):
		return "cannot reach database server"
	case strings.Contains(msg, "timeout"):
		return "database connection timed out"
	case strings.Contains(msg, "SASL"):
		return "authentication error"
	}

	return "database error"
}

// AutoMigrate creates or updates the schema for the given models. Used
// with the sqlite driver; Postgres deployments run the goose migrations
// instead.
func AutoMigrate(db *gorm.DB, models ...any) error {
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}
	return nil
}

// ParseLogLevel converts a string to a gorm logger.LogLevel.
func ParseLogLevel(levelStr string) gormlogger.LogLevel {
	switch strings.ToLower(levelStr) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "warn":
		return gormlogger.Warn
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}
