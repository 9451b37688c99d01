package integration

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ebookbot/ebookbot/internal/models"
	"github.com/ebookbot/ebookbot/internal/storage"
)

var (
	testDB   *sql.DB
	testDSN  string
	testPort string
)

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not construct pool: %s", err)
	}

	pool.MaxWait = 60 * time.Second

	if err := pool.Client.Ping(); err != nil {
		log.Fatalf("Could not connect to Docker: %s", err)
	}

	pg, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "17-alpine",
		Env: []string{
			"POSTGRES_USER=testuser",
			"POSTGRES_PASSWORD=testpass",
			"POSTGRES_DB=ebookbot_test",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("Could not start postgres container: %s", err)
	}

	testPort = pg.GetPort("5432/tcp")
	testDSN = fmt.Sprintf(
		"host=localhost user=testuser password=testpass dbname=ebookbot_test port=%s sslmode=disable TimeZone=UTC",
		testPort,
	)

	if err := pool.Retry(func() error {
		var err error
		testDB, err = sql.Open("postgres", testDSN)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := testDB.PingContext(ctx); err != nil {
			testDB.Close()
			return err
		}

		if err := runMigrations(testDB); err != nil {
			log.Printf("Failed to run migrations: %v", err)
			testDB.Close()
			return err
		}
		return nil
	}); err != nil {
		log.Fatalf("Could not connect to postgres: %s", err)
	}

	os.Setenv("DB_DRIVER", "postgres")
	os.Setenv("POSTGRES_USER", "testuser")
	os.Setenv("POSTGRES_PASSWORD", "testpass")
	os.Setenv("POSTGRES_DB", "ebookbot_test")
	os.Setenv("POSTGRES_HOST", "localhost")
	os.Setenv("POSTGRES_PORT", testPort)
	os.Setenv("DB_MAX_RETRIES", "3")
	os.Setenv("DB_RETRY_DELAY", "100ms")
	os.Setenv("DB_LOG_LEVEL", "silent")

	code := m.Run()

	if testDB != nil {
		testDB.Close()
	}
	if err := pool.Purge(pg); err != nil {
		log.Fatalf("Could not purge postgres container: %s", err)
	}

	os.Exit(code)
}

func runMigrations(db *sql.DB) error {
	_, filename, _, _ := runtime.Caller(0)
	migrationsDir := filepath.Join(filepath.Dir(filename), "../..", "migrations")

	if _, err := os.Stat(migrationsDir); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory does not exist: %s", migrationsDir)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	return nil
}

func TestConnect(t *testing.T) {
	tests := []struct {
		name        string
		config      *storage.Config
		wantErr     bool
		errContains string
		validate    func(t *testing.T, db *gorm.DB)
	}{
		{
			name:   "from environment",
			config: nil,
			validate: func(t *testing.T, db *gorm.DB) {
				var dbName string
				require.NoError(t, db.Raw("SELECT current_database()").Scan(&dbName).Error)
				assert.Equal(t, "ebookbot_test", dbName)
			},
		},
		{
			name: "explicit config",
			config: &storage.Config{
				Driver:     "postgres",
				User:       "testuser",
				Password:   "testpass",
				Host:       "localhost",
				Port:       testPort,
				Database:   "ebookbot_test",
				MaxRetries: 3,
				RetryDelay: 100 * time.Millisecond,
				LogLevel:   gormlogger.Silent,
			},
			validate: func(t *testing.T, db *gorm.DB) {
				var result int
				require.NoError(t, db.Raw("SELECT 1").Scan(&result).Error)
				assert.Equal(t, 1, result)
			},
		},
		{
			name: "wrong port",
			config: &storage.Config{
				Driver:     "postgres",
				User:       "testuser",
				Password:   "testpass",
				Host:       "localhost",
				Port:       "19999",
				Database:   "ebookbot_test",
				MaxRetries: 2,
				RetryDelay: 5 * time.Millisecond,
				LogLevel:   gormlogger.Silent,
			},
			wantErr:     true,
			errContains: "database connection failed after 2 attempts",
		},
		{
			name: "invalid credentials",
			config: &storage.Config{
				Driver:     "postgres",
				User:       "testuser",
				Password:   "wrongpass",
				Host:       "localhost",
				Port:       testPort,
				Database:   "ebookbot_test",
				MaxRetries: 2,
				RetryDelay: 5 * time.Millisecond,
				LogLevel:   gormlogger.Silent,
			},
			wantErr:     true,
			errContains: "database connection failed after 2 attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			db, err := storage.Connect(ctx, tt.config)
			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
				assert.Nil(t, db)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, db)
			if tt.validate != nil {
				tt.validate(t, db)
			}
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		})
	}
}

// setupTestRepo returns a repository on a fresh connection with the jobs
// table wiped.
func setupTestRepo(tb testing.TB) (*storage.JobRepository, context.Context) {
	tb.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	tb.Cleanup(cancel)

	db, err := storage.Connect(ctx, &storage.Config{
		Driver:     "postgres",
		User:       "testuser",
		Password:   "testpass",
		Host:       "localhost",
		Port:       testPort,
		Database:   "ebookbot_test",
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
		LogLevel:   gormlogger.Silent,
	})
	require.NoError(tb, err)

	require.NoError(tb, db.Exec("DELETE FROM jobs").Error)
	require.NoError(tb, db.Exec("DELETE FROM format_stats").Error)

	tb.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return storage.NewJobRepository(db), ctx
}

func migratedJob(chatID int64, messageID int) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:           models.JobID(chatID, messageID, "epub"),
		State:        models.JobStatePending,
		ChatID:       chatID,
		MessageID:    messageID,
		FileID:       "file-abc",
		FileName:     "book.mobi",
		TargetFormat: "epub",
		MaxAttempts:  3,
		EnqueuedAt:   now,
		AvailableAt:  now,
	}
}

// TestJobLifecycleOnPostgres runs a full job lifecycle against the real
// schema, which keeps the goose migrations honest about the columns the
// repository relies on.
func TestJobLifecycleOnPostgres(t *testing.T) {
	repo, ctx := setupTestRepo(t)

	job := migratedJob(1, 42)
	require.NoError(t, repo.Create(ctx, job))

	claimed, err := repo.ClaimNext(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempt)

	// No second live claim on the same job.
	second, err := repo.ClaimForProcessing(ctx, job.ID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	steps := []struct{ from, to models.JobState }{
		{models.JobStatePending, models.JobStateDownloading},
		{models.JobStateDownloading, models.JobStateDetecting},
		{models.JobStateDetecting, models.JobStateConverting},
		{models.JobStateConverting, models.JobStateDelivering},
	}
	for _, s := range steps {
		require.NoError(t, repo.UpdateState(ctx, job.ID, s.from, s.to, "worker-a", nil))
	}
	require.NoError(t, repo.MarkSucceeded(ctx, job.ID, "worker-a", "/tmp/out.epub", "book.epub", nil))

	final, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, final.State)
	assert.Equal(t, "/tmp/out.epub", final.ResultPath)
	assert.Empty(t, final.LeaseOwner)
}

func TestConcurrentClaimsOnPostgres(t *testing.T) {
	repo, ctx := setupTestRepo(t)

	job := migratedJob(2, 7)
	require.NoError(t, repo.Create(ctx, job))

	const workers = 8
	results := make(chan *models.Job, workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			claimed, err := repo.ClaimForProcessing(ctx, job.ID, fmt.Sprintf("worker-%d", n), time.Minute)
			assert.NoError(t, err)
			results <- claimed
		}(i)
	}

	winners := 0
	for i := 0; i < workers; i++ {
		if <-results != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one worker wins the claim")
}

func TestFormatStatsOnPostgres(t *testing.T) {
	repo, ctx := setupTestRepo(t)

	require.NoError(t, repo.BumpFormatStat(ctx, "mobi", false))
	require.NoError(t, repo.BumpFormatStat(ctx, "mobi", false))
	require.NoError(t, repo.BumpFormatStat(ctx, "epub", true))

	stats, err := repo.ListFormatStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(2), stats[1].InputCount)
}
