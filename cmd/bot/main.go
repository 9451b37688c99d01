package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"

	"github.com/ebookbot/ebookbot/internal/config"
	"github.com/ebookbot/ebookbot/internal/convert"
	"github.com/ebookbot/ebookbot/internal/logger"
	"github.com/ebookbot/ebookbot/internal/models"
	"github.com/ebookbot/ebookbot/internal/pipeline"
	"github.com/ebookbot/ebookbot/internal/storage"
	"github.com/ebookbot/ebookbot/internal/telegram"
)

func main() {
	_ = godotenv.Load()
	logger.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if cfg.BotToken == "" {
		logger.Fatalf("BOT_TOKEN is required")
	}

	dbCfg, err := storage.LoadConfigFromEnv(ctx)
	if err != nil {
		logger.Fatalf("failed to load db config: %v", err)
	}
	db, err := storage.Connect(ctx, dbCfg)
	if err != nil {
		logger.Fatalf("database connection failed: %v", err)
	}
	if strings.ToLower(dbCfg.Driver) == "sqlite" {
		if err := storage.AutoMigrate(db, &models.Job{}, &models.Chat{}, &models.FormatStat{}); err != nil {
			logger.Fatalf("migration failed: %v", err)
		}
	}

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		logger.Fatalf("failed to create work dir: %v", err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Fatalf("failed to connect to the Bot API: %v", err)
	}
	logger.Infof("authorized as @%s", bot.Self.UserName)

	repo := storage.NewJobRepository(db)
	delivery := telegram.NewDelivery(bot)
	p := pipeline.New(
		cfg,
		repo,
		telegram.NewDownloader(bot),
		delivery,
		convert.New(cfg.ConversionTimeout, cfg.MaxAttachmentSizeBytes),
	)
	p.Start()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	intake := telegram.NewIntake(updates, p, delivery, repo, cfg.DefaultTargetFormat)
	logger.Infof("bot running with %d workers", cfg.WorkerCount)
	intake.Run(ctx)

	logger.Info("shutting down")
	bot.StopReceivingUpdates()
	p.Stop()
	logger.Info("shutdown complete")
}
