package main

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/ebookbot/ebookbot/internal/job"
	"github.com/ebookbot/ebookbot/internal/logger"
	"github.com/ebookbot/ebookbot/internal/storage"
	"github.com/ebookbot/ebookbot/middleware"
)

func main() {
	_ = godotenv.Load()
	logger.Init()

	ctx := context.Background()
	cfg, err := storage.LoadConfigFromEnv(ctx)
	if err != nil {
		logger.Fatalf("failed to load db config: %v", err)
	}

	db, err := storage.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalf("database connection failed: %v", err)
	}

	repo := storage.NewJobRepository(db)
	service := job.NewJobService(repo)
	handler := job.NewJobHandler(service)

	r := gin.Default()
	r.Use(middleware.ErrorHandler())

	r.GET("/jobs", handler.List)
	r.GET("/jobs/:id", handler.Get)
	r.POST("/jobs/:id/retry", handler.Retry)
	r.GET("/stats/formats", handler.Stats)

	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.Infof("status API listening on %s", addr)
	if err := r.Run(addr); err != nil {
		logger.Fatalf("server stopped: %v", err)
	}
}
