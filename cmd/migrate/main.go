package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/ebookbot/ebookbot/internal/logger"
	"github.com/ebookbot/ebookbot/internal/storage"
)

func main() {
	_ = godotenv.Load()
	logger.Init()

	dir := flag.String("dir", "migrations", "directory with goose migration files")
	command := flag.String("command", "up", "goose command: up, down, status")
	flag.Parse()

	ctx := context.Background()
	cfg, err := storage.LoadConfigFromEnv(ctx)
	if err != nil {
		logger.Fatalf("failed to load db config: %v", err)
	}

	gdb, err := storage.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalf("database connection failed: %v", err)
	}
	db, err := gdb.DB()
	if err != nil {
		logger.Fatalf("failed to unwrap sql.DB: %v", err)
	}

	dialect := "postgres"
	if cfg.Driver == "sqlite" {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		logger.Fatalf("failed to set goose dialect: %v", err)
	}

	switch *command {
	case "up":
		err = goose.Up(db, *dir)
	case "down":
		err = goose.Down(db, *dir)
	case "status":
		err = goose.Status(db, *dir)
	default:
		err = fmt.Errorf("unknown command %q", *command)
	}
	if err != nil {
		logger.Fatalf("migration failed: %v", err)
	}
	logger.Infof("goose %s complete", *command)
}
