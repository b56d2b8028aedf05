package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"wisefido-telemetry/internal/common/database"
	"wisefido-telemetry/internal/common/logger"
	"wisefido-telemetry/internal/config"
	"wisefido-telemetry/internal/export"
	"wisefido-telemetry/internal/repository"

	"go.uber.org/zap"
)

// 导出死信到 Excel，供人工排查与重放
func main() {
	out := flag.String("out", "dead_letters.xlsx", "output xlsx path")
	limit := flag.Int("limit", 1000, "max dead letters to export (newest first)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	log, err := logger.NewLogger(cfg.Log.Level, "console", "wisefido-telemetry-dlq")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if err := exportDeadLetters(cfg, *out, *limit, log); err != nil {
		log.Error("Dead letter export failed", zap.Error(err))
		os.Exit(1)
	}
}

func exportDeadLetters(cfg *config.Config, out string, limit int, log *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewDeadLetterRepository(db, log)
	letters, err := repo.ListDeadLetters(ctx, limit)
	if err != nil {
		return err
	}
	total, err := repo.CountDeadLetters(ctx)
	if err != nil {
		return err
	}

	data, err := export.GenerateDeadLetterWorkbook(letters)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	log.Info("Dead letters exported",
		zap.String("file", out),
		zap.Int("exported", len(letters)),
		zap.Int64("total", total),
	)
	return nil
}
