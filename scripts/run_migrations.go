package main

import (
	"context"
	"fmt"
	"os"

	"github.com/safar/shop-inventory/internal/config"
	"github.com/safar/shop-inventory/internal/database"
	"github.com/safar/shop-inventory/internal/telemetry"
	"github.com/safar/shop-inventory/migrations"
	"go.uber.org/zap"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: go run scripts/run_migrations.go [up|down]")
		os.Exit(2)
	}
	direction := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}

	if err := migrate(context.Background(), cfg, logger, direction); err != nil {
		logger.Error("Migration failed", zap.String("direction", direction), zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger, direction string) error {
	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	ran, err := database.Migrate(ctx, db, migrations.FS, direction)
	if err != nil {
		return err
	}

	for _, filename := range ran {
		logger.Info("Ran migration", zap.String("file", filename))
	}
	logger.Info("Migrations complete", zap.Int("count", len(ran)), zap.String("direction", direction))

	return nil
}
