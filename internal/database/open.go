package database

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/leca/schemhost/internal/config"
)

// Open connects to the backend selected by cfg.DBDriver and runs Init.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Database, error) {
	opts := []Option{WithMaxConns(cfg.ConnectionLimit), WithLogger(logger)}

	var (
		db  Database
		err error
	)
	switch cfg.DBDriver {
	case "sqlite":
		if dir := filepath.Dir(cfg.DBPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		db, err = NewSQLiteDB(cfg.DBPath, opts...)
	case "postgres":
		db, err = NewPostgresDB(ctx, cfg.DatabaseDSN(), opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DBDriver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
