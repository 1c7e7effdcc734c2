package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/leca/schemhost/internal/config"
	"github.com/leca/schemhost/internal/database"
	"github.com/leca/schemhost/internal/storage"
)

// app is the record store and blob storage opened from the configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     database.Database
	store  storage.Storage
}

// openApp loads the configuration, installs the logger on logOut and opens
// both stores. Failures are reported as ExitCommandError.
func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	logger := config.SetupLogger(cfg, logOut)

	db, err := database.Open(ctx, cfg, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	store, err := openStorage(cfg, logger)
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "open storage", err)
	}

	return &app{cfg: cfg, logger: logger, db: db, store: store}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// openStorage selects S3 when a bucket is configured and the local
// filesystem otherwise.
func openStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3.Bucket != "" {
		return storage.NewS3(storage.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
		}, logger)
	}
	logger.Info("using filesystem storage", slog.String("path", cfg.StoragePath))
	return storage.NewFileSystem(cfg.StoragePath), nil
}
