package handler

import (
	"context"
	"log/slog"

	"github.com/leca/schemhost/internal/config"
	"github.com/leca/schemhost/internal/database"
	"github.com/leca/schemhost/internal/metrics"
	"github.com/leca/schemhost/internal/pruner"
	"github.com/leca/schemhost/internal/storage"
)

// Sweeper runs an on-demand expiry sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (*pruner.Result, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	DB      database.Database
	Store   storage.Storage
	Config  *config.Config
	Metrics *metrics.Metrics
	Sweeper Sweeper
	Logger  *slog.Logger
}
