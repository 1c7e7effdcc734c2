// Package pruner expires schematics that have not been accessed within the
// configured prune interval and removes their blobs.
package pruner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/leca/schemhost/internal/database"
	"github.com/leca/schemhost/internal/metrics"
	"github.com/leca/schemhost/internal/model"
	"github.com/leca/schemhost/internal/storage"
)

// Result summarises one sweep.
type Result struct {
	Expired      []*model.Schematic `json:"expired"`
	BlobsRemoved int                `json:"blobs_removed"`
	BlobErrors   int                `json:"blob_errors"`
	Duration     time.Duration      `json:"duration"`
}

// Pruner runs expiry sweeps against a record store and its blob storage.
type Pruner struct {
	db       database.Database
	store    storage.Storage
	age      time.Duration
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// Serialises sweeps started from this process.
	mu sync.Mutex
}

// New creates a Pruner that expires records older than age every interval.
// m may be nil.
func New(db database.Database, store storage.Storage, age, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		db:       db,
		store:    store,
		age:      age,
		interval: interval,
		metrics:  m,
		logger:   logger.With(slog.String("component", "pruner")),
	}
}

// Sweep runs one sweep with the configured age.
func (p *Pruner) Sweep(ctx context.Context) (*Result, error) {
	return p.SweepOlderThan(ctx, p.age)
}

// SweepOlderThan expires every active record last accessed at or before
// now-age and deletes the blobs of the records it expired. Blob deletion
// failures are logged and counted, not returned. When the store fails part
// way, the records it did expire are still cleaned up and returned alongside
// the error.
func (p *Pruner) SweepOlderThan(ctx context.Context, age time.Duration) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	expired, sweepErr := p.db.ExpireRecordsOlderThan(ctx, age)

	res := &Result{Expired: expired}
	if res.Expired == nil {
		res.Expired = []*model.Schematic{}
	}

	for _, rec := range expired {
		if err := p.store.Delete(ctx, rec.DownloadKey); err != nil {
			res.BlobErrors++
			p.logger.Warn("failed to remove blob",
				slog.Int64("id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		res.BlobsRemoved++
	}
	res.Duration = time.Since(start)

	if p.metrics != nil {
		p.metrics.SweptRecords.Add(float64(len(expired)))
	}

	if sweepErr != nil {
		p.logger.Error("sweep failed",
			slog.Int("expired", len(expired)),
			slog.String("error", sweepErr.Error()),
		)
		return res, sweepErr
	}

	level := slog.LevelDebug
	if len(expired) > 0 {
		level = slog.LevelInfo
	}
	p.logger.Log(ctx, level, "sweep complete",
		slog.Int("expired", len(expired)),
		slog.Int("blobs_removed", res.BlobsRemoved),
		slog.Int("blob_errors", res.BlobErrors),
		slog.Duration("age", age),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
// A non-positive interval or age leaves the pruner stopped.
func (p *Pruner) Run(ctx context.Context) {
	if p.interval <= 0 || p.age < 0 {
		p.logger.Error("pruner not started",
			slog.Duration("interval", p.interval),
			slog.Duration("age", p.age),
		)
		return
	}

	p.logger.Info("pruner started",
		slog.Duration("interval", p.interval),
		slog.Duration("age", p.age),
	)

	p.sweepLogged(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pruner stopped")
			return
		case <-ticker.C:
			p.sweepLogged(ctx)
		}
	}
}

// sweepLogged runs Sweep for the background loop, where errors are already logged.
func (p *Pruner) sweepLogged(ctx context.Context) {
	_, _ = p.Sweep(ctx)
}
