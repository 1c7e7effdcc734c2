package database

import (
	"context"
	"log/slog"
	"time"

	"github.com/leca/schemhost/internal/model"
)

// Database is the schematic record store.
type Database interface {
	// Init creates the backing table if it does not exist. Callers must
	// invoke it before serving traffic.
	Init(ctx context.Context) error

	ListRecords(ctx context.Context) ([]*model.Schematic, error)
	ListUnexpiredRecords(ctx context.Context) ([]*model.Schematic, error)
	GetByDeleteKey(ctx context.Context, key string) (*model.Schematic, error)
	GetByDownloadKey(ctx context.Context, key string) (*model.Schematic, error)

	// ExpireRecord marks the record expired now. Unknown ids return
	// ErrNotFound; already expired records are left untouched.
	ExpireRecord(ctx context.Context, id int64) error

	// StoreRecord inserts rec with LastAccessed set to now and returns the
	// record as stored, including its assigned ID.
	StoreRecord(ctx context.Context, rec *model.Schematic) (*model.Schematic, error)

	// ExpireRecordsOlderThan expires every active record whose LastAccessed
	// is at or before now-age and returns the records it expired.
	ExpireRecordsOlderThan(ctx context.Context, age time.Duration) ([]*model.Schematic, error)

	GenerateDeletionKey(ctx context.Context, maxIterations int) (string, error)
	GenerateDownloadKey(ctx context.Context, maxIterations int) (string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Option configures a Database implementation.
type Option func(*options)

type options struct {
	now      func() time.Time
	newKey   func() string
	maxConns int
	logger   *slog.Logger
}

func defaultOptions() options {
	return options{
		now:      time.Now,
		newKey:   NewKey,
		maxConns: 5,
		logger:   slog.Default(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces the time source used for LastAccessed, Expired and
// sweep cutoffs.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithKeySource replaces the candidate key generator.
func WithKeySource(newKey func() string) Option {
	return func(o *options) { o.newKey = newKey }
}

// WithMaxConns bounds the connection pool.
func WithMaxConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithLogger sets the logger used for store lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// timestamp truncates to the precision every backend can round-trip.
func (o options) timestamp() time.Time {
	return o.now().UTC().Truncate(time.Millisecond)
}
