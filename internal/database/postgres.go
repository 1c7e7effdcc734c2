package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leca/schemhost/internal/model"
)

// Compile-time check that PostgresDB implements Database.
var _ Database = (*PostgresDB)(nil)

// PostgresDB implements Database on a pgx connection pool.
type PostgresDB struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresDB creates a pool for dsn bounded by WithMaxConns and verifies
// connectivity. Call Init before use.
func NewPostgresDB(ctx context.Context, dsn string, opts ...Option) (*PostgresDB, error) {
	o := applyOptions(opts)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = int32(o.maxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	o.logger.Info("connected to postgres",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.Int("port", int(poolCfg.ConnConfig.Port)),
		slog.String("database", poolCfg.ConnConfig.Database),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)

	return &PostgresDB{pool: pool, opts: o}, nil
}

// Init creates the schematics table and its index if they are missing.
func (p *PostgresDB) Init(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	p.opts.logger.Info("schema ready", slog.String("driver", "postgres"), slog.String("table", tableName))
	return nil
}

// Ping checks that the pool can reach the server.
func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close releases every pooled connection.
func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresDB) ListRecords(ctx context.Context) ([]*model.Schematic, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+selectColumns+` FROM schematics ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schematics: %w", err)
	}
	return collectPostgresRecords(rows)
}

func (p *PostgresDB) ListUnexpiredRecords(ctx context.Context) ([]*model.Schematic, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM schematics WHERE expired IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unexpired schematics: %w", err)
	}
	return collectPostgresRecords(rows)
}

func (p *PostgresDB) GetByDeleteKey(ctx context.Context, key string) (*model.Schematic, error) {
	return p.getByKey(ctx, deleteKeyColumn, key)
}

func (p *PostgresDB) GetByDownloadKey(ctx context.Context, key string) (*model.Schematic, error) {
	return p.getByKey(ctx, downloadKeyColumn, key)
}

func (p *PostgresDB) getByKey(ctx context.Context, column, key string) (*model.Schematic, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM schematics WHERE `+column+` = $1`, key)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schematic with %s %q: %w", column, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schematic by %s: %w", column, err)
	}
	return rec, nil
}

func (p *PostgresDB) ExpireRecord(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE schematics SET expired = $1 WHERE id = $2 AND expired IS NULL`,
		p.opts.timestamp(), id)
	if err != nil {
		return fmt.Errorf("expire schematic %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schematics WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check schematic %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("schematic with id %d: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresDB) StoreRecord(ctx context.Context, rec *model.Schematic) (*model.Schematic, error) {
	stored := rec.Clone()
	stored.LastAccessed = p.opts.timestamp()

	err := p.pool.QueryRow(ctx, `
		INSERT INTO schematics (download_key, delete_key, file_name, last_accessed, expired, uploader, schem_type, pos1, pos2)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		stored.DownloadKey, stored.DeleteKey, stored.FileName, stored.LastAccessed,
		stored.Expired, stored.Uploader, stored.SchemType, stored.Pos1, stored.Pos2,
	).Scan(&stored.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert schematic: %w", ErrConflict)
		}
		return nil, fmt.Errorf("insert schematic: %w", err)
	}
	return stored, nil
}

func (p *PostgresDB) ExpireRecordsOlderThan(ctx context.Context, age time.Duration) ([]*model.Schematic, error) {
	if age < 0 {
		return nil, fmt.Errorf("expire older than %s: %w", age, ErrNegativeAge)
	}
	now := p.opts.timestamp()
	cutoff := now.Add(-age)

	rows, err := p.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM schematics
		WHERE expired IS NULL AND last_accessed <= $1
		ORDER BY id ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale schematics: %w", err)
	}
	stale, err := collectPostgresRecords(rows)
	if err != nil {
		return nil, err
	}

	expired := make([]*model.Schematic, 0, len(stale))
	for _, rec := range stale {
		tag, err := p.pool.Exec(ctx,
			`UPDATE schematics SET expired = $1 WHERE id = $2 AND expired IS NULL`,
			now, rec.ID)
		if err != nil {
			return expired, fmt.Errorf("expire schematic %d: %w", rec.ID, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		at := now
		rec.Expired = &at
		expired = append(expired, rec)
	}
	return expired, nil
}

func (p *PostgresDB) GenerateDeletionKey(ctx context.Context, maxIterations int) (string, error) {
	return generateKey(ctx, p.opts.newKey, p.keyTaken, deleteKeyColumn, maxIterations)
}

func (p *PostgresDB) GenerateDownloadKey(ctx context.Context, maxIterations int) (string, error) {
	return generateKey(ctx, p.opts.newKey, p.keyTaken, downloadKeyColumn, maxIterations)
}

func (p *PostgresDB) keyTaken(ctx context.Context, column, key string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM schematics WHERE `+column+` = $1)`, key).Scan(&exists)
	return exists, err
}

func scanPostgresRecord(row pgx.Row) (*model.Schematic, error) {
	rec := &model.Schematic{}
	err := row.Scan(&rec.ID, &rec.DownloadKey, &rec.DeleteKey, &rec.FileName,
		&rec.LastAccessed, &rec.Expired, &rec.Uploader, &rec.SchemType, &rec.Pos1, &rec.Pos2)
	if err != nil {
		return nil, err
	}
	rec.LastAccessed = rec.LastAccessed.UTC()
	if rec.Expired != nil {
		t := rec.Expired.UTC()
		rec.Expired = &t
	}
	return rec, nil
}

func collectPostgresRecords(rows pgx.Rows) ([]*model.Schematic, error) {
	defer rows.Close()

	records := []*model.Schematic{}
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schematic: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
