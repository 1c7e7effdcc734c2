package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/leca/schemhost/internal/model"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Compile-time check that SQLiteDB implements Database.
var _ Database = (*SQLiteDB)(nil)

// SQLiteDB implements Database backed by SQLite. Timestamps are stored as
// unix milliseconds.
type SQLiteDB struct {
	db   *sql.DB
	opts options
}

// NewSQLiteDB opens (or creates) an SQLite database at dsn. Call Init before use.
func NewSQLiteDB(dsn string, opts ...Option) (*SQLiteDB, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	} else if !strings.Contains(dsn, "busy_timeout") {
		dsn += "&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	o := applyOptions(opts)
	db.SetMaxOpenConns(o.maxConns)

	return &SQLiteDB{db: db, opts: o}, nil
}

// Init creates the schematics table and its index if they are missing.
func (s *SQLiteDB) Init(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	s.opts.logger.Info("schema ready", slog.String("driver", "sqlite"), slog.String("table", tableName))
	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) ListRecords(ctx context.Context) ([]*model.Schematic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM schematics ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schematics: %w", err)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

func (s *SQLiteDB) ListUnexpiredRecords(ctx context.Context) ([]*model.Schematic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM schematics WHERE expired IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unexpired schematics: %w", err)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

func (s *SQLiteDB) GetByDeleteKey(ctx context.Context, key string) (*model.Schematic, error) {
	return s.getByKey(ctx, deleteKeyColumn, key)
}

func (s *SQLiteDB) GetByDownloadKey(ctx context.Context, key string) (*model.Schematic, error) {
	return s.getByKey(ctx, downloadKeyColumn, key)
}

// getByKey looks a record up by one of the key columns. column is always
// one of the package constants, never caller input.
func (s *SQLiteDB) getByKey(ctx context.Context, column, key string) (*model.Schematic, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM schematics WHERE `+column+` = ?`, key)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schematic with %s %q: %w", column, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schematic by %s: %w", column, err)
	}
	return rec, nil
}

func (s *SQLiteDB) ExpireRecord(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schematics SET expired = ? WHERE id = ? AND expired IS NULL`,
		s.opts.timestamp().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("expire schematic %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM schematics WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("schematic with id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check schematic %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteDB) StoreRecord(ctx context.Context, rec *model.Schematic) (*model.Schematic, error) {
	stored := rec.Clone()
	stored.LastAccessed = s.opts.timestamp()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schematics (download_key, delete_key, file_name, last_accessed, expired, uploader, schem_type, pos1, pos2)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.DownloadKey, stored.DeleteKey, stored.FileName, stored.LastAccessed.UnixMilli(),
		nullMillis(stored.Expired), nullString(stored.Uploader), nullString(stored.SchemType),
		nullString(stored.Pos1), nullString(stored.Pos2),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, fmt.Errorf("insert schematic: %w", ErrConflict)
		}
		return nil, fmt.Errorf("insert schematic: %w", err)
	}

	stored.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read inserted id: %w", err)
	}
	return stored, nil
}

func (s *SQLiteDB) ExpireRecordsOlderThan(ctx context.Context, age time.Duration) ([]*model.Schematic, error) {
	if age < 0 {
		return nil, fmt.Errorf("expire older than %s: %w", age, ErrNegativeAge)
	}
	now := s.opts.timestamp()
	cutoff := now.Add(-age)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM schematics
		WHERE expired IS NULL AND last_accessed <= ?
		ORDER BY id ASC`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("select stale schematics: %w", err)
	}
	stale, err := scanSQLiteRecords(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	expired := make([]*model.Schematic, 0, len(stale))
	for _, rec := range stale {
		res, err := s.db.ExecContext(ctx,
			`UPDATE schematics SET expired = ? WHERE id = ? AND expired IS NULL`,
			now.UnixMilli(), rec.ID)
		if err != nil {
			return expired, fmt.Errorf("expire schematic %d: %w", rec.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return expired, fmt.Errorf("expire schematic %d: %w", rec.ID, err)
		}
		// A concurrent sweep may have expired the row first.
		if n == 0 {
			continue
		}
		at := now
		rec.Expired = &at
		expired = append(expired, rec)
	}
	return expired, nil
}

func (s *SQLiteDB) GenerateDeletionKey(ctx context.Context, maxIterations int) (string, error) {
	return generateKey(ctx, s.opts.newKey, s.keyTaken, deleteKeyColumn, maxIterations)
}

func (s *SQLiteDB) GenerateDownloadKey(ctx context.Context, maxIterations int) (string, error) {
	return generateKey(ctx, s.opts.newKey, s.keyTaken, downloadKeyColumn, maxIterations)
}

func (s *SQLiteDB) keyTaken(ctx context.Context, column, key string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM schematics WHERE `+column+` = ?)`, key).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists != 0, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteRecord(row scannable) (*model.Schematic, error) {
	rec := &model.Schematic{}
	var lastAccessed int64
	var expired sql.NullInt64
	var uploader, schemType, pos1, pos2 sql.NullString

	err := row.Scan(&rec.ID, &rec.DownloadKey, &rec.DeleteKey, &rec.FileName,
		&lastAccessed, &expired, &uploader, &schemType, &pos1, &pos2)
	if err != nil {
		return nil, err
	}

	rec.LastAccessed = time.UnixMilli(lastAccessed).UTC()
	if expired.Valid {
		t := time.UnixMilli(expired.Int64).UTC()
		rec.Expired = &t
	}
	rec.Uploader = fromNullString(uploader)
	rec.SchemType = fromNullString(schemType)
	rec.Pos1 = fromNullString(pos1)
	rec.Pos2 = fromNullString(pos2)
	return rec, nil
}

func scanSQLiteRecords(rows *sql.Rows) ([]*model.Schematic, error) {
	records := []*model.Schematic{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schematic: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
