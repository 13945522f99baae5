package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id          TEXT PRIMARY KEY,
	rule        TEXT NOT NULL,
	method      TEXT NOT NULL,
	uri         TEXT NOT NULL,
	host        TEXT NOT NULL,
	remote_ip   TEXT NOT NULL,
	remote_host TEXT NOT NULL,
	destination TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	state       TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	duration_ns INTEGER NOT NULL,
	error       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_received_at ON exchanges(received_at);
`

const sqliteUpsert = `
INSERT INTO exchanges (id, rule, method, uri, host, remote_ip, remote_host,
	destination, status_code, state, received_at, duration_ns, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	rule = excluded.rule,
	destination = excluded.destination,
	status_code = excluded.status_code,
	state = excluded.state,
	duration_ns = excluded.duration_ns,
	error = excluded.error
`

const sqliteTrim = `
DELETE FROM exchanges WHERE id NOT IN (
	SELECT id FROM exchanges ORDER BY received_at DESC, rowid DESC LIMIT ?
)
`

const sqliteList = `
SELECT id, rule, method, uri, host, remote_ip, remote_host, destination,
	status_code, state, received_at, duration_ns, error
FROM exchanges ORDER BY received_at DESC, rowid DESC LIMIT ?
`

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string
	// Capacity bounds the number of rows kept; 0 keeps everything.
	Capacity int
	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// SQLite stores records in a SQLite database.
type SQLite struct {
	db       *sql.DB
	capacity int

	upsertStmt *sql.Stmt
	trimStmt   *sql.Stmt
	listStmt   *sql.Stmt
}

// NewSQLite opens or creates the database at cfg.Path.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite store: path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, capacity: cfg.Capacity}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("sqlite store: failed to create schema: %w", err)
	}

	var err error
	if s.upsertStmt, err = s.db.Prepare(sqliteUpsert); err != nil {
		return fmt.Errorf("sqlite store: failed to prepare upsert: %w", err)
	}
	if s.trimStmt, err = s.db.Prepare(sqliteTrim); err != nil {
		return fmt.Errorf("sqlite store: failed to prepare trim: %w", err)
	}
	if s.listStmt, err = s.db.Prepare(sqliteList); err != nil {
		return fmt.Errorf("sqlite store: failed to prepare list: %w", err)
	}
	return nil
}

// Save inserts or updates rec and trims the table to capacity.
func (s *SQLite) Save(ctx context.Context, rec Record) error {
	_, err := s.upsertStmt.ExecContext(ctx,
		rec.ID, rec.Rule, rec.Method, rec.URI, rec.Host, rec.RemoteIP, rec.RemoteHost,
		rec.Destination, rec.StatusCode, rec.State, rec.ReceivedAt.UnixNano(),
		int64(rec.Duration), rec.Error,
	)
	if err != nil {
		return fmt.Errorf("sqlite store: failed to save %s: %w", rec.ID, err)
	}
	if s.capacity > 0 {
		if _, err := s.trimStmt.ExecContext(ctx, s.capacity); err != nil {
			return fmt.Errorf("sqlite store: failed to trim: %w", err)
		}
	}
	return nil
}

// List returns records newest first.
func (s *SQLite) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.listStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: failed to list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			receivedAt int64
			duration   int64
		)
		if err := rows.Scan(&rec.ID, &rec.Rule, &rec.Method, &rec.URI, &rec.Host,
			&rec.RemoteIP, &rec.RemoteHost, &rec.Destination, &rec.StatusCode,
			&rec.State, &receivedAt, &duration, &rec.Error); err != nil {
			return nil, fmt.Errorf("sqlite store: failed to scan: %w", err)
		}
		rec.ReceivedAt = time.Unix(0, receivedAt)
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	for _, stmt := range []*sql.Stmt{s.upsertStmt, s.trimStmt, s.listStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
