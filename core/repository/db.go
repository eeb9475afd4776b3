package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL backend behind a DB
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps a connection pool and rewrites $N placeholders for the active dialect
type DB struct {
	*sql.DB
	dialect Dialect
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// NewDB opens a database from a URL. postgres:// and postgresql:// use lib/pq;
// sqlite:// opens a local file ("sqlite:///flaccy.db" is relative, "sqlite:////abs" absolute)
// and sqlite://:memory: an in-memory database.
func NewDB(url string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		sqlDB, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return &DB{DB: sqlDB, dialect: DialectPostgres}, nil

	case strings.HasPrefix(url, "sqlite://"):
		path := sqlitePath(url)
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		sqlDB, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := configureSQLite(ctx, sqlDB, path); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return &DB{DB: sqlDB, dialect: DialectSQLite}, nil
	}

	return nil, fmt.Errorf("unsupported database url %q", url)
}

func sqlitePath(url string) string {
	rest := strings.TrimPrefix(url, "sqlite://")
	if rest == ":memory:" || rest == "/:memory:" {
		return ":memory:"
	}
	if strings.HasPrefix(rest, "//") {
		return rest[1:]
	}
	return strings.TrimPrefix(rest, "/")
}

func ensureDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// configureSQLite pins a single connection so writers never contend for the file lock
func configureSQLite(ctx context.Context, db *sql.DB, path string) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if path == ":memory:" {
		return nil
	}

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

// Dialect returns the active SQL dialect
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Rebind rewrites $N placeholders into the form the dialect expects
func (db *DB) Rebind(query string) string {
	if db.dialect == DialectSQLite {
		return placeholderRe.ReplaceAllString(query, "?$1")
	}
	return query
}

// Exec executes a statement with dialect placeholders
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.DB.ExecContext(ctx, db.Rebind(query), args...)
}

// Query runs a query with dialect placeholders
func (db *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.QueryContext(ctx, db.Rebind(query), args...)
}

// QueryRow runs a single-row query with dialect placeholders
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRowContext(ctx, db.Rebind(query), args...)
}

// Begin starts a transaction whose statements are rebound like the DB's
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, db: db}, nil
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// Tx is a transaction that rebinds placeholders
type Tx struct {
	*sql.Tx
	db *DB
}

// Exec executes a statement inside the transaction
func (tx *Tx) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return tx.Tx.ExecContext(ctx, tx.db.Rebind(query), args...)
}

// Query runs a query inside the transaction
func (tx *Tx) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return tx.Tx.QueryContext(ctx, tx.db.Rebind(query), args...)
}

// QueryRow runs a single-row query inside the transaction
func (tx *Tx) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return tx.Tx.QueryRowContext(ctx, tx.db.Rebind(query), args...)
}

// Migrate creates the schema if it does not exist
func (db *DB) Migrate(ctx context.Context) error {
	serial := "BIGSERIAL PRIMARY KEY"
	ts := "TIMESTAMPTZ"
	if db.dialect == DialectSQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
		ts = "TIMESTAMP"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			step TEXT NOT NULL DEFAULT '',
			error TEXT,
			input_json TEXT NOT NULL,
			result_json TEXT,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			started_at ` + ts + `,
			finished_at ` + ts + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,

		`CREATE TABLE IF NOT EXISTS job_artifacts (
			id ` + serial + `,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			name TEXT NOT NULL,
			artifact_key TEXT NOT NULL UNIQUE,
			created_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_artifacts_job ON job_artifacts(job_id)`,

		`CREATE TABLE IF NOT EXISTS job_event_seq (
			job_id TEXT PRIMARY KEY,
			next_id BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_events (
			job_id TEXT NOT NULL,
			id BIGINT NOT NULL,
			type TEXT NOT NULL,
			at ` + ts + ` NOT NULL,
			fields_json TEXT NOT NULL,
			PRIMARY KEY (job_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS job_queue (
			job_id TEXT PRIMARY KEY,
			enqueued_at BIGINT NOT NULL,
			timeout_ms BIGINT NOT NULL,
			lease_until BIGINT,
			attempts INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_queue_enqueued ON job_queue(enqueued_at)`,
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}

// isNoRows reports whether err means the row does not exist
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
