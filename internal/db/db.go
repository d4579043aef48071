package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"modernc.org/sqlite"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobCompleted  = errors.New("job already completed")
	ErrJobPublished  = errors.New("job already published")
	ErrTokenNotFound = errors.New("download token not found")
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// sqliteForeignKeyCode is SQLITE_CONSTRAINT_FOREIGNKEY.
const sqliteForeignKeyCode = 787

// DB is the job catalog. Queries are written with $n placeholders and
// rebound for SQLite.
type DB struct {
	*sql.DB
	dialect Dialect
	now     func() time.Time
}

// New opens the catalog. driver is "postgres" (lib/pq), "pgx" or "sqlite";
// both Postgres drivers share one dialect.
func New(driver, dsn string) (*DB, error) {
	var (
		dialect Dialect
		conn    *sql.DB
		err     error
	)
	switch driver {
	case "postgres", "pgx":
		dialect = DialectPostgres
		conn, err = sql.Open(driver, dsn)
	case "sqlite":
		dialect = DialectSQLite
		conn, err = sql.Open("sqlite", sqliteDSN(dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: conn, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (db *DB) Dialect() Dialect { return db.dialect }

func (db *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	query, args = db.rebind(query, args)
	return db.DB.ExecContext(ctx, query, args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	query, args = db.rebind(query, args)
	return db.DB.QueryContext(ctx, query, args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	query, args = db.rebind(query, args)
	return db.DB.QueryRowContext(ctx, query, args...)
}

// rebind rewrites $n placeholders to ? for SQLite, expanding the argument list
// so a placeholder may be referenced more than once.
func (db *DB) rebind(query string, args []interface{}) (string, []interface{}) {
	if db.dialect != DialectSQLite {
		return query, args
	}
	var b strings.Builder
	b.Grow(len(query))
	out := make([]interface{}, 0, len(args))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c != '$' || i+1 >= len(query) || !isDigit(query[i+1]) {
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(query) && isDigit(query[j]) {
			j++
		}
		n, _ := strconv.Atoi(query[i+1 : j])
		if n >= 1 && n <= len(args) {
			out = append(out, args[n-1])
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String(), out
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqliteForeignKeyCode
	}
	return false
}

// Migrate creates the catalog tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	idType, tsType := "UUID", "TIMESTAMPTZ"
	if db.dialect == DialectSQLite {
		idType, tsType = "TEXT", "TIMESTAMP"
	}
	r := strings.NewReplacer("{id}", idType, "{ts}", tsType)

	for _, stmt := range schema {
		if _, err := db.DB.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id {id} PRIMARY KEY,
		template_id TEXT NOT NULL,
		subject_name TEXT NOT NULL,
		birth_date TEXT,
		passed_date TEXT,
		message TEXT,
		music_source TEXT NOT NULL,
		music_ref TEXT NOT NULL,
		asset_keys TEXT NOT NULL DEFAULT '[]',
		tier TEXT NOT NULL,
		notify_address TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		progress INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		failure_reason TEXT,
		output_key TEXT,
		created_at {ts} NOT NULL,
		started_at {ts},
		completed_at {ts},
		updated_at {ts} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
	`CREATE TABLE IF NOT EXISTS download_tokens (
		token TEXT PRIMARY KEY,
		job_id {id} NOT NULL UNIQUE REFERENCES jobs(id) ON DELETE CASCADE,
		expires_at {ts} NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		accessed_at {ts},
		created_at {ts} NOT NULL
	)`,
}
