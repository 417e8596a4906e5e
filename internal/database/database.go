package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	memoryPath = ":memory:"

	// Writers wait this long (ms) for the write lock before SQLITE_BUSY.
	busyTimeoutMillis = 5000
)

// Open opens the licensing database at dbPath and brings the schema up to
// date. WAL lets lookups read while a dispense holds the write lock.
func Open(dbPath string) (*sql.DB, error) {
	pragmas := url.Values{}
	pragmas.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	pragmas.Add("_pragma", "journal_mode(WAL)")
	pragmas.Add("_pragma", "foreign_keys(1)")

	db, err := sql.Open("sqlite", dbPath+"?"+pragmas.Encode())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == memoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Status is what the health endpoint reports about storage.
type Status struct {
	OK            bool   `json:"ok"`
	SchemaVersion int64  `json:"schema_version"`
	Error         string `json:"error,omitempty"`
}

// Check pings the database and reads the applied migration version.
func Check(ctx context.Context, db *sql.DB) Status {
	if err := db.PingContext(ctx); err != nil {
		return Status{Error: err.Error()}
	}
	var version int64
	err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE is_applied = 1`,
	).Scan(&version)
	if err != nil {
		return Status{Error: fmt.Sprintf("read schema version: %v", err)}
	}
	return Status{OK: true, SchemaVersion: version}
}
