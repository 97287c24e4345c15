// Package db provides database connection helpers and schema migration for the
// subject store. Postgres is the production backend; SQLite is available for
// single-node runs and tests.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure-Go sqlite driver registered as 'sqlite'
)

// Supported DB_DRIVER values.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Connect opens a database handle for driver at dsn and verifies it with a ping.
func Connect(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	var (
		database *sql.DB
		err      error
	)
	switch strings.ToLower(driver) {
	case DriverPostgres, "pgx", "":
		database, err = sql.Open("pgx", dsn)
	case DriverSQLite:
		database, err = sql.Open("sqlite", dsn)
		if err == nil {
			// One connection keeps ":memory:" databases alive and serializes writers.
			database.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := database.PingContext(ctx); err != nil {
		if cerr := database.Close(); cerr != nil {
			slog.Warn("failed to close database after ping failure", slog.Any("err", cerr))
		}
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return database, nil
}

// Migrate applies idempotent schema changes for driver.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	stmts := postgresSchema
	if strings.ToLower(driver) == DriverSQLite {
		stmts = sqliteSchema
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS subjects (
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		doc JSONB NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		updated_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (kind, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subjects_updated_at ON subjects (updated_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS subjects (
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		doc TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (kind, name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subjects_updated_at ON subjects (updated_at)`,
}
