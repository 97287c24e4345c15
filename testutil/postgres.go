package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/trackerbot/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
// Rows left by earlier runs are removed so tests start from an empty store.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	ctx := context.Background()
	database, err := db.Connect(ctx, db.DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(ctx, database, db.DriverPostgres); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `DELETE FROM subjects`); err != nil {
		database.Close()
		t.Fatalf("failed to reset subjects: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// SetupSQLiteDB returns a migrated in-memory SQLite database.
func SetupSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	database, err := db.Connect(ctx, db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.Migrate(ctx, database, db.DriverSQLite); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
