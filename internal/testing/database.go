// Package testing holds shared test fixtures.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/castellan/quarry/db"
)

// CreateTestDB creates a migrated in-memory SQLite database. Cleanup is
// registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	if err := db.Migrate(conn, "", nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}

// CreateSharedTestDB creates a migrated file-backed SQLite database under the
// test's temp dir and returns an opener for additional connections. Separate
// connections to one file are how tests model independent cluster nodes;
// :memory: databases are per-connection and cannot be shared.
func CreateSharedTestDB(t *testing.T) (*sql.DB, func() *sql.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "quarry_test.db")

	open := func() *sql.DB {
		conn, err := db.Open(path, nil)
		if err != nil {
			t.Fatalf("Failed to open shared test database: %v", err)
		}
		t.Cleanup(func() {
			conn.Close()
		})
		return conn
	}

	first := open()
	if err := db.Migrate(first, "", nil); err != nil {
		t.Fatalf("Failed to migrate shared test database: %v", err)
	}

	return first, open
}
