package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateCreatesTables(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, Migrate(db, DefaultTablePrefix, nil))

	for _, table := range []string{
		"quarry_jobs", "quarry_triggers", "quarry_calendars",
		"quarry_blocked_jobs", "quarry_paused_groups", "quarry_checkins",
	} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, Migrate(db, "", nil))
	require.NoError(t, Migrate(db, "", nil))
}

func TestMigrateAlternatePrefix(t *testing.T) {
	db := openMemory(t)
	require.NoError(t, Migrate(db, "alt_", nil))

	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='alt_triggers'",
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "alt_triggers", name)
}
