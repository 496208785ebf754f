package store

import (
	"context"
	"database/sql"
)

// execer abstracts *sql.DB and *sql.Tx for writes that may run either
// standalone or inside a caller-owned transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Tables resolves physical table names for one deployment. An alternate
// prefix keeps unrelated deployments apart inside a shared database file.
type Tables struct {
	Jobs         string
	Triggers     string
	Calendars    string
	BlockedJobs  string
	PausedGroups string
	CheckIns     string
}

// NewTables builds table names from a prefix; "" means the default.
func NewTables(prefix string) Tables {
	if prefix == "" {
		prefix = "quarry_"
	}
	return Tables{
		Jobs:         prefix + "jobs",
		Triggers:     prefix + "triggers",
		Calendars:    prefix + "calendars",
		BlockedJobs:  prefix + "blocked_jobs",
		PausedGroups: prefix + "paused_groups",
		CheckIns:     prefix + "checkins",
	}
}
