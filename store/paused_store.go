package store

import (
	"context"
	"database/sql"
	"time"
)

// PausedGroupStore persists group-pause markers. A marker's presence is the
// whole record; payload is identity only.
type PausedGroupStore struct {
	db *sql.DB
	t  Tables
}

// NewPausedGroupStore creates a paused-group store over an open database.
func NewPausedGroupStore(db *sql.DB, tables Tables) *PausedGroupStore {
	return &PausedGroupStore{db: db, t: tables}
}

// Insert marks a group paused. Pausing an already-paused group is a no-op.
func (s *PausedGroupStore) Insert(ctx context.Context, scheduler, kind, group string) error {
	query := `
		INSERT OR IGNORE INTO ` + s.t.PausedGroups + ` (id, scheduler, kind, group_name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		PausedGroupID(scheduler, kind, group),
		scheduler,
		kind,
		group,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return transientf(err, "pause %s group %s", kind, group)
	}
	return nil
}

// Delete removes a pause marker. Resuming a group that was never paused is a
// no-op.
func (s *PausedGroupStore) Delete(ctx context.Context, scheduler, kind, group string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.t.PausedGroups+` WHERE id = ?`,
		PausedGroupID(scheduler, kind, group),
	)
	if err != nil {
		return transientf(err, "resume %s group %s", kind, group)
	}
	return nil
}

// IsPaused reports whether the marker for a group exists.
func (s *PausedGroupStore) IsPaused(ctx context.Context, scheduler, kind, group string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+s.t.PausedGroups+` WHERE id = ?)`,
		PausedGroupID(scheduler, kind, group),
	).Scan(&exists)
	if err != nil {
		return false, transient(err, "paused group exists")
	}
	return exists, nil
}

// List returns the paused group names of one kind, sorted.
func (s *PausedGroupStore) List(ctx context.Context, scheduler, kind string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name FROM `+s.t.PausedGroups+`
		 WHERE scheduler = ? AND kind = ?
		 ORDER BY group_name`,
		scheduler, kind,
	)
	if err != nil {
		return nil, transient(err, "list paused groups")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, transient(err, "scan paused group")
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
