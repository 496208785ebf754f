package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/castellan/quarry/errors"
)

// CalendarStore persists opaque exclusion calendars.
type CalendarStore struct {
	db *sql.DB
	t  Tables
}

// NewCalendarStore creates a calendar store over an open database.
func NewCalendarStore(db *sql.DB, tables Tables) *CalendarStore {
	return &CalendarStore{db: db, t: tables}
}

// Put inserts or replaces a calendar. Replacement is unconditional: calendars
// are whole-value documents owned by the last writer.
func (s *CalendarStore) Put(ctx context.Context, cal *Calendar) error {
	query := `
		INSERT INTO ` + s.t.Calendars + ` (id, scheduler, name, payload, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			version = version + 1,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cal.ID(),
		cal.Scheduler,
		cal.Name,
		cal.Payload,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return transientf(err, "store calendar %s", cal.ID())
	}
	return nil
}

// Get loads a calendar by name.
func (s *CalendarStore) Get(ctx context.Context, scheduler, name string) (*Calendar, error) {
	id := CalendarID(scheduler, name)

	var cal Calendar
	err := s.db.QueryRowContext(ctx,
		`SELECT scheduler, name, payload, version FROM `+s.t.Calendars+` WHERE id = ?`,
		id,
	).Scan(&cal.Scheduler, &cal.Name, &cal.Payload, &cal.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("calendar not found: %s", id), ErrNotFound)
	}
	if err != nil {
		return nil, transientf(err, "get calendar %s", id)
	}
	return &cal, nil
}

// Delete removes a calendar. ErrNotFound when no such calendar exists.
func (s *CalendarStore) Delete(ctx context.Context, scheduler, name string) error {
	id := CalendarID(scheduler, name)
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+s.t.Calendars+` WHERE id = ?`, id)
	if err != nil {
		return transientf(err, "delete calendar %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return transient(err, "rows affected")
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("calendar not found: %s", id), ErrNotFound)
	}
	return nil
}

// Names returns all calendar names for a scheduler, sorted.
func (s *CalendarStore) Names(ctx context.Context, scheduler string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM `+s.t.Calendars+` WHERE scheduler = ? ORDER BY name`,
		scheduler,
	)
	if err != nil {
		return nil, transient(err, "list calendar names")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, transient(err, "scan calendar name")
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
