package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/castellan/quarry/errors"
)

// CheckInStore persists cluster-member liveness records.
type CheckInStore struct {
	db *sql.DB
	t  Tables
}

// NewCheckInStore creates a check-in store over an open database.
func NewCheckInStore(db *sql.DB, tables Tables) *CheckInStore {
	return &CheckInStore{db: db, t: tables}
}

// Upsert refreshes (or creates) a member's check-in record. The write is
// unconditional: each instance owns exactly its own row.
func (s *CheckInStore) Upsert(ctx context.Context, checkIn *CheckIn) error {
	query := `
		INSERT INTO ` + s.t.CheckIns + ` (id, scheduler, instance, last_checkin_ms, interval_ms, state, version)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			last_checkin_ms = excluded.last_checkin_ms,
			interval_ms = excluded.interval_ms,
			state = excluded.state,
			version = version + 1
	`

	_, err := s.db.ExecContext(ctx, query,
		checkIn.ID(),
		checkIn.Scheduler,
		checkIn.Instance,
		checkIn.LastCheckIn.UTC().UnixMilli(),
		checkIn.Interval.Milliseconds(),
		checkIn.State,
	)
	if err != nil {
		return transientf(err, "check in %s", checkIn.Instance)
	}
	return nil
}

// Get loads one member's check-in record.
func (s *CheckInStore) Get(ctx context.Context, scheduler, instance string) (*CheckIn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT scheduler, instance, last_checkin_ms, interval_ms, state, version
		 FROM `+s.t.CheckIns+` WHERE id = ?`,
		CheckInID(scheduler, instance),
	)

	checkIn, err := scanCheckIn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("check-in not found: %s", instance), ErrNotFound)
	}
	if err != nil {
		return nil, transientf(err, "get check-in %s", instance)
	}
	return checkIn, nil
}

// List returns every member's check-in record for a scheduler.
func (s *CheckInStore) List(ctx context.Context, scheduler string) ([]*CheckIn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT scheduler, instance, last_checkin_ms, interval_ms, state, version
		 FROM `+s.t.CheckIns+` WHERE scheduler = ? ORDER BY instance`,
		scheduler,
	)
	if err != nil {
		return nil, transient(err, "list check-ins")
	}
	defer rows.Close()

	var checkIns []*CheckIn
	for rows.Next() {
		checkIn, err := scanCheckIn(rows)
		if err != nil {
			return nil, transient(err, "scan check-in")
		}
		checkIns = append(checkIns, checkIn)
	}
	return checkIns, rows.Err()
}

// Delete removes a member's record, normally at clean shutdown. Stale rows
// left behind by a crash are cleaned by a peer's recovery sweep.
func (s *CheckInStore) Delete(ctx context.Context, scheduler, instance string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.t.CheckIns+` WHERE id = ?`,
		CheckInID(scheduler, instance),
	)
	if err != nil {
		return transientf(err, "delete check-in %s", instance)
	}
	return nil
}

func scanCheckIn(row rowScanner) (*CheckIn, error) {
	var checkIn CheckIn
	var lastMS, intervalMS int64

	err := row.Scan(
		&checkIn.Scheduler,
		&checkIn.Instance,
		&lastMS,
		&intervalMS,
		&checkIn.State,
		&checkIn.Version,
	)
	if err != nil {
		return nil, err
	}

	checkIn.LastCheckIn = fromMillis(lastMS)
	checkIn.Interval = time.Duration(intervalMS) * time.Millisecond
	return &checkIn, nil
}
