package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/castellan/quarry/errors"
)

// TriggerStore persists triggers and serves the indexed queries the
// lifecycle engine and cluster coordinator run. All state transitions go
// through the versioned Update so that cluster races resolve to one winner.
type TriggerStore struct {
	db *sql.DB
	t  Tables
}

// NewTriggerStore creates a trigger store over an open database.
func NewTriggerStore(db *sql.DB, tables Tables) *TriggerStore {
	return &TriggerStore{db: db, t: tables}
}

const triggerColumns = `id, scheduler, trigger_group, name, job_id, calendar_name,
	state, priority, misfire_policy, next_fire_ms, prev_fire_ms,
	fire_token, holder_instance, payload_type, payload, data, version`

// Create inserts a new trigger with version 1.
func (s *TriggerStore) Create(ctx context.Context, trigger *Trigger) error {
	return s.createWith(ctx, s.db, trigger)
}

// CreateIn inserts within a caller-owned transaction.
func (s *TriggerStore) CreateIn(ctx context.Context, tx *sql.Tx, trigger *Trigger) error {
	return s.createWith(ctx, tx, trigger)
}

func (s *TriggerStore) createWith(ctx context.Context, run execer, trigger *Trigger) error {
	query := `
		INSERT INTO ` + s.t.Triggers + ` (
			id, scheduler, trigger_group, name, job_id, calendar_name,
			state, priority, misfire_policy, next_fire_ms, prev_fire_ms,
			fire_token, holder_instance, payload_type, payload, data,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`

	now := time.Now().UTC().Format(time.RFC3339)
	calendarName := sql.NullString{String: trigger.CalendarName, Valid: trigger.CalendarName != ""}
	fireToken := sql.NullString{String: trigger.FireToken, Valid: trigger.FireToken != ""}
	holder := sql.NullString{String: trigger.HolderInstance, Valid: trigger.HolderInstance != ""}

	_, err := run.ExecContext(ctx, query,
		trigger.ID(),
		trigger.Scheduler,
		trigger.Group,
		trigger.Name,
		trigger.JobID,
		calendarName,
		trigger.State,
		trigger.Priority,
		trigger.MisfirePolicy,
		utcMillis(trigger.NextFireUTC),
		utcMillis(trigger.PrevFireUTC),
		fireToken,
		holder,
		trigger.PayloadType,
		trigger.Payload,
		trigger.Data,
		now,
		now,
	)
	if err != nil {
		return insertErrf(err, "create trigger %s", trigger.ID())
	}

	trigger.Version = 1
	return nil
}

// Update replaces the trigger row conditional on its loaded version. A
// concurrent writer surfaces as ErrVersionConflict; the in-memory version is
// bumped only on success.
func (s *TriggerStore) Update(ctx context.Context, trigger *Trigger) error {
	query := `
		UPDATE ` + s.t.Triggers + `
		SET job_id = ?,
		    calendar_name = ?,
		    state = ?,
		    priority = ?,
		    misfire_policy = ?,
		    next_fire_ms = ?,
		    prev_fire_ms = ?,
		    fire_token = ?,
		    holder_instance = ?,
		    payload_type = ?,
		    payload = ?,
		    data = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND version = ?
	`

	calendarName := sql.NullString{String: trigger.CalendarName, Valid: trigger.CalendarName != ""}
	fireToken := sql.NullString{String: trigger.FireToken, Valid: trigger.FireToken != ""}
	holder := sql.NullString{String: trigger.HolderInstance, Valid: trigger.HolderInstance != ""}

	result, err := s.db.ExecContext(ctx, query,
		trigger.JobID,
		calendarName,
		trigger.State,
		trigger.Priority,
		trigger.MisfirePolicy,
		utcMillis(trigger.NextFireUTC),
		utcMillis(trigger.PrevFireUTC),
		fireToken,
		holder,
		trigger.PayloadType,
		trigger.Payload,
		trigger.Data,
		time.Now().UTC().Format(time.RFC3339),
		trigger.ID(),
		trigger.Version,
	)
	if err != nil {
		return transientf(err, "update trigger %s", trigger.ID())
	}

	if err := s.checkUpdated(ctx, result, trigger.ID()); err != nil {
		return err
	}
	trigger.Version++
	return nil
}

// Get loads a trigger by key.
func (s *TriggerStore) Get(ctx context.Context, scheduler string, key Key) (*Trigger, error) {
	return s.GetByID(ctx, TriggerID(scheduler, key))
}

// GetByID loads a trigger by its document identifier.
func (s *TriggerStore) GetByID(ctx context.Context, id string) (*Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM ` + s.t.Triggers + ` WHERE id = ?`

	trigger, err := scanTrigger(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("trigger not found: %s", id), ErrNotFound)
	}
	if err != nil {
		return nil, transientf(err, "get trigger %s", id)
	}
	return trigger, nil
}

// Delete removes a trigger. ErrNotFound when no such trigger exists.
func (s *TriggerStore) Delete(ctx context.Context, scheduler string, key Key) error {
	id := TriggerID(scheduler, key)
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+s.t.Triggers+` WHERE id = ?`, id)
	if err != nil {
		return transientf(err, "delete trigger %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return transient(err, "rows affected")
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("trigger not found: %s", id), ErrNotFound)
	}
	return nil
}

// GetState returns just the state of a trigger.
func (s *TriggerStore) GetState(ctx context.Context, scheduler string, key Key) (TriggerState, error) {
	var state TriggerState
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM `+s.t.Triggers+` WHERE id = ?`,
		TriggerID(scheduler, key),
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Mark(errors.Newf("trigger not found: %s", key), ErrNotFound)
	}
	if err != nil {
		return "", transient(err, "get trigger state")
	}
	return state, nil
}

// ListDue returns Waiting triggers due no later than the given instant,
// ordered by next fire time ascending then priority descending. The limit
// bounds the candidate scan, not the final acquisition count.
func (s *TriggerStore) ListDue(ctx context.Context, scheduler string, noLaterThan time.Time, limit int) ([]*Trigger, error) {
	query := `
		SELECT ` + triggerColumns + `
		FROM ` + s.t.Triggers + `
		WHERE scheduler = ? AND state = ? AND next_fire_ms IS NOT NULL AND next_fire_ms <= ?
		ORDER BY next_fire_ms ASC, priority DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		scheduler, StateWaiting, noLaterThan.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, transient(err, "list due triggers")
	}
	defer rows.Close()

	return scanTriggers(rows)
}

// ListByJob returns all triggers referencing a job, name-ordered.
func (s *TriggerStore) ListByJob(ctx context.Context, scheduler, jobID string) ([]*Trigger, error) {
	query := `
		SELECT ` + triggerColumns + `
		FROM ` + s.t.Triggers + `
		WHERE scheduler = ? AND job_id = ?
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, scheduler, jobID)
	if err != nil {
		return nil, transient(err, "list triggers by job")
	}
	defer rows.Close()

	return scanTriggers(rows)
}

// ListByCalendar returns all triggers referencing a calendar.
func (s *TriggerStore) ListByCalendar(ctx context.Context, scheduler, calendarName string) ([]*Trigger, error) {
	query := `
		SELECT ` + triggerColumns + `
		FROM ` + s.t.Triggers + `
		WHERE scheduler = ? AND calendar_name = ?
	`

	rows, err := s.db.QueryContext(ctx, query, scheduler, calendarName)
	if err != nil {
		return nil, transient(err, "list triggers by calendar")
	}
	defer rows.Close()

	return scanTriggers(rows)
}

// ListByGroup returns all triggers in a group.
func (s *TriggerStore) ListByGroup(ctx context.Context, scheduler, group string) ([]*Trigger, error) {
	query := `
		SELECT ` + triggerColumns + `
		FROM ` + s.t.Triggers + `
		WHERE scheduler = ? AND trigger_group = ?
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, scheduler, group)
	if err != nil {
		return nil, transient(err, "list triggers by group")
	}
	defer rows.Close()

	return scanTriggers(rows)
}

// ListOrphaned returns triggers stuck Acquired or Executing whose holder is
// not among the live instances. Used by recovery sweeps.
func (s *TriggerStore) ListOrphaned(ctx context.Context, scheduler string, liveInstances []string) ([]*Trigger, error) {
	query := `
		SELECT ` + triggerColumns + `
		FROM ` + s.t.Triggers + `
		WHERE scheduler = ? AND state IN (?, ?)
	`

	args := []interface{}{scheduler, StateAcquired, StateExecuting}
	if len(liveInstances) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(liveInstances)), ", ")
		query += ` AND (holder_instance IS NULL OR holder_instance NOT IN (` + placeholders + `))`
		for _, inst := range liveInstances {
			args = append(args, inst)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient(err, "list orphaned triggers")
	}
	defer rows.Close()

	return scanTriggers(rows)
}

// KeysInGroup returns the keys of all triggers in a group, name-ordered.
func (s *TriggerStore) KeysInGroup(ctx context.Context, scheduler, group string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_group, name FROM `+s.t.Triggers+`
		 WHERE scheduler = ? AND trigger_group = ?
		 ORDER BY name ASC`,
		scheduler, group,
	)
	if err != nil {
		return nil, transient(err, "list trigger keys")
	}
	defer rows.Close()

	return scanKeys(rows)
}

// Groups returns the distinct trigger group names for a scheduler.
func (s *TriggerStore) Groups(ctx context.Context, scheduler string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT trigger_group FROM `+s.t.Triggers+` WHERE scheduler = ? ORDER BY trigger_group`,
		scheduler,
	)
	if err != nil {
		return nil, transient(err, "list trigger groups")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, transient(err, "scan trigger group")
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// CountForJob reports how many triggers reference a job. Used when deciding
// whether a non-durable job is orphaned.
func (s *TriggerStore) CountForJob(ctx context.Context, scheduler, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+s.t.Triggers+` WHERE scheduler = ? AND job_id = ?`,
		scheduler, jobID,
	).Scan(&n)
	if err != nil {
		return 0, transient(err, "count triggers for job")
	}
	return n, nil
}

func (s *TriggerStore) checkUpdated(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return transient(err, "rows affected")
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+s.t.Triggers+` WHERE id = ?)`, id,
	).Scan(&exists); err != nil {
		return transient(err, "trigger exists")
	}
	if !exists {
		return errors.Mark(errors.Newf("trigger not found: %s", id), ErrNotFound)
	}
	return errors.Mark(errors.Newf("trigger %s: stale version", id), ErrVersionConflict)
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var trigger Trigger
	var id string
	var calendarName, fireToken, holder sql.NullString
	var nextFire, prevFire sql.NullInt64

	err := row.Scan(
		&id,
		&trigger.Scheduler,
		&trigger.Group,
		&trigger.Name,
		&trigger.JobID,
		&calendarName,
		&trigger.State,
		&trigger.Priority,
		&trigger.MisfirePolicy,
		&nextFire,
		&prevFire,
		&fireToken,
		&holder,
		&trigger.PayloadType,
		&trigger.Payload,
		&trigger.Data,
		&trigger.Version,
	)
	if err != nil {
		return nil, err
	}

	if calendarName.Valid {
		trigger.CalendarName = calendarName.String
	}
	if fireToken.Valid {
		trigger.FireToken = fireToken.String
	}
	if holder.Valid {
		trigger.HolderInstance = holder.String
	}
	if nextFire.Valid {
		t := fromMillis(nextFire.Int64)
		trigger.NextFireUTC = &t
	}
	if prevFire.Valid {
		t := fromMillis(prevFire.Int64)
		trigger.PrevFireUTC = &t
	}

	return &trigger, nil
}

func scanTriggers(rows *sql.Rows) ([]*Trigger, error) {
	var triggers []*Trigger
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, transient(err, "scan trigger")
		}
		triggers = append(triggers, trigger)
	}
	return triggers, rows.Err()
}
