package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/castellan/quarry/errors"
)

// JobStore persists job definitions.
type JobStore struct {
	db *sql.DB
	t  Tables
}

// NewJobStore creates a job store over an open database.
func NewJobStore(db *sql.DB, tables Tables) *JobStore {
	return &JobStore{db: db, t: tables}
}

const jobColumns = `id, scheduler, job_group, name, description,
	durable, requests_recovery, disallow_concurrent,
	payload_type, payload, version`

// Create inserts a new job definition with version 1.
func (s *JobStore) Create(ctx context.Context, job *Job) error {
	return s.createWith(ctx, s.db, job)
}

// CreateIn inserts within a caller-owned transaction, for writes that must
// land atomically with other documents.
func (s *JobStore) CreateIn(ctx context.Context, tx *sql.Tx, job *Job) error {
	return s.createWith(ctx, tx, job)
}

func (s *JobStore) createWith(ctx context.Context, run execer, job *Job) error {
	query := `
		INSERT INTO ` + s.t.Jobs + ` (
			id, scheduler, job_group, name, description,
			durable, requests_recovery, disallow_concurrent,
			payload_type, payload, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`

	now := time.Now().UTC().Format(time.RFC3339)
	description := sql.NullString{String: job.Description, Valid: job.Description != ""}

	_, err := run.ExecContext(ctx, query,
		job.ID(),
		job.Scheduler,
		job.Group,
		job.Name,
		description,
		job.Durable,
		job.RequestsRecovery,
		job.DisallowConcurrent,
		job.PayloadType,
		job.Payload,
		now,
		now,
	)
	if err != nil {
		return insertErrf(err, "create job %s", job.ID())
	}

	job.Version = 1
	return nil
}

// Update replaces a job definition under its current version. A concurrent
// replacement surfaces as ErrVersionConflict.
func (s *JobStore) Update(ctx context.Context, job *Job) error {
	query := `
		UPDATE ` + s.t.Jobs + `
		SET description = ?,
		    durable = ?,
		    requests_recovery = ?,
		    disallow_concurrent = ?,
		    payload_type = ?,
		    payload = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE id = ? AND version = ?
	`

	description := sql.NullString{String: job.Description, Valid: job.Description != ""}

	result, err := s.db.ExecContext(ctx, query,
		description,
		job.Durable,
		job.RequestsRecovery,
		job.DisallowConcurrent,
		job.PayloadType,
		job.Payload,
		time.Now().UTC().Format(time.RFC3339),
		job.ID(),
		job.Version,
	)
	if err != nil {
		return transientf(err, "update job %s", job.ID())
	}

	if err := s.checkUpdated(ctx, result, job.ID()); err != nil {
		return err
	}
	job.Version++
	return nil
}

// Get loads a job by key.
func (s *JobStore) Get(ctx context.Context, scheduler string, key Key) (*Job, error) {
	return s.GetByID(ctx, JobID(scheduler, key))
}

// GetByID loads a job by its document identifier.
func (s *JobStore) GetByID(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM ` + s.t.Jobs + ` WHERE id = ?`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("job not found: %s", id), ErrNotFound)
	}
	if err != nil {
		return nil, transientf(err, "get job %s", id)
	}
	return job, nil
}

// Delete removes a job definition. ErrNotFound when no such job exists.
func (s *JobStore) Delete(ctx context.Context, scheduler string, key Key) error {
	id := JobID(scheduler, key)
	result, err := s.db.ExecContext(ctx, `DELETE FROM `+s.t.Jobs+` WHERE id = ?`, id)
	if err != nil {
		return transientf(err, "delete job %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return transient(err, "rows affected")
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("job not found: %s", id), ErrNotFound)
	}
	return nil
}

// Exists reports whether a job with the given key is stored.
func (s *JobStore) Exists(ctx context.Context, scheduler string, key Key) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+s.t.Jobs+` WHERE id = ?)`,
		JobID(scheduler, key),
	).Scan(&exists)
	if err != nil {
		return false, transient(err, "job exists")
	}
	return exists, nil
}

// KeysInGroup returns the keys of all jobs in a group, name-ordered.
func (s *JobStore) KeysInGroup(ctx context.Context, scheduler, group string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_group, name FROM `+s.t.Jobs+`
		 WHERE scheduler = ? AND job_group = ?
		 ORDER BY name ASC`,
		scheduler, group,
	)
	if err != nil {
		return nil, transient(err, "list job keys")
	}
	defer rows.Close()

	return scanKeys(rows)
}

// Groups returns the distinct job group names for a scheduler.
func (s *JobStore) Groups(ctx context.Context, scheduler string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT job_group FROM `+s.t.Jobs+` WHERE scheduler = ? ORDER BY job_group`,
		scheduler,
	)
	if err != nil {
		return nil, transient(err, "list job groups")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, transient(err, "scan job group")
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *JobStore) checkUpdated(ctx context.Context, result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return transient(err, "rows affected")
	}
	if rows > 0 {
		return nil
	}

	// Disambiguate missing row from stale version.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+s.t.Jobs+` WHERE id = ?)`, id,
	).Scan(&exists); err != nil {
		return transient(err, "job exists")
	}
	if !exists {
		return errors.Mark(errors.Newf("job not found: %s", id), ErrNotFound)
	}
	return errors.Mark(errors.Newf("job %s: stale version", id), ErrVersionConflict)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var id string
	var description sql.NullString

	err := row.Scan(
		&id,
		&job.Scheduler,
		&job.Group,
		&job.Name,
		&description,
		&job.Durable,
		&job.RequestsRecovery,
		&job.DisallowConcurrent,
		&job.PayloadType,
		&job.Payload,
		&job.Version,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		job.Description = description.String
	}
	return &job, nil
}

func scanKeys(rows *sql.Rows) ([]Key, error) {
	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Group, &k.Name); err != nil {
			return nil, transient(err, "scan key")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
