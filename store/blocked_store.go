package store

import (
	"context"
	"database/sql"
	"time"
)

// BlockedJobStore persists the cluster-visible set of executing
// non-reentrant jobs. Rows are ephemeral: inserted when a job's trigger
// fires, removed when that execution completes (or its node dies).
type BlockedJobStore struct {
	db *sql.DB
	t  Tables
}

// NewBlockedJobStore creates a blocked-job store over an open database.
func NewBlockedJobStore(db *sql.DB, tables Tables) *BlockedJobStore {
	return &BlockedJobStore{db: db, t: tables}
}

// Insert records a block. Presence is the invariant: a duplicate insert for
// the same job is a no-op, not an error.
func (s *BlockedJobStore) Insert(ctx context.Context, scheduler, jobID, instance string) error {
	query := `
		INSERT OR IGNORE INTO ` + s.t.BlockedJobs + ` (id, scheduler, job_id, instance, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		BlockedJobID(scheduler, jobID),
		scheduler,
		jobID,
		instance,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return transientf(err, "block job %s", jobID)
	}
	return nil
}

// Delete releases a block. Deleting an absent block is a no-op so completion
// stays idempotent.
func (s *BlockedJobStore) Delete(ctx context.Context, scheduler, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.t.BlockedJobs+` WHERE id = ?`,
		BlockedJobID(scheduler, jobID),
	)
	if err != nil {
		return transientf(err, "release job %s", jobID)
	}
	return nil
}

// Exists reports whether a job is currently blocked.
func (s *BlockedJobStore) Exists(ctx context.Context, scheduler, jobID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+s.t.BlockedJobs+` WHERE id = ?)`,
		BlockedJobID(scheduler, jobID),
	).Scan(&exists)
	if err != nil {
		return false, transient(err, "blocked job exists")
	}
	return exists, nil
}

// List returns the job ids currently blocked for a scheduler.
func (s *BlockedJobStore) List(ctx context.Context, scheduler string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM `+s.t.BlockedJobs+` WHERE scheduler = ? ORDER BY job_id`,
		scheduler,
	)
	if err != nil {
		return nil, transient(err, "list blocked jobs")
	}
	defer rows.Close()

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, transient(err, "scan blocked job")
		}
		jobIDs = append(jobIDs, id)
	}
	return jobIDs, rows.Err()
}

// DeleteByInstance releases every block held by one instance. Returns the
// released job ids; used by recovery sweeps.
func (s *BlockedJobStore) DeleteByInstance(ctx context.Context, scheduler, instance string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM `+s.t.BlockedJobs+` WHERE scheduler = ? AND instance = ?`,
		scheduler, instance,
	)
	if err != nil {
		return nil, transient(err, "list blocks by instance")
	}

	var jobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, transient(err, "scan blocked job")
		}
		jobIDs = append(jobIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, transient(err, "iterate blocks by instance")
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.t.BlockedJobs+` WHERE scheduler = ? AND instance = ?`,
		scheduler, instance,
	); err != nil {
		return nil, transientf(err, "release blocks held by %s", instance)
	}
	return jobIDs, nil
}

// DeleteAll removes every block for a scheduler.
func (s *BlockedJobStore) DeleteAll(ctx context.Context, scheduler string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.t.BlockedJobs+` WHERE scheduler = ?`,
		scheduler,
	)
	if err != nil {
		return transient(err, "release all blocks")
	}
	return nil
}
