package quarry

import (
	"context"

	"github.com/castellan/quarry/errors"
	"github.com/castellan/quarry/store"
)

// StoreJob persists a job definition. With replace set an existing
// definition is overwritten; without it, a duplicate key is an integrity
// error.
func (s *Scheduler) StoreJob(ctx context.Context, job *store.Job, replace bool) error {
	job.Scheduler = s.schedulerName()
	if job.Group == "" {
		job.Group = store.DefaultGroup
	}

	existing, err := s.jobs.Get(ctx, s.schedulerName(), job.Key())
	if err != nil && !store.IsNotFound(err) {
		return err
	}
	if existing == nil {
		return s.jobs.Create(ctx, job)
	}
	if !replace {
		return errors.Mark(errors.Newf("job already exists: %s", job.ID()), store.ErrIntegrity)
	}
	job.Version = existing.Version
	return s.jobs.Update(ctx, job)
}

// StoreTrigger persists a trigger. The referenced job must already exist.
func (s *Scheduler) StoreTrigger(ctx context.Context, trigger *store.Trigger, replace bool) error {
	s.normalizeTrigger(trigger)

	if _, err := s.jobs.GetByID(ctx, trigger.JobID); err != nil {
		if store.IsNotFound(err) {
			return errors.Mark(
				errors.Newf("trigger %s references missing job %s", trigger.ID(), trigger.JobID),
				store.ErrIntegrity,
			)
		}
		return err
	}

	existing, err := s.triggers.Get(ctx, s.schedulerName(), trigger.Key())
	if err != nil && !store.IsNotFound(err) {
		return err
	}
	if existing == nil {
		return s.triggers.Create(ctx, trigger)
	}
	if !replace {
		return errors.Mark(errors.Newf("trigger already exists: %s", trigger.ID()), store.ErrIntegrity)
	}
	trigger.Version = existing.Version
	return s.triggers.Update(ctx, trigger)
}

// StoreJobAndTrigger persists a job and its first trigger atomically: either
// both land or neither does.
func (s *Scheduler) StoreJobAndTrigger(ctx context.Context, job *store.Job, trigger *store.Trigger) error {
	job.Scheduler = s.schedulerName()
	if job.Group == "" {
		job.Group = store.DefaultGroup
	}
	s.normalizeTrigger(trigger)
	trigger.JobID = job.ID()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := s.jobs.CreateIn(ctx, tx, job); err != nil {
		return err
	}
	if err := s.triggers.CreateIn(ctx, tx, trigger); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit job and trigger")
}

// ReplaceTrigger swaps one trigger for another atomically. The replacement
// must fire the same job.
func (s *Scheduler) ReplaceTrigger(ctx context.Context, key store.Key, replacement *store.Trigger) error {
	old, err := s.triggers.Get(ctx, s.schedulerName(), key)
	if err != nil {
		return err
	}

	s.normalizeTrigger(replacement)
	if replacement.JobID == "" {
		replacement.JobID = old.JobID
	}
	if replacement.JobID != old.JobID {
		return errors.Mark(
			errors.Newf("replacement trigger %s must keep job %s", replacement.ID(), old.JobID),
			store.ErrIntegrity,
		)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+s.tables.Triggers+` WHERE id = ?`, old.ID(),
	); err != nil {
		return errors.Wrapf(err, "delete trigger %s", old.ID())
	}
	if err := s.triggers.CreateIn(ctx, tx, replacement); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit trigger replacement")
}

// RemoveJob deletes a job together with all of its triggers.
func (s *Scheduler) RemoveJob(ctx context.Context, key store.Key) error {
	jobID := store.JobID(s.schedulerName(), key)

	triggers, err := s.triggers.ListByJob(ctx, s.schedulerName(), jobID)
	if err != nil {
		return err
	}
	for _, trigger := range triggers {
		if err := s.triggers.Delete(ctx, s.schedulerName(), trigger.Key()); err != nil && !store.IsNotFound(err) {
			return err
		}
	}
	if err := s.blocked.Delete(ctx, s.schedulerName(), jobID); err != nil {
		return err
	}
	return s.jobs.Delete(ctx, s.schedulerName(), key)
}

// RemoveTrigger deletes a trigger. A non-durable job loses its definition
// with its last trigger.
func (s *Scheduler) RemoveTrigger(ctx context.Context, key store.Key) error {
	trigger, err := s.triggers.Get(ctx, s.schedulerName(), key)
	if err != nil {
		return err
	}
	if err := s.triggers.Delete(ctx, s.schedulerName(), key); err != nil {
		return err
	}
	return s.clearNonDurableJob(ctx, trigger.JobID)
}

// RetrieveJob loads a job definition by key.
func (s *Scheduler) RetrieveJob(ctx context.Context, key store.Key) (*store.Job, error) {
	return s.jobs.Get(ctx, s.schedulerName(), key)
}

// RetrieveTrigger loads a trigger by key.
func (s *Scheduler) RetrieveTrigger(ctx context.Context, key store.Key) (*store.Trigger, error) {
	return s.triggers.Get(ctx, s.schedulerName(), key)
}

// CheckJobExists reports whether a job definition is stored.
func (s *Scheduler) CheckJobExists(ctx context.Context, key store.Key) (bool, error) {
	return s.jobs.Exists(ctx, s.schedulerName(), key)
}

// GetJobKeys lists the job keys in one group, name-ordered.
func (s *Scheduler) GetJobKeys(ctx context.Context, group string) ([]store.Key, error) {
	return s.jobs.KeysInGroup(ctx, s.schedulerName(), group)
}

// GetTriggerKeys lists the trigger keys in one group, name-ordered.
func (s *Scheduler) GetTriggerKeys(ctx context.Context, group string) ([]store.Key, error) {
	return s.triggers.KeysInGroup(ctx, s.schedulerName(), group)
}

// GetJobGroupNames lists the distinct job groups.
func (s *Scheduler) GetJobGroupNames(ctx context.Context) ([]string, error) {
	return s.jobs.Groups(ctx, s.schedulerName())
}

// GetTriggerGroupNames lists the distinct trigger groups.
func (s *Scheduler) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	return s.triggers.Groups(ctx, s.schedulerName())
}

// GetTriggersForJob lists every trigger bound to one job.
func (s *Scheduler) GetTriggersForJob(ctx context.Context, key store.Key) ([]*store.Trigger, error) {
	return s.triggers.ListByJob(ctx, s.schedulerName(), store.JobID(s.schedulerName(), key))
}

// GetTriggerState reports a trigger's current lifecycle state.
func (s *Scheduler) GetTriggerState(ctx context.Context, key store.Key) (store.TriggerState, error) {
	return s.triggers.GetState(ctx, s.schedulerName(), key)
}

func (s *Scheduler) normalizeTrigger(trigger *store.Trigger) {
	trigger.Scheduler = s.schedulerName()
	if trigger.Group == "" {
		trigger.Group = store.DefaultGroup
	}
	if trigger.State == "" {
		trigger.State = store.StateWaiting
	}
}
