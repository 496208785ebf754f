package engine

import (
	"context"
	"time"

	"github.com/castellan/quarry/store"
)

// PauseTrigger parks one trigger. Terminal triggers are left alone; a
// trigger already Blocked moves to PausedAndBlocked so the block survives
// the pause. Lost races are silent: the trigger was concurrently claimed or
// completed, and pausing it no longer applies.
func (e *Engine) PauseTrigger(ctx context.Context, key store.Key) error {
	trigger, err := e.triggers.Get(ctx, e.scheduler, key)
	if err != nil {
		return err
	}
	return e.pauseLoaded(ctx, trigger)
}

func (e *Engine) pauseLoaded(ctx context.Context, trigger *store.Trigger) error {
	switch trigger.State {
	case store.StateComplete, store.StateError, store.StatePaused, store.StatePausedAndBlocked:
		return nil
	case store.StateBlocked:
		trigger.State = store.StatePausedAndBlocked
	default:
		trigger.State = store.StatePaused
	}

	if err := e.triggers.Update(ctx, trigger); err != nil && !store.IsVersionConflict(err) && !store.IsNotFound(err) {
		return err
	}
	return nil
}

// PauseTriggerGroup writes the group's pause marker and parks its current
// members. The marker also covers triggers scheduled into the group later.
func (e *Engine) PauseTriggerGroup(ctx context.Context, group string) error {
	if err := e.paused.Insert(ctx, e.scheduler, store.PausedKindTrigger, group); err != nil {
		return err
	}

	members, err := e.triggers.ListByGroup(ctx, e.scheduler, group)
	if err != nil {
		return err
	}
	for _, trigger := range members {
		if err := e.pauseLoaded(ctx, trigger); err != nil {
			return err
		}
	}
	return nil
}

// PauseJob parks every trigger of one job.
func (e *Engine) PauseJob(ctx context.Context, key store.Key) error {
	return e.pauseJobTriggers(ctx, store.JobID(e.scheduler, key))
}

// PauseJobGroup writes the job group's pause marker and parks the triggers
// of its current members.
func (e *Engine) PauseJobGroup(ctx context.Context, group string) error {
	if err := e.paused.Insert(ctx, e.scheduler, store.PausedKindJob, group); err != nil {
		return err
	}

	keys, err := e.jobs.KeysInGroup(ctx, e.scheduler, group)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.pauseJobTriggers(ctx, store.JobID(e.scheduler, key)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pauseJobTriggers(ctx context.Context, jobID string) error {
	triggers, err := e.triggers.ListByJob(ctx, e.scheduler, jobID)
	if err != nil {
		return err
	}
	for _, trigger := range triggers {
		if err := e.pauseLoaded(ctx, trigger); err != nil {
			return err
		}
	}
	return nil
}

// ResumeTrigger returns a paused trigger to service. If its next fire time
// already elapsed past the misfire threshold, correction applies
// immediately; if its job is still blocked it resumes into Blocked, not
// Waiting.
func (e *Engine) ResumeTrigger(ctx context.Context, key store.Key) error {
	trigger, err := e.triggers.Get(ctx, e.scheduler, key)
	if err != nil {
		return err
	}
	return e.resumeLoaded(ctx, trigger, time.Now().UTC())
}

func (e *Engine) resumeLoaded(ctx context.Context, trigger *store.Trigger, now time.Time) error {
	if trigger.State != store.StatePaused && trigger.State != store.StatePausedAndBlocked {
		return nil
	}

	target := store.StateWaiting
	if trigger.State == store.StatePausedAndBlocked {
		target = store.StateBlocked
	} else {
		blocked, err := e.tracker.IsBlocked(ctx, trigger.JobID)
		if err != nil {
			return err
		}
		if blocked {
			target = store.StateBlocked
		}
	}
	trigger.State = target

	// Overdue fire times are corrected in the same update as the state
	// change so the trigger never surfaces with a stale schedule.
	if target == store.StateWaiting && trigger.NextFireUTC != nil &&
		now.Sub(*trigger.NextFireUTC) > e.misfireThreshold {
		_, completed, err := e.correctMisfire(ctx, trigger, now)
		if err != nil {
			return err
		}
		if completed {
			trigger.State = store.StateComplete
			trigger.NextFireUTC = nil
		}
	}

	if err := e.triggers.Update(ctx, trigger); err != nil && !store.IsVersionConflict(err) && !store.IsNotFound(err) {
		return err
	}
	return nil
}

// ResumeTriggerGroup removes the group's pause marker and resumes its
// members.
func (e *Engine) ResumeTriggerGroup(ctx context.Context, group string) error {
	if err := e.paused.Delete(ctx, e.scheduler, store.PausedKindTrigger, group); err != nil {
		return err
	}

	members, err := e.triggers.ListByGroup(ctx, e.scheduler, group)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, trigger := range members {
		if err := e.resumeLoaded(ctx, trigger, now); err != nil {
			return err
		}
	}
	return nil
}

// ResumeJob resumes every trigger of one job.
func (e *Engine) ResumeJob(ctx context.Context, key store.Key) error {
	return e.resumeJobTriggers(ctx, store.JobID(e.scheduler, key))
}

// ResumeJobGroup removes the job group's pause marker and resumes member
// jobs' triggers.
func (e *Engine) ResumeJobGroup(ctx context.Context, group string) error {
	if err := e.paused.Delete(ctx, e.scheduler, store.PausedKindJob, group); err != nil {
		return err
	}

	keys, err := e.jobs.KeysInGroup(ctx, e.scheduler, group)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := e.resumeJobTriggers(ctx, store.JobID(e.scheduler, key)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resumeJobTriggers(ctx context.Context, jobID string) error {
	triggers, err := e.triggers.ListByJob(ctx, e.scheduler, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, trigger := range triggers {
		if err := e.resumeLoaded(ctx, trigger, now); err != nil {
			return err
		}
	}
	return nil
}

// PauseAll parks every trigger group.
func (e *Engine) PauseAll(ctx context.Context) error {
	groups, err := e.triggers.Groups(ctx, e.scheduler)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := e.PauseTriggerGroup(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// ResumeAll resumes every paused trigger group.
func (e *Engine) ResumeAll(ctx context.Context) error {
	groups, err := e.paused.List(ctx, e.scheduler, store.PausedKindTrigger)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := e.ResumeTriggerGroup(ctx, group); err != nil {
			return err
		}
	}
	return nil
}

// PausedTriggerGroups returns the currently paused trigger group names.
func (e *Engine) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	return e.paused.List(ctx, e.scheduler, store.PausedKindTrigger)
}
