package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/castellan/quarry/logger"
	"github.com/castellan/quarry/store"
)

// AcquireNextTriggers claims up to maxCount due triggers for this node.
// Candidates are Waiting triggers with a next fire time no later than
// now+window, ordered by fire time then priority. Contended candidates are
// dropped silently; an empty result is not an error.
func (e *Engine) AcquireNextTriggers(ctx context.Context, now time.Time, window time.Duration, maxCount int) ([]*store.Trigger, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	// Scan extra candidates so blocked or contended triggers don't starve
	// the batch.
	candidates, err := e.triggers.ListDue(ctx, e.scheduler, now.Add(window), maxCount*3)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pausedTriggerGroups, err := e.pausedSet(ctx, store.PausedKindTrigger)
	if err != nil {
		return nil, err
	}
	pausedJobGroups, err := e.pausedSet(ctx, store.PausedKindJob)
	if err != nil {
		return nil, err
	}

	noLaterThan := now.Add(window)
	acquired := make([]*store.Trigger, 0, maxCount)
	claimedJobs := make(map[string]bool)

	for _, trigger := range candidates {
		if len(acquired) == maxCount {
			break
		}
		if err := ctx.Err(); err != nil {
			return acquired, err
		}

		e.observer.OnStep(StepAcquiring, trigger.Key())

		if pausedTriggerGroups[trigger.Group] {
			continue
		}

		job, err := e.jobs.GetByID(ctx, trigger.JobID)
		if err != nil {
			if store.IsNotFound(err) {
				// Dangling job reference: faulty for this entity only.
				e.markError(ctx, trigger, "job missing")
				continue
			}
			return acquired, err
		}
		if pausedJobGroups[job.Group] {
			continue
		}

		if job.DisallowConcurrent {
			if claimedJobs[job.ID()] {
				continue
			}
			blocked, err := e.tracker.IsBlocked(ctx, job.ID())
			if err != nil {
				return acquired, err
			}
			if blocked {
				// Due but deliberately held; it stays Waiting and is
				// re-evaluated when the running execution completes.
				continue
			}
		}

		keep, err := e.applyMisfire(ctx, trigger, now)
		if err != nil {
			return acquired, err
		}
		if !keep {
			continue
		}
		// Correction may have pushed the trigger out of this window.
		if trigger.NextFireUTC == nil || trigger.NextFireUTC.After(noLaterThan) {
			continue
		}

		trigger.State = store.StateAcquired
		trigger.FireToken = e.newFireToken()
		trigger.HolderInstance = e.instance
		if err := e.triggers.Update(ctx, trigger); err != nil {
			if store.IsVersionConflict(err) || store.IsNotFound(err) {
				// Another node won; not an error.
				continue
			}
			return acquired, err
		}

		if job.DisallowConcurrent {
			claimedJobs[job.ID()] = true
		}
		acquired = append(acquired, trigger)
		e.observer.OnStep(StepAcquired, trigger.Key())
	}

	if len(acquired) > 0 {
		e.log.Debugw("Acquired triggers",
			logger.FieldCount, len(acquired),
			logger.FieldInstance, e.instance,
		)
	}
	return acquired, nil
}

// TriggersFired confirms firing for triggers this node acquired: each moves
// Acquired→Executing with fresh fire times, and non-reentrant jobs take a
// cluster-wide block. Triggers whose token no longer matches are skipped, so
// a duplicate call is a no-op.
func (e *Engine) TriggersFired(ctx context.Context, acquired []*store.Trigger) ([]FiredBundle, error) {
	var bundles []FiredBundle

	for _, handle := range acquired {
		if err := ctx.Err(); err != nil {
			return bundles, err
		}

		trigger, err := e.triggers.Get(ctx, e.scheduler, handle.Key())
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return bundles, err
		}
		if trigger.State != store.StateAcquired || trigger.FireToken != handle.FireToken {
			// Recovered by a peer, or already fired.
			continue
		}

		job, err := e.jobs.GetByID(ctx, trigger.JobID)
		if err != nil {
			if store.IsNotFound(err) {
				e.markError(ctx, trigger, "job missing at fire time")
				continue
			}
			return bundles, err
		}

		cal, err := e.loadCalendar(ctx, trigger)
		if err != nil {
			if store.IsNotFound(err) {
				e.markError(ctx, trigger, "calendar missing at fire time")
				continue
			}
			return bundles, err
		}

		fireTime := trigger.NextFireUTC
		// Recovery triggers fire exactly once; everything else asks the
		// scheduling engine for its next occurrence.
		var next *time.Time
		if trigger.Group != store.RecoveryGroup {
			after := e.timeOrNow(fireTime)
			next, err = e.computer.NextFireTime(ctx, trigger, cal, after)
			if err != nil {
				e.markError(ctx, trigger, "next fire time computation failed")
				continue
			}
		}

		trigger.PrevFireUTC = fireTime
		trigger.NextFireUTC = next
		trigger.State = store.StateExecuting
		if err := e.triggers.Update(ctx, trigger); err != nil {
			if store.IsVersionConflict(err) || store.IsNotFound(err) {
				continue
			}
			return bundles, err
		}
		e.observer.OnStep(StepFiring, trigger.Key())

		if job.DisallowConcurrent {
			if err := e.tracker.Block(ctx, job.ID()); err != nil {
				return bundles, err
			}
			if err := e.demoteSiblings(ctx, trigger, job.ID()); err != nil {
				return bundles, err
			}
		}

		bundles = append(bundles, FiredBundle{Trigger: trigger, Job: job, Calendar: cal})
	}

	return bundles, nil
}

// TriggeredJobComplete finishes one firing: once the fire-instance token
// checks out it releases the job's block if non-reentrant, then disposes of
// the trigger per the completion instruction. A call carrying a stale token
// is a no-op and in particular must not release a newer execution's block.
func (e *Engine) TriggeredJobComplete(ctx context.Context, fired *store.Trigger, job *store.Job, instruction CompletionInstruction) error {
	trigger, err := e.triggers.Get(ctx, e.scheduler, fired.Key())
	if err != nil {
		if !store.IsNotFound(err) {
			return err
		}
		// Removed (typically a DeleteTrigger completion): the token can no
		// longer be checked, but the block from this firing still has to go.
		trigger = nil
	}
	if trigger != nil && trigger.FireToken != fired.FireToken {
		// State already moved on; duplicate completion. The block, if any,
		// belongs to a newer execution and must stay.
		return nil
	}

	if job.DisallowConcurrent {
		e.observer.OnStep(StepReleasing, fired.Key())
		if err := e.tracker.Release(ctx, job.ID()); err != nil {
			return err
		}
		if err := e.promoteSiblings(ctx, fired, job.ID()); err != nil {
			return err
		}
	}
	if trigger == nil {
		return nil
	}

	e.observer.OnStep(StepCompleting, trigger.Key())

	switch instruction {
	case InstructionDeleteTrigger:
		return e.removeTrigger(ctx, trigger)

	case InstructionSetComplete:
		return e.park(ctx, trigger, store.StateComplete)

	case InstructionSetError:
		return e.park(ctx, trigger, store.StateError)

	case InstructionSetAllComplete:
		return e.parkAll(ctx, job.ID(), store.StateComplete)

	case InstructionSetAllError:
		return e.parkAll(ctx, job.ID(), store.StateError)

	default: // InstructionNoOp
		if trigger.NextFireUTC == nil {
			// One-shot trigger exhausted: terminal completion removes it.
			return e.removeTrigger(ctx, trigger)
		}
		trigger.State = store.StateWaiting
		trigger.FireToken = ""
		trigger.HolderInstance = ""
		if err := e.triggers.Update(ctx, trigger); err != nil && !store.IsVersionConflict(err) && !store.IsNotFound(err) {
			return err
		}
		return nil
	}
}

func (e *Engine) removeTrigger(ctx context.Context, trigger *store.Trigger) error {
	if err := e.triggers.Delete(ctx, e.scheduler, trigger.Key()); err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	return e.maybeDeleteOrphanedJob(ctx, trigger.JobID)
}

func (e *Engine) park(ctx context.Context, trigger *store.Trigger, state store.TriggerState) error {
	trigger.State = state
	trigger.FireToken = ""
	trigger.HolderInstance = ""
	if err := e.triggers.Update(ctx, trigger); err != nil && !store.IsVersionConflict(err) && !store.IsNotFound(err) {
		return err
	}
	return nil
}

func (e *Engine) parkAll(ctx context.Context, jobID string, state store.TriggerState) error {
	siblings, err := e.triggers.ListByJob(ctx, e.scheduler, jobID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if err := e.park(ctx, sibling, state); err != nil {
			return err
		}
	}
	return nil
}

// demoteSiblings holds the job's other due triggers while it executes.
func (e *Engine) demoteSiblings(ctx context.Context, fired *store.Trigger, jobID string) error {
	siblings, err := e.triggers.ListByJob(ctx, e.scheduler, jobID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID() == fired.ID() {
			continue
		}
		switch sibling.State {
		case store.StateWaiting:
			sibling.State = store.StateBlocked
		case store.StatePaused:
			sibling.State = store.StatePausedAndBlocked
		default:
			continue
		}
		if err := e.triggers.Update(ctx, sibling); err != nil && !store.IsVersionConflict(err) && !store.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// promoteSiblings re-arms triggers held at Blocked once the execution that
// blocked them completes.
func (e *Engine) promoteSiblings(ctx context.Context, fired *store.Trigger, jobID string) error {
	siblings, err := e.triggers.ListByJob(ctx, e.scheduler, jobID)
	if err != nil {
		return err
	}
	for _, sibling := range siblings {
		if sibling.ID() == fired.ID() {
			continue
		}
		switch sibling.State {
		case store.StateBlocked:
			sibling.State = store.StateWaiting
		case store.StatePausedAndBlocked:
			sibling.State = store.StatePaused
		default:
			continue
		}
		if err := e.triggers.Update(ctx, sibling); err != nil && !store.IsVersionConflict(err) && !store.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (e *Engine) pausedSet(ctx context.Context, kind string) (map[string]bool, error) {
	groups, err := e.paused.List(ctx, e.scheduler, kind)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(groups))
	for _, g := range groups {
		set[g] = true
	}
	return set, nil
}

func (e *Engine) newFireToken() string {
	// Instance-qualified so recovery can attribute an in-flight firing to a
	// node even from the token alone.
	return e.instance + "." + uuid.NewString()
}

func (e *Engine) timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now().UTC()
}
