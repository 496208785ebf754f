package engine

import (
	"context"
	"time"

	"github.com/castellan/quarry/logger"
	"github.com/castellan/quarry/store"
)

// applyMisfire corrects an overdue Waiting trigger per its misfire policy
// before acquisition. The correction is persisted with an optimistic check
// so exactly one node applies it; losing that race drops the candidate.
// Returns false when the trigger is no longer a candidate this cycle.
func (e *Engine) applyMisfire(ctx context.Context, trigger *store.Trigger, now time.Time) (bool, error) {
	if trigger.NextFireUTC == nil {
		return false, nil
	}
	if now.Sub(*trigger.NextFireUTC) <= e.misfireThreshold {
		// Not misfired (or within tolerance): fire as scheduled.
		return true, nil
	}

	changed, completed, err := e.correctMisfire(ctx, trigger, now)
	if err != nil {
		return false, err
	}
	if completed {
		// Schedule exhausted by the correction: terminal, never fires.
		trigger.State = store.StateComplete
		trigger.NextFireUTC = nil
		if err := e.triggers.Update(ctx, trigger); err != nil && !store.IsVersionConflict(err) && !store.IsNotFound(err) {
			return false, err
		}
		return false, nil
	}
	if !changed {
		return true, nil
	}

	if err := e.triggers.Update(ctx, trigger); err != nil {
		if store.IsVersionConflict(err) || store.IsNotFound(err) {
			// A peer applied the correction (or claimed the trigger) first.
			return false, nil
		}
		return false, err
	}

	e.log.Debugw("Corrected misfired trigger",
		logger.FieldTrigger, trigger.Key().String(),
		"policy", trigger.MisfirePolicy,
	)
	return true, nil
}

// correctMisfire mutates the trigger's next fire time in memory per its
// policy. It reports whether anything changed and whether the schedule is
// now exhausted. Deterministic for a fixed now, which makes the correction
// idempotent.
func (e *Engine) correctMisfire(ctx context.Context, trigger *store.Trigger, now time.Time) (changed, completed bool, err error) {
	switch trigger.MisfirePolicy {
	case store.MisfireIgnore:
		// Fire immediately with the stale fire time unchanged.
		return false, false, nil

	case store.MisfireFireNow:
		next := now.UTC()
		trigger.NextFireUTC = &next
		return true, false, nil

	case store.MisfireSkipToNext:
		cal, err := e.loadCalendar(ctx, trigger)
		if err != nil && !store.IsNotFound(err) {
			return false, false, err
		}
		next, err := e.computer.NextFireTime(ctx, trigger, cal, now)
		if err != nil {
			return false, false, err
		}
		if next == nil {
			return true, true, nil
		}
		trigger.NextFireUTC = next
		return true, false, nil

	default:
		// Unknown policy behaves like ignore rather than stalling the
		// trigger forever.
		return false, false, nil
	}
}
