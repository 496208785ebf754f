// Package engine implements the trigger lifecycle: acquisition, firing,
// completion, misfire correction, and pause/resume.
//
// Every transition is one versioned document update. A version conflict
// means another cluster node won the race; the engine drops the candidate
// silently and never retries within the same call. Only backend failures are
// surfaced.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/quarry/blocker"
	"github.com/castellan/quarry/logger"
	"github.com/castellan/quarry/store"
)

// FireTimeComputer is the scheduling-engine capability quarry consumes: given
// a trigger's opaque schedule payload and an optional exclusion calendar,
// compute the next fire time strictly after the given instant. A nil result
// means the schedule is exhausted.
type FireTimeComputer interface {
	NextFireTime(ctx context.Context, trigger *store.Trigger, cal *store.Calendar, after time.Time) (*time.Time, error)
}

// CompletionInstruction tells the engine what to do with a trigger once its
// job execution finished.
type CompletionInstruction int

const (
	// InstructionNoOp follows the trigger's own schedule: back to Waiting,
	// or removed once exhausted.
	InstructionNoOp CompletionInstruction = iota
	// InstructionDeleteTrigger removes the trigger outright.
	InstructionDeleteTrigger
	// InstructionSetComplete parks the trigger in the terminal Complete
	// state.
	InstructionSetComplete
	// InstructionSetError parks the trigger in the terminal Error state.
	InstructionSetError
	// InstructionSetAllComplete completes every trigger of the job.
	InstructionSetAllComplete
	// InstructionSetAllError errors every trigger of the job.
	InstructionSetAllError
)

// FiredBundle is what the scheduling engine receives for each confirmed
// firing.
type FiredBundle struct {
	Trigger  *store.Trigger
	Job      *store.Job
	Calendar *store.Calendar
}

// Params wires an Engine.
type Params struct {
	Scheduler        string
	Instance         string
	MisfireThreshold time.Duration

	Jobs      *store.JobStore
	Triggers  *store.TriggerStore
	Calendars *store.CalendarStore
	Paused    *store.PausedGroupStore

	Tracker  blocker.Tracker
	Computer FireTimeComputer

	// Observer receives step events; nil means none. It must not alter
	// control flow.
	Observer StepObserver
	Log      *zap.SugaredLogger
}

// Engine drives trigger state transitions for one cluster member.
type Engine struct {
	scheduler        string
	instance         string
	misfireThreshold time.Duration

	jobs      *store.JobStore
	triggers  *store.TriggerStore
	calendars *store.CalendarStore
	paused    *store.PausedGroupStore

	tracker  blocker.Tracker
	computer FireTimeComputer

	observer StepObserver
	log      *zap.SugaredLogger
}

// New creates a lifecycle engine.
func New(p Params) *Engine {
	observer := p.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		scheduler:        p.Scheduler,
		instance:         p.Instance,
		misfireThreshold: p.MisfireThreshold,
		jobs:             p.Jobs,
		triggers:         p.Triggers,
		calendars:        p.Calendars,
		paused:           p.Paused,
		tracker:          p.Tracker,
		computer:         p.Computer,
		observer:         observer,
		log:              log,
	}
}

// loadCalendar resolves a trigger's calendar reference; nil when the trigger
// has none.
func (e *Engine) loadCalendar(ctx context.Context, trigger *store.Trigger) (*store.Calendar, error) {
	if trigger.CalendarName == "" {
		return nil, nil
	}
	return e.calendars.Get(ctx, e.scheduler, trigger.CalendarName)
}

// markError parks a trigger in the terminal Error state, losing quietly if a
// peer touched it first.
func (e *Engine) markError(ctx context.Context, trigger *store.Trigger, reason string) {
	e.log.Warnw("Parking trigger in error state",
		logger.FieldTrigger, trigger.Key().String(),
		"reason", reason,
	)
	trigger.State = store.StateError
	trigger.FireToken = ""
	trigger.HolderInstance = ""
	if err := e.triggers.Update(ctx, trigger); err != nil && !store.IsVersionConflict(err) {
		e.log.Errorw("Failed to park trigger in error state",
			logger.FieldTrigger, trigger.Key().String(),
			logger.FieldError, err,
		)
	}
}

// maybeDeleteOrphanedJob removes a non-durable job once its last trigger is
// gone.
func (e *Engine) maybeDeleteOrphanedJob(ctx context.Context, jobID string) error {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if job.Durable {
		return nil
	}

	n, err := e.triggers.CountForJob(ctx, e.scheduler, jobID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if err := e.jobs.Delete(ctx, e.scheduler, job.Key()); err != nil && !store.IsNotFound(err) {
		return err
	}
	return nil
}
