// Package cluster keeps a multi-node quarry deployment coherent: each node
// heartbeats into the shared store, watches its peers, and sweeps up the
// work a dead peer left behind.
package cluster

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/castellan/quarry/logger"
	"github.com/castellan/quarry/store"
)

// Recoverer resets triggers orphaned by dead (or restarted) instances and
// re-fires recoverable work. Every write goes through the store's versioned
// updates, so concurrent sweeps by several surviving nodes converge on a
// single recovery per orphan.
type Recoverer struct {
	jobs     *store.JobStore
	triggers *store.TriggerStore
	blocked  *store.BlockedJobStore
	checkIns *store.CheckInStore

	scheduler string
	limiter   *rate.Limiter
	log       *zap.SugaredLogger
}

// NewRecoverer creates a recoverer. perSecond caps how many orphaned
// triggers one sweep resets per second, keeping recovery from saturating the
// shared database after a large node loss; zero or negative means no cap.
func NewRecoverer(jobs *store.JobStore, triggers *store.TriggerStore, blocked *store.BlockedJobStore, checkIns *store.CheckInStore, scheduler string, perSecond float64, log *zap.SugaredLogger) *Recoverer {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Recoverer{
		jobs:      jobs,
		triggers:  triggers,
		blocked:   blocked,
		checkIns:  checkIns,
		scheduler: scheduler,
		limiter:   rate.NewLimiter(limit, 1),
		log:       log,
	}
}

// Sweep recovers everything held by instances outside the live set: orphaned
// triggers are reset to Waiting, recoverable executions are re-fired, and
// the dead instances' blocks and check-ins are removed. deadInstances lists
// the instances being swept; their check-in rows are deleted last so a
// half-finished sweep is retried, not forgotten.
func (r *Recoverer) Sweep(ctx context.Context, liveInstances, deadInstances []string) error {
	orphans, err := r.triggers.ListOrphaned(ctx, r.scheduler, liveInstances)
	if err != nil {
		return err
	}

	recovered := 0
	for _, orphan := range orphans {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := r.recoverTrigger(ctx, orphan); err != nil {
			return err
		}
		recovered++
	}

	released := 0
	for _, instance := range deadInstances {
		jobIDs, err := r.blocked.DeleteByInstance(ctx, r.scheduler, instance)
		if err != nil {
			return err
		}
		released += len(jobIDs)
		if err := r.checkIns.Delete(ctx, r.scheduler, instance); err != nil && !store.IsNotFound(err) {
			return err
		}
	}

	if recovered > 0 || released > 0 {
		r.log.Infow("Recovery sweep finished",
			"triggers_recovered", recovered,
			"blocks_released", released,
			"dead_instances", deadInstances,
		)
	}
	return nil
}

// recoverTrigger resets one orphaned trigger. A version conflict means a
// peer swept it first, which is success, not failure.
func (r *Recoverer) recoverTrigger(ctx context.Context, orphan *store.Trigger) error {
	if orphan.State == store.StateExecuting {
		if err := r.refireIfRecoverable(ctx, orphan); err != nil {
			return err
		}
	}

	if orphan.NextFireUTC == nil {
		// The interrupted firing was the schedule's last: nothing left to
		// wait for.
		if err := r.triggers.Delete(ctx, r.scheduler, orphan.Key()); err != nil && !store.IsNotFound(err) {
			return err
		}
		return nil
	}

	orphan.State = store.StateWaiting
	orphan.FireToken = ""
	orphan.HolderInstance = ""
	if err := r.triggers.Update(ctx, orphan); err != nil {
		if store.IsVersionConflict(err) || store.IsNotFound(err) {
			return nil
		}
		return err
	}

	r.log.Debugw("Recovered orphaned trigger", logger.FieldTrigger, orphan.Key().String())
	return nil
}

// refireIfRecoverable creates a one-shot recovery trigger for an execution
// that died mid-flight, when the job asks for that. The recovery trigger's
// name is derived from the orphaned fire-instance token, so however many
// nodes sweep the same orphan, only one recovery firing exists.
func (r *Recoverer) refireIfRecoverable(ctx context.Context, orphan *store.Trigger) error {
	job, err := r.jobs.GetByID(ctx, orphan.JobID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !job.RequestsRecovery {
		return nil
	}

	now := time.Now().UTC()
	recovery := &store.Trigger{
		Scheduler:     orphan.Scheduler,
		Group:         store.RecoveryGroup,
		Name:          "recover-" + orphan.FireToken,
		JobID:         orphan.JobID,
		State:         store.StateWaiting,
		Priority:      orphan.Priority,
		MisfirePolicy: store.MisfireIgnore,
		NextFireUTC:   &now,
		PayloadType:   orphan.PayloadType,
		Payload:       orphan.Payload,
		Data:          orphan.Data,
	}

	if err := r.triggers.Create(ctx, recovery); err != nil {
		// The deterministic name collides when a peer already created this
		// recovery firing.
		if _, getErr := r.triggers.Get(ctx, r.scheduler, recovery.Key()); getErr == nil {
			return nil
		}
		return err
	}

	r.log.Infow("Created recovery trigger",
		logger.FieldJob, job.Key().String(),
		logger.FieldTrigger, recovery.Key().String(),
	)
	return nil
}
