// Package quarry is a persistent, cluster-safe storage backend for a job
// scheduling engine, backed by SQLite. The scheduling engine supplies the
// schedule semantics (what a trigger's payload means, when it fires next);
// quarry owns durability, the trigger lifecycle state machine, and cluster
// coordination over a shared database file.
package quarry

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/quarry/blocker"
	"github.com/castellan/quarry/cluster"
	"github.com/castellan/quarry/config"
	"github.com/castellan/quarry/db"
	"github.com/castellan/quarry/engine"
	"github.com/castellan/quarry/logger"
	"github.com/castellan/quarry/store"
)

// Scheduler is the facade the scheduling engine talks to. One Scheduler is
// one cluster member; several instances sharing a database file and a
// scheduler name form a cluster.
type Scheduler struct {
	cfg    *config.Config
	conn   *sql.DB
	tables store.Tables

	jobs      *store.JobStore
	triggers  *store.TriggerStore
	calendars *store.CalendarStore
	paused    *store.PausedGroupStore
	blocked   *store.BlockedJobStore
	checkIns  *store.CheckInStore

	tracker  blocker.Tracker
	computer engine.FireTimeComputer
	engine   *engine.Engine
	coord    *cluster.Coordinator

	log *zap.SugaredLogger
}

// Open connects to (and migrates) the backing database and wires the
// component stack for one node. The computer is the scheduling engine's
// next-fire-time capability; observer may be nil.
func Open(cfg *config.Config, computer engine.FireTimeComputer, observer engine.StepObserver) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.Named("quarry")

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, cfg.Database.TablePrefix, log); err != nil {
		conn.Close()
		return nil, err
	}

	tables := store.NewTables(cfg.Database.TablePrefix)
	s := &Scheduler{
		cfg:       cfg,
		conn:      conn,
		tables:    tables,
		jobs:      store.NewJobStore(conn, tables),
		triggers:  store.NewTriggerStore(conn, tables),
		calendars: store.NewCalendarStore(conn, tables),
		paused:    store.NewPausedGroupStore(conn, tables),
		blocked:   store.NewBlockedJobStore(conn, tables),
		checkIns:  store.NewCheckInStore(conn, tables),
		computer:  computer,
		log:       log,
	}

	switch cfg.BlockTracker {
	case config.TrackerStore:
		s.tracker = blocker.NewDBTracker(s.blocked, cfg.Scheduler.Name, cfg.Scheduler.Instance)
	default:
		s.tracker = blocker.NewMemoryTracker()
	}

	s.engine = engine.New(engine.Params{
		Scheduler:        cfg.Scheduler.Name,
		Instance:         cfg.Scheduler.Instance,
		MisfireThreshold: cfg.MisfireThreshold,
		Jobs:             s.jobs,
		Triggers:         s.triggers,
		Calendars:        s.calendars,
		Paused:           s.paused,
		Tracker:          s.tracker,
		Computer:         computer,
		Observer:         observer,
		Log:              log.Named("engine"),
	})

	if cfg.Cluster.Enabled {
		recoverer := cluster.NewRecoverer(
			s.jobs, s.triggers, s.blocked, s.checkIns,
			cfg.Scheduler.Name, cfg.Cluster.RecoveryPerSecond,
			log.Named("recovery"),
		)
		s.coord = cluster.NewCoordinator(
			s.checkIns, recoverer,
			cfg.Scheduler.Name, cfg.Scheduler.Instance,
			cluster.Config{
				Interval:        cfg.Cluster.CheckInInterval,
				StaleMultiplier: cfg.Cluster.CheckInStaleMultiplier,
			},
			log.Named("cluster"),
		)
	}

	return s, nil
}

// Start joins the cluster: register, recover this instance's previous life,
// begin heartbeating. A non-clustered node has nothing to do here.
func (s *Scheduler) Start() error {
	if s.coord == nil {
		return nil
	}
	return s.coord.Start()
}

// Shutdown leaves the cluster and closes the database.
func (s *Scheduler) Shutdown() error {
	if s.coord != nil {
		s.coord.SetState(store.CheckInShutdown)
		s.coord.Stop()
	}
	return s.conn.Close()
}

// SchedulerPaused records that the owning scheduling engine stopped firing,
// so cluster peers can tell a paused node from a dead one.
func (s *Scheduler) SchedulerPaused() {
	if s.coord != nil {
		s.coord.SetState(store.CheckInPaused)
	}
}

// SchedulerResumed records that the owning scheduling engine fires again.
func (s *Scheduler) SchedulerResumed() {
	if s.coord != nil {
		s.coord.SetState(store.CheckInResumed)
	}
}

// AcquireNextTriggers claims up to maxCount due triggers for this node. See
// the engine package for the exact semantics.
func (s *Scheduler) AcquireNextTriggers(ctx context.Context, now time.Time, window time.Duration, maxCount int) ([]*store.Trigger, error) {
	return s.engine.AcquireNextTriggers(ctx, now, window, maxCount)
}

// TriggersFired confirms that this node is now executing the acquired
// triggers.
func (s *Scheduler) TriggersFired(ctx context.Context, acquired []*store.Trigger) ([]engine.FiredBundle, error) {
	return s.engine.TriggersFired(ctx, acquired)
}

// TriggeredJobComplete reports one finished execution together with the
// scheduling engine's disposition for the trigger.
func (s *Scheduler) TriggeredJobComplete(ctx context.Context, trigger *store.Trigger, job *store.Job, instruction engine.CompletionInstruction) error {
	return s.engine.TriggeredJobComplete(ctx, trigger, job, instruction)
}

// PauseTrigger pauses one trigger.
func (s *Scheduler) PauseTrigger(ctx context.Context, key store.Key) error {
	return s.engine.PauseTrigger(ctx, key)
}

// PauseTriggerGroup pauses a trigger group, including triggers added to the
// group later.
func (s *Scheduler) PauseTriggerGroup(ctx context.Context, group string) error {
	return s.engine.PauseTriggerGroup(ctx, group)
}

// PauseJob pauses every trigger of one job.
func (s *Scheduler) PauseJob(ctx context.Context, key store.Key) error {
	return s.engine.PauseJob(ctx, key)
}

// PauseJobGroup pauses a job group, including jobs added to the group later.
func (s *Scheduler) PauseJobGroup(ctx context.Context, group string) error {
	return s.engine.PauseJobGroup(ctx, group)
}

// ResumeTrigger resumes one trigger, correcting its fire time if it came due
// while paused.
func (s *Scheduler) ResumeTrigger(ctx context.Context, key store.Key) error {
	return s.engine.ResumeTrigger(ctx, key)
}

// ResumeTriggerGroup resumes a trigger group.
func (s *Scheduler) ResumeTriggerGroup(ctx context.Context, group string) error {
	return s.engine.ResumeTriggerGroup(ctx, group)
}

// ResumeJob resumes every trigger of one job.
func (s *Scheduler) ResumeJob(ctx context.Context, key store.Key) error {
	return s.engine.ResumeJob(ctx, key)
}

// ResumeJobGroup resumes a job group.
func (s *Scheduler) ResumeJobGroup(ctx context.Context, group string) error {
	return s.engine.ResumeJobGroup(ctx, group)
}

// PauseAll pauses every trigger group.
func (s *Scheduler) PauseAll(ctx context.Context) error {
	return s.engine.PauseAll(ctx)
}

// ResumeAll resumes every paused trigger group.
func (s *Scheduler) ResumeAll(ctx context.Context) error {
	return s.engine.ResumeAll(ctx)
}

// PausedTriggerGroups lists the currently paused trigger groups.
func (s *Scheduler) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	return s.engine.PausedTriggerGroups(ctx)
}

func (s *Scheduler) schedulerName() string { return s.cfg.Scheduler.Name }

// clearNonDurableJob removes a job once its last trigger is gone, unless it
// is durable.
func (s *Scheduler) clearNonDurableJob(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if job.Durable {
		return nil
	}

	n, err := s.triggers.CountForJob(ctx, s.schedulerName(), jobID)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if err := s.jobs.Delete(ctx, s.schedulerName(), job.Key()); err != nil && !store.IsNotFound(err) {
		return err
	}
	return nil
}
