package engine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/castellan/quarry/blocker"
	quarrytest "github.com/castellan/quarry/internal/testing"
	"github.com/castellan/quarry/store"
)

// intervalComputer is a stand-in for the external scheduling engine: fixed
// interval, optionally exhausted past a limit.
type intervalComputer struct {
	every time.Duration
	limit *time.Time
}

func (c intervalComputer) NextFireTime(_ context.Context, _ *store.Trigger, _ *store.Calendar, after time.Time) (*time.Time, error) {
	next := after.Add(c.every).UTC()
	if c.limit != nil && next.After(*c.limit) {
		return nil, nil
	}
	return &next, nil
}

// exhaustedComputer models a one-shot schedule with no further occurrences.
type exhaustedComputer struct{}

func (exhaustedComputer) NextFireTime(context.Context, *store.Trigger, *store.Calendar, time.Time) (*time.Time, error) {
	return nil, nil
}

type harness struct {
	jobs      *store.JobStore
	triggers  *store.TriggerStore
	calendars *store.CalendarStore
	paused    *store.PausedGroupStore
	blocked   *store.BlockedJobStore
	tracker   blocker.Tracker
	engine    *Engine
}

func newHarness(t *testing.T, computer FireTimeComputer) *harness {
	t.Helper()
	return harnessOver(t, quarrytest.CreateTestDB(t), "node-1", computer)
}

// harnessOver builds a full engine stack for one simulated cluster member
// over an existing database connection.
func harnessOver(t *testing.T, db *sql.DB, instance string, computer FireTimeComputer) *harness {
	t.Helper()
	tables := store.NewTables("")

	h := &harness{
		jobs:      store.NewJobStore(db, tables),
		triggers:  store.NewTriggerStore(db, tables),
		calendars: store.NewCalendarStore(db, tables),
		paused:    store.NewPausedGroupStore(db, tables),
		blocked:   store.NewBlockedJobStore(db, tables),
	}
	h.tracker = blocker.NewDBTracker(h.blocked, "TEST", instance)
	h.engine = New(Params{
		Scheduler:        "TEST",
		Instance:         instance,
		MisfireThreshold: time.Minute,
		Jobs:             h.jobs,
		Triggers:         h.triggers,
		Calendars:        h.calendars,
		Paused:           h.paused,
		Tracker:          h.tracker,
		Computer:         computer,
	})
	return h
}

func (h *harness) createJob(t *testing.T, name string, nonReentrant bool) *store.Job {
	t.Helper()
	job := &store.Job{
		Scheduler:          "TEST",
		Group:              "etl",
		Name:               name,
		Durable:            true,
		DisallowConcurrent: nonReentrant,
		PayloadType:        "example.Job",
		Payload:            []byte(`{}`),
	}
	require.NoError(t, h.jobs.Create(context.Background(), job))
	return job
}

func (h *harness) createTrigger(t *testing.T, name string, jobID string, next time.Time) *store.Trigger {
	t.Helper()
	trigger := &store.Trigger{
		Scheduler:     "TEST",
		Group:         "etl",
		Name:          name,
		JobID:         jobID,
		State:         store.StateWaiting,
		Priority:      5,
		MisfirePolicy: store.MisfireFireNow,
		NextFireUTC:   &next,
		PayloadType:   "example.Schedule",
		Payload:       []byte(`{}`),
	}
	require.NoError(t, h.triggers.Create(context.Background(), trigger))
	return trigger
}

func (h *harness) reload(t *testing.T, key store.Key) *store.Trigger {
	t.Helper()
	trigger, err := h.triggers.Get(context.Background(), "TEST", key)
	require.NoError(t, err)
	return trigger
}
