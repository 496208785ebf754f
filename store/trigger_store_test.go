package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(t time.Time) *time.Time { return &t }

func sampleTrigger(name string, next time.Time) *Trigger {
	return &Trigger{
		Scheduler:     "TEST",
		Group:         "etl",
		Name:          name,
		JobID:         "JTEST/etl/extract",
		State:         StateWaiting,
		Priority:      5,
		MisfirePolicy: MisfireFireNow,
		NextFireUTC:   ptr(next),
		PayloadType:   "example.IntervalSchedule",
		Payload:       []byte(`{"interval":"1h"}`),
		Data:          []byte(`{"shard":3}`),
	}
}

func TestTriggerRoundTrip(t *testing.T) {
	_, triggers := newTestStores(t)
	ctx := context.Background()

	next := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	trigger := sampleTrigger("hourly", next)
	trigger.CalendarName = "holidays"
	require.NoError(t, triggers.Create(ctx, trigger))

	loaded, err := triggers.Get(ctx, "TEST", trigger.Key())
	require.NoError(t, err)
	assert.Equal(t, trigger.JobID, loaded.JobID)
	assert.Equal(t, "holidays", loaded.CalendarName)
	assert.Equal(t, StateWaiting, loaded.State)
	assert.Equal(t, 5, loaded.Priority)
	assert.Equal(t, MisfireFireNow, loaded.MisfirePolicy)
	require.NotNil(t, loaded.NextFireUTC)
	assert.True(t, loaded.NextFireUTC.Equal(next))
	assert.Nil(t, loaded.PrevFireUTC)
	assert.Empty(t, loaded.FireToken)
	assert.Equal(t, trigger.Payload, loaded.Payload)
	assert.Equal(t, trigger.Data, loaded.Data)
}

func TestTriggerCreateDuplicateIsIntegrity(t *testing.T) {
	_, triggers := newTestStores(t)
	ctx := context.Background()

	next := time.Now().UTC()
	require.NoError(t, triggers.Create(ctx, sampleTrigger("hourly", next)))

	err := triggers.Create(ctx, sampleTrigger("hourly", next))
	require.Error(t, err)
	assert.True(t, IsIntegrity(err))
	assert.False(t, IsTransient(err))
}

func TestTriggerVersionedUpdateConflict(t *testing.T) {
	_, triggers := newTestStores(t)
	ctx := context.Background()

	trigger := sampleTrigger("contested", time.Now().UTC())
	require.NoError(t, triggers.Create(ctx, trigger))

	// Two handles load the same version; the second update must lose.
	first, err := triggers.Get(ctx, "TEST", trigger.Key())
	require.NoError(t, err)
	second, err := triggers.Get(ctx, "TEST", trigger.Key())
	require.NoError(t, err)

	first.State = StateAcquired
	first.FireToken = "node-a.token"
	first.HolderInstance = "node-a"
	require.NoError(t, triggers.Update(ctx, first))

	second.State = StateAcquired
	second.FireToken = "node-b.token"
	second.HolderInstance = "node-b"
	err = triggers.Update(ctx, second)
	require.Error(t, err)
	assert.True(t, IsVersionConflict(err))

	// The winner's claim stands.
	loaded, err := triggers.Get(ctx, "TEST", trigger.Key())
	require.NoError(t, err)
	assert.Equal(t, "node-a.token", loaded.FireToken)
}

func TestListDueOrdering(t *testing.T) {
	_, triggers := newTestStores(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	early := sampleTrigger("early", now.Add(-2*time.Minute))
	tieLow := sampleTrigger("tie-low", now.Add(-time.Minute))
	tieLow.Priority = 1
	tieHigh := sampleTrigger("tie-high", now.Add(-time.Minute))
	tieHigh.Priority = 9
	future := sampleTrigger("future", now.Add(time.Hour))
	paused := sampleTrigger("paused", now.Add(-time.Minute))
	paused.State = StatePaused

	for _, tr := range []*Trigger{early, tieLow, tieHigh, future, paused} {
		require.NoError(t, triggers.Create(ctx, tr))
	}

	due, err := triggers.ListDue(ctx, "TEST", now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, "early", due[0].Name)
	// Same fire time: higher priority first.
	assert.Equal(t, "tie-high", due[1].Name)
	assert.Equal(t, "tie-low", due[2].Name)
}

func TestListDueLimit(t *testing.T) {
	_, triggers := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, triggers.Create(ctx, sampleTrigger(name, now.Add(-time.Minute))))
	}

	due, err := triggers.ListDue(ctx, "TEST", now, 2)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestListOrphaned(t *testing.T) {
	_, triggers := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	held := sampleTrigger("held", now)
	held.State = StateExecuting
	held.FireToken = "dead-node.token"
	held.HolderInstance = "dead-node"

	alive := sampleTrigger("alive", now)
	alive.State = StateAcquired
	alive.FireToken = "live-node.token"
	alive.HolderInstance = "live-node"

	waiting := sampleTrigger("waiting", now)

	for _, tr := range []*Trigger{held, alive, waiting} {
		require.NoError(t, triggers.Create(ctx, tr))
	}

	orphans, err := triggers.ListOrphaned(ctx, "TEST", []string{"live-node"})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "held", orphans[0].Name)

	// With no live instances, every in-flight trigger is orphaned.
	orphans, err = triggers.ListOrphaned(ctx, "TEST", nil)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)
}

func TestTriggerQueriesByJobAndCalendar(t *testing.T) {
	_, triggers := newTestStores(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := sampleTrigger("a", now)
	b := sampleTrigger("b", now)
	b.CalendarName = "holidays"
	c := sampleTrigger("c", now)
	c.JobID = "JTEST/etl/other"

	for _, tr := range []*Trigger{a, b, c} {
		require.NoError(t, triggers.Create(ctx, tr))
	}

	byJob, err := triggers.ListByJob(ctx, "TEST", "JTEST/etl/extract")
	require.NoError(t, err)
	assert.Len(t, byJob, 2)

	byCal, err := triggers.ListByCalendar(ctx, "TEST", "holidays")
	require.NoError(t, err)
	require.Len(t, byCal, 1)
	assert.Equal(t, "b", byCal[0].Name)

	n, err := triggers.CountForJob(ctx, "TEST", "JTEST/etl/other")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := triggers.GetState(ctx, "TEST", a.Key())
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)
}
