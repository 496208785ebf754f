package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	quarrytest "github.com/castellan/quarry/internal/testing"
)

func TestCalendarPutGetDelete(t *testing.T) {
	db := quarrytest.CreateTestDB(t)
	cals := NewCalendarStore(db, NewTables(""))
	ctx := context.Background()

	cal := &Calendar{Scheduler: "TEST", Name: "holidays", Payload: []byte(`{"excluded":["2026-12-25"]}`)}
	require.NoError(t, cals.Put(ctx, cal))

	loaded, err := cals.Get(ctx, "TEST", "holidays")
	require.NoError(t, err)
	assert.Equal(t, cal.Payload, loaded.Payload)

	// Replacement keeps the same identity.
	cal.Payload = []byte(`{"excluded":[]}`)
	require.NoError(t, cals.Put(ctx, cal))
	loaded, err = cals.Get(ctx, "TEST", "holidays")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"excluded":[]}`), loaded.Payload)

	names, err := cals.Names(ctx, "TEST")
	require.NoError(t, err)
	assert.Equal(t, []string{"holidays"}, names)

	require.NoError(t, cals.Delete(ctx, "TEST", "holidays"))
	err = cals.Delete(ctx, "TEST", "holidays")
	assert.True(t, IsNotFound(err))
}

func TestBlockedJobLifecycle(t *testing.T) {
	db := quarrytest.CreateTestDB(t)
	blocked := NewBlockedJobStore(db, NewTables(""))
	ctx := context.Background()

	require.NoError(t, blocked.Insert(ctx, "TEST", "JTEST/etl/extract", "node-1"))
	// Duplicate insert is a no-op.
	require.NoError(t, blocked.Insert(ctx, "TEST", "JTEST/etl/extract", "node-1"))

	exists, err := blocked.Exists(ctx, "TEST", "JTEST/etl/extract")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, blocked.Delete(ctx, "TEST", "JTEST/etl/extract"))
	exists, err = blocked.Exists(ctx, "TEST", "JTEST/etl/extract")
	require.NoError(t, err)
	assert.False(t, exists)

	// Releasing an absent block stays a no-op.
	require.NoError(t, blocked.Delete(ctx, "TEST", "JTEST/etl/extract"))
}

func TestBlockedJobDeleteByInstance(t *testing.T) {
	db := quarrytest.CreateTestDB(t)
	blocked := NewBlockedJobStore(db, NewTables(""))
	ctx := context.Background()

	require.NoError(t, blocked.Insert(ctx, "TEST", "JTEST/etl/a", "dead-node"))
	require.NoError(t, blocked.Insert(ctx, "TEST", "JTEST/etl/b", "dead-node"))
	require.NoError(t, blocked.Insert(ctx, "TEST", "JTEST/etl/c", "live-node"))

	released, err := blocked.DeleteByInstance(ctx, "TEST", "dead-node")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"JTEST/etl/a", "JTEST/etl/b"}, released)

	remaining, err := blocked.List(ctx, "TEST")
	require.NoError(t, err)
	assert.Equal(t, []string{"JTEST/etl/c"}, remaining)
}

func TestPausedGroupMarkers(t *testing.T) {
	db := quarrytest.CreateTestDB(t)
	paused := NewPausedGroupStore(db, NewTables(""))
	ctx := context.Background()

	require.NoError(t, paused.Insert(ctx, "TEST", PausedKindTrigger, "etl"))
	require.NoError(t, paused.Insert(ctx, "TEST", PausedKindTrigger, "etl")) // idempotent
	require.NoError(t, paused.Insert(ctx, "TEST", PausedKindJob, "etl"))

	isPaused, err := paused.IsPaused(ctx, "TEST", PausedKindTrigger, "etl")
	require.NoError(t, err)
	assert.True(t, isPaused)

	groups, err := paused.List(ctx, "TEST", PausedKindTrigger)
	require.NoError(t, err)
	assert.Equal(t, []string{"etl"}, groups)

	require.NoError(t, paused.Delete(ctx, "TEST", PausedKindTrigger, "etl"))
	isPaused, err = paused.IsPaused(ctx, "TEST", PausedKindTrigger, "etl")
	require.NoError(t, err)
	assert.False(t, isPaused)

	// Job-group marker is independent.
	isPaused, err = paused.IsPaused(ctx, "TEST", PausedKindJob, "etl")
	require.NoError(t, err)
	assert.True(t, isPaused)
}

func TestCheckInUpsertAndList(t *testing.T) {
	db := quarrytest.CreateTestDB(t)
	checkIns := NewCheckInStore(db, NewTables(""))
	ctx := context.Background()

	first := &CheckIn{
		Scheduler:   "TEST",
		Instance:    "node-1",
		LastCheckIn: time.Now().UTC().Truncate(time.Millisecond),
		Interval:    7500 * time.Millisecond,
		State:       CheckInStarted,
	}
	require.NoError(t, checkIns.Upsert(ctx, first))

	first.State = CheckInPaused
	first.LastCheckIn = first.LastCheckIn.Add(7500 * time.Millisecond)
	require.NoError(t, checkIns.Upsert(ctx, first))

	loaded, err := checkIns.Get(ctx, "TEST", "node-1")
	require.NoError(t, err)
	assert.Equal(t, CheckInPaused, loaded.State)
	assert.Equal(t, 7500*time.Millisecond, loaded.Interval)
	assert.True(t, loaded.LastCheckIn.Equal(first.LastCheckIn))

	all, err := checkIns.List(ctx, "TEST")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, checkIns.Delete(ctx, "TEST", "node-1"))
	_, err = checkIns.Get(ctx, "TEST", "node-1")
	assert.True(t, IsNotFound(err))
}
