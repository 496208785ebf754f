package cluster

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	quarrytest "github.com/castellan/quarry/internal/testing"
	"github.com/castellan/quarry/store"
)

func newTestCoordinator(conn *sql.DB, instance string, interval time.Duration) (*Coordinator, *fixture) {
	f := newFixture(conn)
	coord := NewCoordinator(f.checkIns, f.recoverer(0), "TEST", instance, Config{
		Interval:        interval,
		StaleMultiplier: 2.5,
	}, zap.NewNop().Sugar())
	return coord, f
}

func TestCoordinatorRegistersAndWithdraws(t *testing.T) {
	coord, f := newTestCoordinator(quarrytest.CreateTestDB(t), "node-1", 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, coord.Start())

	checkIn, err := f.checkIns.Get(ctx, "TEST", "node-1")
	require.NoError(t, err)
	assert.Equal(t, store.CheckInStarted, checkIn.State)
	assert.Equal(t, 10*time.Millisecond, checkIn.Interval)

	coord.Stop()

	_, err = f.checkIns.Get(ctx, "TEST", "node-1")
	assert.True(t, store.IsNotFound(err))
}

func TestCoordinatorHeartbeatsAdvance(t *testing.T) {
	coord, f := newTestCoordinator(quarrytest.CreateTestDB(t), "node-1", 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, coord.Start())
	defer coord.Stop()

	require.Eventually(t, func() bool {
		_, beats := coord.LastBeat()
		return beats >= 3
	}, 2*time.Second, 5*time.Millisecond)

	checkIn, err := f.checkIns.Get(ctx, "TEST", "node-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), checkIn.LastCheckIn, time.Second)
}

func TestCoordinatorReportsLifecycleState(t *testing.T) {
	coord, f := newTestCoordinator(quarrytest.CreateTestDB(t), "node-1", 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, coord.Start())
	defer coord.Stop()

	coord.SetState(store.CheckInPaused)

	require.Eventually(t, func() bool {
		checkIn, err := f.checkIns.Get(ctx, "TEST", "node-1")
		return err == nil && checkIn.State == store.CheckInPaused
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinatorRecoversStalePeer(t *testing.T) {
	first, open := quarrytest.CreateSharedTestDB(t)
	coord, _ := newTestCoordinator(first, "survivor", 10*time.Millisecond)
	f := newFixture(open())
	ctx := context.Background()

	// A peer that checked in long ago with a short interval, holding a
	// trigger mid-acquisition.
	require.NoError(t, f.checkIns.Upsert(ctx, &store.CheckIn{
		Scheduler:   "TEST",
		Instance:    "casualty",
		LastCheckIn: time.Now().UTC().Add(-time.Hour),
		Interval:    10 * time.Millisecond,
		State:       store.CheckInStarted,
	}))
	next := time.Now().UTC().Add(time.Minute)
	job := f.createJob(t, "extract", false)
	orphan := f.createOrphan(t, "stuck", job.ID(), "casualty", store.StateAcquired, &next)

	require.NoError(t, coord.Start())
	defer coord.Stop()

	require.Eventually(t, func() bool {
		after, err := f.triggers.Get(ctx, "TEST", orphan.Key())
		return err == nil && after.State == store.StateWaiting
	}, 2*time.Second, 10*time.Millisecond)

	_, err := f.checkIns.Get(ctx, "TEST", "casualty")
	assert.True(t, store.IsNotFound(err))
}

func TestCoordinatorStartRecoversOwnPreviousLife(t *testing.T) {
	first, open := quarrytest.CreateSharedTestDB(t)
	f := newFixture(open())
	ctx := context.Background()

	// Leftovers from a crashed run of the same instance.
	next := time.Now().UTC().Add(time.Minute)
	job := f.createJob(t, "extract", false)
	orphan := f.createOrphan(t, "stuck", job.ID(), "node-1", store.StateAcquired, &next)
	require.NoError(t, f.blocked.Insert(ctx, "TEST", job.ID(), "node-1"))

	coord, _ := newTestCoordinator(first, "node-1", time.Hour)
	require.NoError(t, coord.Start())
	defer coord.Stop()

	after, err := f.triggers.Get(ctx, "TEST", orphan.Key())
	require.NoError(t, err)
	assert.Equal(t, store.StateWaiting, after.State)

	blocked, err := f.blocked.Exists(ctx, "TEST", job.ID())
	require.NoError(t, err)
	assert.False(t, blocked)

	// And the node is registered fresh afterwards.
	_, err = f.checkIns.Get(ctx, "TEST", "node-1")
	require.NoError(t, err)
}
