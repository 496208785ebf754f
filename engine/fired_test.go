package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	quarrytest "github.com/castellan/quarry/internal/testing"
	"github.com/castellan/quarry/store"
)

func TestTriggersFiredMovesToExecuting(t *testing.T) {
	h := newHarness(t, intervalComputer{every: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	job := h.createJob(t, "extract", false)
	fireAt := now.Add(-time.Second)
	h.createTrigger(t, "due", job.ID(), fireAt)

	acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	bundles, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	fired := bundles[0].Trigger
	assert.Equal(t, store.StateExecuting, fired.State)
	require.NotNil(t, fired.PrevFireUTC)
	assert.True(t, fired.PrevFireUTC.Equal(fireAt))
	require.NotNil(t, fired.NextFireUTC)
	assert.True(t, fired.NextFireUTC.Equal(fireAt.Add(time.Hour)))
	assert.Equal(t, job.Name, bundles[0].Job.Name)
}

func TestTriggersFiredSkipsStaleToken(t *testing.T) {
	h := newHarness(t, intervalComputer{every: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	job := h.createJob(t, "extract", false)
	h.createTrigger(t, "due", job.ID(), now.Add(-time.Second))

	acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	// Simulate a recovery sweep having reset the trigger in between.
	reset := h.reload(t, acquired[0].Key())
	reset.State = store.StateWaiting
	reset.FireToken = ""
	reset.HolderInstance = ""
	require.NoError(t, h.triggers.Update(ctx, reset))

	bundles, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	assert.Empty(t, bundles)
	assert.Equal(t, store.StateWaiting, h.reload(t, acquired[0].Key()).State)
}

func TestTriggersFiredBlocksNonReentrantJobAndSiblings(t *testing.T) {
	h := newHarness(t, intervalComputer{every: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	job := h.createJob(t, "exclusive", true)
	h.createTrigger(t, "winner", job.ID(), now.Add(-2*time.Second))
	sibling := h.createTrigger(t, "sibling", job.ID(), now.Add(time.Hour))

	acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 10)
	require.NoError(t, err)
	require.Len(t, acquired, 1)

	bundles, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	blocked, err := h.tracker.IsBlocked(ctx, job.ID())
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, store.StateBlocked, h.reload(t, sibling.Key()).State)
}

func TestCompleteNoOpReturnsRepeatableTriggerToWaiting(t *testing.T) {
	h := newHarness(t, intervalComputer{every: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	job := h.createJob(t, "extract", false)
	h.createTrigger(t, "due", job.ID(), now.Add(-time.Second))

	acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	bundles, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	require.NoError(t, h.engine.TriggeredJobComplete(ctx, bundles[0].Trigger, bundles[0].Job, InstructionNoOp))

	after := h.reload(t, bundles[0].Trigger.Key())
	assert.Equal(t, store.StateWaiting, after.State)
	assert.Empty(t, after.FireToken)
	assert.Empty(t, after.HolderInstance)
	assert.NotNil(t, after.NextFireUTC)
}

func TestCompleteRemovesExhaustedOneShot(t *testing.T) {
	h := newHarness(t, exhaustedComputer{})
	ctx := context.Background()
	now := time.Now().UTC()

	job := h.createJob(t, "oneshot", false)
	// Non-durable job should vanish with its last trigger.
	loaded, err := h.jobs.Get(ctx, "TEST", job.Key())
	require.NoError(t, err)
	loaded.Durable = false
	require.NoError(t, h.jobs.Update(ctx, loaded))

	h.createTrigger(t, "once", job.ID(), now.Add(-time.Second))

	acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	bundles, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Nil(t, bundles[0].Trigger.NextFireUTC)

	require.NoError(t, h.engine.TriggeredJobComplete(ctx, bundles[0].Trigger, bundles[0].Job, InstructionNoOp))

	_, err = h.triggers.Get(ctx, "TEST", bundles[0].Trigger.Key())
	assert.True(t, store.IsNotFound(err))
	_, err = h.jobs.Get(ctx, "TEST", job.Key())
	assert.True(t, store.IsNotFound(err))
}

func TestCompleteInstructionsParkTriggers(t *testing.T) {
	cases := []struct {
		name        string
		instruction CompletionInstruction
		want        store.TriggerState
	}{
		{"set complete", InstructionSetComplete, store.StateComplete},
		{"set error", InstructionSetError, store.StateError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, intervalComputer{every: time.Hour})
			ctx := context.Background()
			now := time.Now().UTC()

			job := h.createJob(t, "extract", false)
			h.createTrigger(t, "due", job.ID(), now.Add(-time.Second))

			acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 1)
			require.NoError(t, err)
			bundles, err := h.engine.TriggersFired(ctx, acquired)
			require.NoError(t, err)
			require.Len(t, bundles, 1)

			require.NoError(t, h.engine.TriggeredJobComplete(ctx, bundles[0].Trigger, bundles[0].Job, tc.instruction))
			assert.Equal(t, tc.want, h.reload(t, bundles[0].Trigger.Key()).State)
		})
	}
}

func TestCompleteSetAllAffectsEveryJobTrigger(t *testing.T) {
	h := newHarness(t, intervalComputer{every: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	job := h.createJob(t, "extract", false)
	h.createTrigger(t, "due", job.ID(), now.Add(-time.Second))
	other := h.createTrigger(t, "other", job.ID(), now.Add(time.Hour))

	acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	bundles, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	require.NoError(t, h.engine.TriggeredJobComplete(ctx, bundles[0].Trigger, bundles[0].Job, InstructionSetAllError))
	assert.Equal(t, store.StateError, h.reload(t, bundles[0].Trigger.Key()).State)
	assert.Equal(t, store.StateError, h.reload(t, other.Key()).State)
}

func TestCompleteIsIdempotentPerFireToken(t *testing.T) {
	h := newHarness(t, intervalComputer{every: time.Hour})
	ctx := context.Background()
	now := time.Now().UTC()

	job := h.createJob(t, "extract", false)
	h.createTrigger(t, "due", job.ID(), now.Add(-time.Second))

	acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	bundles, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, bundles, 1)

	require.NoError(t, h.engine.TriggeredJobComplete(ctx, bundles[0].Trigger, bundles[0].Job, InstructionNoOp))
	versionAfterFirst := h.reload(t, bundles[0].Trigger.Key()).Version

	// Second completion for the same token: state already moved on.
	require.NoError(t, h.engine.TriggeredJobComplete(ctx, bundles[0].Trigger, bundles[0].Job, InstructionNoOp))
	after := h.reload(t, bundles[0].Trigger.Key())
	assert.Equal(t, store.StateWaiting, after.State)
	assert.Equal(t, versionAfterFirst, after.Version)
}

// A replayed completion from an earlier firing must not release the block
// held by the job's current execution, nor re-arm its demoted siblings.
func TestStaleCompletionLeavesCurrentExecutionBlocked(t *testing.T) {
	h := newHarness(t, intervalComputer{every: time.Millisecond})
	ctx := context.Background()
	now := time.Now().UTC()

	job := h.createJob(t, "exclusive", true)
	h.createTrigger(t, "main", job.ID(), now.Add(-time.Second))
	sibling := h.createTrigger(t, "sibling", job.ID(), now.Add(time.Hour))

	// First firing runs to completion.
	acquired, err := h.engine.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	first, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, h.engine.TriggeredJobComplete(ctx, first[0].Trigger, first[0].Job, InstructionNoOp))

	// The trigger comes due again and fires under a fresh token.
	later := now.Add(time.Minute)
	acquired, err = h.engine.AcquireNextTriggers(ctx, later, 0, 1)
	require.NoError(t, err)
	require.Len(t, acquired, 1)
	second, err := h.engine.TriggersFired(ctx, acquired)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.NotEqual(t, first[0].Trigger.FireToken, second[0].Trigger.FireToken)

	// Replay the first completion: its token is stale, so the running
	// execution keeps its block and the sibling stays demoted.
	require.NoError(t, h.engine.TriggeredJobComplete(ctx, first[0].Trigger, first[0].Job, InstructionNoOp))

	blocked, err := h.tracker.IsBlocked(ctx, job.ID())
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, store.StateBlocked, h.reload(t, sibling.Key()).State)
	assert.Equal(t, store.StateExecuting, h.reload(t, second[0].Trigger.Key()).State)

	// The genuine completion still releases it.
	require.NoError(t, h.engine.TriggeredJobComplete(ctx, second[0].Trigger, second[0].Job, InstructionNoOp))
	blocked, err = h.tracker.IsBlocked(ctx, job.ID())
	require.NoError(t, err)
	assert.False(t, blocked)
}

// Two triggers on one non-reentrant job, raced across two nodes: only one
// executes at a time; the second follows only after completion.
func TestNonReentrantJobExcludesAcrossNodes(t *testing.T) {
	first, open := quarrytest.CreateSharedTestDB(t)
	nodeA := harnessOver(t, first, "node-a", intervalComputer{every: time.Hour})
	nodeB := harnessOver(t, open(), "node-b", intervalComputer{every: time.Hour})

	ctx := context.Background()
	now := time.Now().UTC()

	job := nodeA.createJob(t, "exclusive", true)
	nodeA.createTrigger(t, "trigger-a", job.ID(), now.Add(-2*time.Second))
	nodeA.createTrigger(t, "trigger-b", job.ID(), now.Add(-time.Second))

	// Node A wins the first acquisition and starts executing.
	acquiredA, err := nodeA.engine.AcquireNextTriggers(ctx, now, 0, 10)
	require.NoError(t, err)
	require.Len(t, acquiredA, 1)
	bundlesA, err := nodeA.engine.TriggersFired(ctx, acquiredA)
	require.NoError(t, err)
	require.Len(t, bundlesA, 1)

	// While it runs, node B must not reach Executing on the second trigger.
	acquiredB, err := nodeB.engine.AcquireNextTriggers(ctx, now, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, acquiredB)

	// Completion releases the block; node B proceeds.
	require.NoError(t, nodeA.engine.TriggeredJobComplete(ctx, bundlesA[0].Trigger, bundlesA[0].Job, InstructionNoOp))

	acquiredB, err = nodeB.engine.AcquireNextTriggers(ctx, now, 0, 10)
	require.NoError(t, err)
	require.Len(t, acquiredB, 1)
	bundlesB, err := nodeB.engine.TriggersFired(ctx, acquiredB)
	require.NoError(t, err)
	assert.Len(t, bundlesB, 1)
}
