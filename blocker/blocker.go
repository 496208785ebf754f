// Package blocker tracks which non-reentrant jobs are currently executing.
//
// Two interchangeable trackers implement the same contract: an in-memory set
// for single-node deployments and a store-backed set whose entries every
// cluster member can see. The choice is made once, at configuration time; a
// clustered deployment must use the store-backed tracker or peers cannot see
// each other's blocks.
package blocker

import (
	"context"
	"sort"
	"sync"

	"github.com/castellan/quarry/store"
)

// Tracker is the concurrency-block contract consumed by the lifecycle
// engine.
type Tracker interface {
	// Block marks a job as executing.
	Block(ctx context.Context, jobID string) error
	// Release clears a job's block. Releasing an unblocked job is a no-op.
	Release(ctx context.Context, jobID string) error
	// IsBlocked reports whether a job is currently executing.
	IsBlocked(ctx context.Context, jobID string) (bool, error)
	// ListBlocked returns the blocked job ids, sorted.
	ListBlocked(ctx context.Context) ([]string, error)
	// ReleaseAll clears every block. Used at scheduler shutdown.
	ReleaseAll(ctx context.Context) error
}

// MemoryTracker is a mutex-guarded in-process set. Valid only when the
// deployment is not clustered: peers cannot observe its contents.
type MemoryTracker struct {
	mu      sync.Mutex
	blocked map[string]struct{}
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{blocked: make(map[string]struct{})}
}

func (m *MemoryTracker) Block(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[jobID] = struct{}{}
	return nil
}

func (m *MemoryTracker) Release(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, jobID)
	return nil
}

func (m *MemoryTracker) IsBlocked(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[jobID]
	return ok, nil
}

func (m *MemoryTracker) ListBlocked(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.blocked))
	for id := range m.blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryTracker) ReleaseAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked = make(map[string]struct{})
	return nil
}

// DBTracker is the store-backed tracker. Blocks are attributed to this
// node's instance id so a peer's recovery sweep can release them if the node
// dies mid-execution.
type DBTracker struct {
	blocked   *store.BlockedJobStore
	scheduler string
	instance  string
}

// NewDBTracker creates a store-backed tracker for one cluster member.
func NewDBTracker(blocked *store.BlockedJobStore, scheduler, instance string) *DBTracker {
	return &DBTracker{blocked: blocked, scheduler: scheduler, instance: instance}
}

func (d *DBTracker) Block(ctx context.Context, jobID string) error {
	return d.blocked.Insert(ctx, d.scheduler, jobID, d.instance)
}

func (d *DBTracker) Release(ctx context.Context, jobID string) error {
	return d.blocked.Delete(ctx, d.scheduler, jobID)
}

func (d *DBTracker) IsBlocked(ctx context.Context, jobID string) (bool, error) {
	return d.blocked.Exists(ctx, d.scheduler, jobID)
}

func (d *DBTracker) ListBlocked(ctx context.Context) ([]string, error) {
	return d.blocked.List(ctx, d.scheduler)
}

func (d *DBTracker) ReleaseAll(ctx context.Context) error {
	return d.blocked.DeleteAll(ctx, d.scheduler)
}
