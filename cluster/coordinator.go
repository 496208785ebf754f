package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castellan/quarry/logger"
	"github.com/castellan/quarry/store"
)

// Coordinator is one node's membership in the cluster. It heartbeats into
// the check-in table at a fixed interval, watches for peers whose heartbeats
// have gone stale, and hands anything a dead peer was holding to the
// Recoverer.
type Coordinator struct {
	checkIns  *store.CheckInStore
	recoverer *Recoverer

	scheduler       string
	instance        string
	interval        time.Duration
	staleMultiplier float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	mu         sync.Mutex
	state      store.CheckInState
	lastBeatAt time.Time
	beats      int64
}

// Config contains coordinator tuning knobs.
type Config struct {
	// Interval is the heartbeat period.
	Interval time.Duration
	// StaleMultiplier scales a peer's own interval into its liveness
	// deadline: a peer is dead once now - lastCheckIn > interval * multiplier.
	StaleMultiplier float64
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Interval:        7500 * time.Millisecond,
		StaleMultiplier: 2.5,
	}
}

// NewCoordinator creates a coordinator for one scheduler instance.
func NewCoordinator(checkIns *store.CheckInStore, recoverer *Recoverer, scheduler, instance string, cfg Config, log *zap.SugaredLogger) *Coordinator {
	return NewCoordinatorWithContext(context.Background(), checkIns, recoverer, scheduler, instance, cfg, log)
}

// NewCoordinatorWithContext creates a coordinator with a parent context.
func NewCoordinatorWithContext(ctx context.Context, checkIns *store.CheckInStore, recoverer *Recoverer, scheduler, instance string, cfg Config, log *zap.SugaredLogger) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.StaleMultiplier <= 0 {
		cfg.StaleMultiplier = DefaultConfig().StaleMultiplier
	}

	coordCtx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		checkIns:        checkIns,
		recoverer:       recoverer,
		scheduler:       scheduler,
		instance:        instance,
		interval:        cfg.Interval,
		staleMultiplier: cfg.StaleMultiplier,
		ctx:             coordCtx,
		cancel:          cancel,
		log:             log,
		state:           store.CheckInStarted,
	}
}

// Start registers the node, recovers anything this instance left behind in a
// previous life, then begins the heartbeat loop.
func (c *Coordinator) Start() error {
	if err := c.recoverSelf(c.ctx); err != nil {
		return err
	}
	if err := c.beat(c.ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.run()
	c.log.Infow("Cluster coordinator started",
		logger.FieldInstance, c.instance,
		"interval", c.interval,
	)
	return nil
}

// Stop halts the heartbeat loop and withdraws this node's check-in so peers
// do not wait out the stale deadline before reassigning its work.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.checkIns.Delete(ctx, c.scheduler, c.instance); err != nil && !store.IsNotFound(err) {
		c.log.Warnw("Failed to withdraw check-in on shutdown", logger.FieldError, err)
	}
	c.log.Infow("Cluster coordinator stopped", logger.FieldInstance, c.instance)
}

// SetState records a lifecycle state change (paused, resumed) in the next
// heartbeat.
func (c *Coordinator) SetState(state store.CheckInState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// LastBeat reports when this node last checked in and how many beats it has
// made since starting.
func (c *Coordinator) LastBeat() (time.Time, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBeatAt, c.beats
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case tickTime := <-ticker.C:
			if err := c.beat(c.ctx); err != nil {
				c.log.Warnw("Heartbeat failed", logger.FieldError, err)
				continue
			}
			c.mu.Lock()
			c.lastBeatAt = tickTime
			c.beats++
			c.mu.Unlock()

			if err := c.sweepStale(c.ctx, tickTime.UTC()); err != nil {
				c.log.Warnw("Stale-peer sweep failed", logger.FieldError, err)
			}
		}
	}
}

func (c *Coordinator) beat(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	return c.checkIns.Upsert(ctx, &store.CheckIn{
		Scheduler:   c.scheduler,
		Instance:    c.instance,
		LastCheckIn: time.Now().UTC(),
		Interval:    c.interval,
		State:       state,
	})
}

// sweepStale partitions the membership into live and dead by each peer's own
// declared interval, then recovers everything the dead peers held.
func (c *Coordinator) sweepStale(ctx context.Context, now time.Time) error {
	members, err := c.checkIns.List(ctx, c.scheduler)
	if err != nil {
		return err
	}

	var live, dead []string
	for _, member := range members {
		deadline := time.Duration(float64(member.Interval) * c.staleMultiplier)
		if member.Instance != c.instance && now.Sub(member.LastCheckIn) > deadline {
			dead = append(dead, member.Instance)
			continue
		}
		live = append(live, member.Instance)
	}

	if len(dead) == 0 {
		return nil
	}

	c.log.Infow("Detected stale cluster members", "instances", dead)
	return c.recoverer.Sweep(ctx, live, dead)
}

// recoverSelf sweeps work still attributed to this instance from before a
// restart. The live set is every registered peer, so only this node's own
// leftovers (and those of already-dead peers) are touched.
func (c *Coordinator) recoverSelf(ctx context.Context) error {
	members, err := c.checkIns.List(ctx, c.scheduler)
	if err != nil {
		return err
	}

	var live []string
	for _, member := range members {
		if member.Instance == c.instance {
			continue
		}
		live = append(live, member.Instance)
	}

	return c.recoverer.Sweep(ctx, live, []string{c.instance})
}
