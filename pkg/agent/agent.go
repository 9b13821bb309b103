// Package agent implements the periodic control loop that drives
// policy-based migration (spec.md §4.1): wake on an interval, claim
// migration_active under the controller's composite lock, and hand off
// to a detached worker that evaluates the configured policies and runs
// the driver on the winning candidate after the lock is released.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oceanbyte/migrated/pkg/controller"
	"github.com/oceanbyte/migrated/pkg/driver"
	"github.com/oceanbyte/migrated/pkg/log"
	"github.com/oceanbyte/migrated/pkg/metrics"
	"github.com/oceanbyte/migrated/pkg/policy"
	"github.com/oceanbyte/migrated/pkg/types"
)

// Selector is satisfied by both policy.Compaction and policy.Promotion.
type Selector interface {
	Select(ctx context.Context, snap *types.Snapshot) (*policy.Candidate, error)
}

// Config holds agent tunables.
type Config struct {
	// Interval is the normal tick period (spec.md §4.1: "default 30").
	Interval time.Duration
	// ShortSleep is used instead of Interval after a tick that skipped
	// work, so the agent notices newly-eligible work quickly.
	ShortSleep time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, ShortSleep: time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.ShortSleep <= 0 {
		c.ShortSleep = d.ShortSleep
	}
	return c
}

// Agent is the background control loop. It is the sole producer of
// policy-driven migrations (spec.md §4.1 "Ordering"); front-end-initiated
// migrations interleave independently and are serialized by the
// controller's per-job write lock, not by the Agent.
type Agent struct {
	ctrl     controller.Controller
	diag     *controller.Diagnostics
	drv      *driver.Driver
	policies []Selector
	cfg      Config

	logger zerolog.Logger

	mu           sync.Mutex
	lastTick     time.Time
	lastSnapHash uint64
	wg           sync.WaitGroup
}

// New constructs an Agent over the given controller, diagnostics record,
// driver, and ordered list of policies (tried first-to-last each tick).
func New(ctrl controller.Controller, diag *controller.Diagnostics, drv *driver.Driver, policies []Selector, cfg Config) *Agent {
	return &Agent{
		ctrl:     ctrl,
		diag:     diag,
		drv:      drv,
		policies: policies,
		cfg:      cfg.withDefaults(),
		logger:   log.WithComponent("agent"),
	}
}

// Run blocks, ticking until ctx is cancelled or diag.RequestStop is
// called, then waits for any in-flight detached worker to finish.
func (a *Agent) Run(ctx context.Context) {
	sleep := a.cfg.Interval
	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return
		case <-a.diag.StopCh():
			a.wg.Wait()
			return
		case <-time.After(sleep):
		}

		// The agent's Config is fixed by New; taking the flag clears it
		// and nothing is reloaded.
		if a.diag.TakeReconfigure() {
			a.logger.Info().Msg("reconfiguration flag observed and cleared")
		}

		skipped := a.tick(ctx)
		if skipped {
			sleep = a.cfg.ShortSleep
		} else {
			sleep = a.cfg.Interval
		}
	}
}

// tick runs one iteration of the per-tick algorithm (spec.md §4.1 steps
// 3-8), returning true if the tick skipped work.
func (a *Agent) tick(ctx context.Context) bool {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AgentTickDuration)

	if a.shouldSkip() {
		metrics.AgentTicksTotal.WithLabelValues("skipped").Inc()
		return true
	}

	release, err := a.ctrl.AcquireComposite(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to acquire composite lock")
		metrics.AgentTicksTotal.WithLabelValues("skipped").Inc()
		return true
	}
	defer release()

	if !a.diag.TryBeginMigration() {
		metrics.AgentTicksTotal.WithLabelValues("skipped").Inc()
		return true
	}

	snap, err := a.ctrl.Snapshot(ctx)
	if err != nil {
		a.diag.EndMigration()
		a.logger.Error().Err(err).Msg("failed to snapshot cluster state")
		metrics.AgentTicksTotal.WithLabelValues("skipped").Inc()
		return true
	}

	if a.noChangeSinceLastTick(snap) {
		a.diag.EndMigration()
		metrics.AgentTicksTotal.WithLabelValues("skipped").Inc()
		return true
	}

	runningQueue := runningJobs(snap)
	if len(runningQueue) == 0 {
		a.diag.EndMigration()
		metrics.AgentTicksTotal.WithLabelValues("no_candidate").Inc()
		a.recordTick(snap)
		return true
	}

	if anyPendingJob(snap) {
		a.logger.Debug().Msg("jobs in queue, declining to migrate")
		a.diag.EndMigration()
		metrics.AgentTicksTotal.WithLabelValues("pending_job").Inc()
		a.recordTick(snap)
		return true
	}

	a.wg.Add(1)
	go a.runDetached(snap)

	metrics.AgentTicksTotal.WithLabelValues("dispatched").Inc()
	a.recordTick(snap)
	return false
}

// shouldSkip implements the pre-lock skip checks of spec.md §4.1 step 3
// that this implementation can evaluate without the controller's own
// internal counters (pending-RPC backlog and front-end-node availability
// are owned by the controller and are not modeled here).
func (a *Agent) shouldSkip() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastTick.IsZero() {
		return false
	}
	return time.Since(a.lastTick) < a.cfg.Interval
}

// noChangeSinceLastTick implements the remainder of spec.md §4.1 step 3:
// skip if no job/node/partition change has occurred since the last
// successful tick. The very first tick always proceeds.
func (a *Agent) noChangeSinceLastTick(snap *types.Snapshot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastTick.IsZero() {
		return false
	}
	return snapshotHash(snap) == a.lastSnapHash
}

func (a *Agent) recordTick(snap *types.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastTick = time.Now()
	a.lastSnapHash = snapshotHash(snap)
}

// runDetached executes policy selection and, on a hit, a full driver
// invocation, without holding the composite lock (spec.md §4.1 step 6:
// "hand off to a detached driver task that runs policy + migration
// without holding the composite lock for the full duration"). It clears
// migration_active on every exit path, including a recovered panic
// (spec.md §9).
func (a *Agent) runDetached(snap *types.Snapshot) {
	defer a.wg.Done()
	defer a.diag.EndMigration()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("recovered panic in detached migration worker")
		}
	}()

	metrics.AgentActive.Set(1)
	defer metrics.AgentActive.Set(0)

	ctx := context.Background()

	for _, sel := range a.policies {
		cand, err := sel.Select(ctx, snap)
		if err != nil {
			a.logger.Error().Err(err).Msg("policy selection failed")
			continue
		}
		if cand == nil {
			continue
		}

		req := &types.MigrationRequest{
			JobID:                cand.JobID,
			DestinationPartition: cand.DestinationPartition,
		}
		if _, err := a.drv.Run(ctx, req); err != nil {
			// Per spec.md §7: "the agent logs and absorbs driver
			// failures — a failed tick does not suspend future ticks."
			a.logger.Error().Err(err).Str("job_id", cand.JobID).Msg("policy-driven migration failed")
		}
		return
	}
}

func runningJobs(snap *types.Snapshot) []*types.Job {
	var out []*types.Job
	for _, j := range snap.Jobs {
		if j.State == types.JobStateRunning {
			out = append(out, j)
		}
	}
	return out
}

// anyPendingJob reports whether any job is still queued. Migrating while
// jobs are pending would contend with the scheduler for the same
// placement decisions the pending jobs are waiting on, so a policy tick
// declines outright rather than racing them (spec.md §8 scenario 3).
func anyPendingJob(snap *types.Snapshot) bool {
	for _, j := range snap.Jobs {
		if j.State == types.JobStatePending {
			return true
		}
	}
	return false
}

// snapshotHash is a cheap fingerprint of job/node/partition state used to
// detect "no change since the last successful tick" (spec.md §4.1 step
// 3). It is intentionally coarse: any shift in counts or states changes
// the hash.
func snapshotHash(snap *types.Snapshot) uint64 {
	var h uint64 = 14695981039346656037
	mix := func(s string) {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211
		}
	}
	for _, j := range snap.Jobs {
		mix(j.JobID)
		mix(string(j.State))
	}
	for _, n := range snap.Nodes {
		mix(n.Name)
		mix(string(n.State))
	}
	for _, p := range snap.Partitions {
		mix(p.Name)
		mix(string(p.State))
	}
	return h
}
