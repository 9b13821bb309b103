// Package driver implements the per-job migration state machine
// (spec.md §4.4): Verify → DryRun → Checkpoint → WaitTerminate →
// WaitPurge → Restart → UpdatePlacement → Done, with DryRun terminal
// when the request is test_only.
package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oceanbyte/migrated/pkg/controller"
	"github.com/oceanbyte/migrated/pkg/hostlist"
	"github.com/oceanbyte/migrated/pkg/log"
	"github.com/oceanbyte/migrated/pkg/metrics"
	"github.com/oceanbyte/migrated/pkg/types"
)

// Config holds driver tunables. Zero-value Config is filled in with
// DefaultConfig's values by New.
type Config struct {
	// CheckpointRoot is the directory under which each job's checkpoint
	// subdirectory is created (spec.md §3 "Checkpoint directory").
	CheckpointRoot string

	// PollInterval is how often WaitTerminate and WaitPurge re-check job
	// state (spec.md §4.4: "Poll ... at 1-second intervals").
	PollInterval time.Duration

	// WaitTerminateTimeout and WaitPurgeTimeout bound the two polling
	// loops. spec.md §9 flags the source's indefinite sleep(1) loops as
	// an anti-pattern to fix; these enforce an absolute deadline instead
	// of blocking forever.
	WaitTerminateTimeout time.Duration
	WaitPurgeTimeout     time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointRoot:       "/var/lib/migrate/checkpoints",
		PollInterval:         time.Second,
		WaitTerminateTimeout: 10 * time.Minute,
		WaitPurgeTimeout:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckpointRoot == "" {
		c.CheckpointRoot = d.CheckpointRoot
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.WaitTerminateTimeout <= 0 {
		c.WaitTerminateTimeout = d.WaitTerminateTimeout
	}
	if c.WaitPurgeTimeout <= 0 {
		c.WaitPurgeTimeout = d.WaitPurgeTimeout
	}
	return c
}

// Driver drives a single migration's state machine. A Driver instance is
// not reused across concurrent migrations of the same job id — the
// caller (agent, drain, frontend) is responsible for holding no more than
// one driver per job id at a time (spec.md §3's ownership invariant).
type Driver struct {
	ctrl controller.Controller
	cfg  Config
}

// New constructs a Driver over the given controller.
func New(ctrl controller.Controller, cfg Config) *Driver {
	return &Driver{ctrl: ctrl, cfg: cfg.withDefaults()}
}

// Result is returned by a successful Run.
type Result struct {
	JobID     string
	RequestID string
	TestOnly  bool
}

// Run drives req through the full state machine, returning on the first
// failure or on successful completion (or successful dry-run, if
// req.TestOnly). The returned error, if non-nil, is always a
// *MigrationError.
func (d *Driver) Run(ctx context.Context, req *types.MigrationRequest) (*Result, error) {
	requestID := uuid.NewString()
	logger := log.WithJobID(req.JobID).With().Str("request_id", requestID).Logger()

	timer := metrics.NewTimer()
	state := Verify
	defer func() {
		metrics.DriverMigrationDuration.Observe(timer.Duration().Seconds())
	}()

	job, err := d.verify(ctx, req, logger)
	if err != nil {
		return d.finish(state, err, requestID, logger)
	}

	state = DryRun
	hypothetical, err := d.dryRun(ctx, req, job, logger)
	if err != nil {
		return d.finish(state, err, requestID, logger)
	}
	if req.TestOnly {
		return d.finish(state, nil, requestID, logger)
	}

	dir := CheckpointDir(d.cfg.CheckpointRoot, req.JobID)

	state = Checkpoint
	if err := d.checkpoint(ctx, req, dir, logger); err != nil {
		return d.finish(state, err, requestID, logger)
	}

	state = WaitTerminate
	if err := d.waitTerminate(ctx, req.JobID, logger); err != nil {
		return d.finish(state, err, requestID, logger)
	}

	state = WaitPurge
	if err := d.waitPurge(ctx, req.JobID, logger); err != nil {
		return d.finish(state, err, requestID, logger)
	}

	state = Restart
	if err := d.restart(ctx, req, dir, logger); err != nil {
		return d.finish(state, err, requestID, logger)
	}

	state = UpdatePlacement
	if err := d.updatePlacement(ctx, req, hypothetical, logger); err != nil {
		return d.finish(state, err, requestID, logger)
	}

	return d.finish(Done, nil, requestID, logger)
}

func (d *Driver) finish(state State, err error, requestID string, logger zerolog.Logger) (*Result, error) {
	if err != nil {
		var code Code = Error
		if me, ok := err.(*MigrationError); ok {
			code = me.Code
		}
		metrics.DriverInvocationsTotal.WithLabelValues(code.String()).Inc()
		logger.Error().Err(err).Str("state", state.String()).Msg("migration failed")
		return nil, err
	}
	metrics.DriverInvocationsTotal.WithLabelValues(Success.String()).Inc()
	logger.Info().Str("state", state.String()).Msg("migration step completed")
	return &Result{RequestID: requestID}, nil
}

// Probe runs Verify and DryRun only (forcing TestOnly) and reports
// whether the migration described by req is currently feasible, without
// any side effects. Policies use this to evaluate candidates before
// handing one to a real invocation of Run (spec.md §4.2 step 3, §4.3
// step 3: "dry-run the candidate migration").
func (d *Driver) Probe(ctx context.Context, req *types.MigrationRequest) bool {
	probeReq := *req
	probeReq.TestOnly = true
	_, err := d.Run(ctx, &probeReq)
	return err == nil
}

// CheckpointDir returns the per-job checkpoint directory path (spec.md §3).
func CheckpointDir(root, jobID string) string {
	return filepath.Join(root, jobID)
}

func stepID(req *types.MigrationRequest) string {
	if req.StepID == "" {
		return StepIDUnset
	}
	return req.StepID
}

// verify implements the Verify state (spec.md §4.4).
func (d *Driver) verify(ctx context.Context, req *types.MigrationRequest, logger zerolog.Logger) (*types.Job, error) {
	if req.JobID == "" {
		return nil, fail(Verify, BadArg, fmt.Errorf("job id is required"))
	}

	job, err := d.ctrl.Job(ctx, req.JobID)
	if err != nil {
		return nil, fail(Verify, Error, err)
	}
	if job == nil {
		return nil, fail(Verify, NotJob, nil)
	}
	if job.State != types.JobStateRunning {
		return nil, fail(Verify, JobError, fmt.Errorf("job is in state %s, not running", job.State))
	}

	ok, _, err := d.ctrl.CheckpointAble(ctx, job.JobID, stepID(req))
	if err != nil {
		return nil, fail(Verify, Error, err)
	}
	if !ok {
		return nil, fail(Verify, JobError, fmt.Errorf("job is not checkpointable"))
	}

	if job.RequiredNodes != "" && req.DestinationNodes != "" {
		return nil, fail(Verify, JobError, fmt.Errorf("job has user-required nodes %q which conflicts with requested destination %q", job.RequiredNodes, req.DestinationNodes))
	}

	logger.Debug().Msg("verify ok")
	return job, nil
}

// dryRun implements the DryRun state: build a hypothetical job
// description and ask job_will_run whether it's schedulable.
func (d *Driver) dryRun(ctx context.Context, req *types.MigrationRequest, job *types.Job, logger zerolog.Logger) (*types.Job, error) {
	hypothetical := buildHypothetical(job, req)

	ok, err := d.ctrl.JobWillRun(ctx, hypothetical)
	if err != nil {
		return nil, fail(DryRun, Error, err)
	}
	if !ok {
		return nil, fail(DryRun, DestError, fmt.Errorf("hypothetical placement would not run"))
	}

	logger.Debug().Bool("test_only", req.TestOnly).Msg("dry run feasible")
	return hypothetical, nil
}

// buildHypothetical copies the user-visible submission fields of job and
// overlays the request's placement overrides, per spec.md §4.4.
func buildHypothetical(job *types.Job, req *types.MigrationRequest) *types.Job {
	h := *job // copy every user-visible submission field
	h.JobID = ""
	h.Priority = -1 // NO_VAL - 1, marks this as a hypothetical submission

	if req.Shared != nil {
		h.Shared = *req.Shared
	}
	if req.DestinationNodes != "" {
		h.RequiredNodes = req.DestinationNodes
	}
	if req.DestinationPartition != "" {
		h.Partition = req.DestinationPartition
	}
	if req.ExcludedNodes != "" {
		h.ExcludedNodes = hostlist.Merge(job.ExcludedNodes, req.ExcludedNodes).String()
	}
	if req.Spread != nil {
		h.Spread = *req.Spread
	}
	return &h
}

// checkpoint implements the Checkpoint state.
func (d *Driver) checkpoint(ctx context.Context, req *types.MigrationRequest, dir string, logger zerolog.Logger) error {
	if err := d.ctrl.CheckpointVacate(ctx, req.JobID, stepID(req), dir); err != nil {
		return fail(Checkpoint, Error, err)
	}
	logger.Info().Str("checkpoint_dir", dir).Msg("checkpoint_vacate issued")
	return nil
}

// waitTerminate implements the WaitTerminate state: poll until the job
// leaves running state, bounded by WaitTerminateTimeout.
func (d *Driver) waitTerminate(ctx context.Context, jobID string, logger zerolog.Logger) error {
	deadline := time.Now().Add(d.cfg.WaitTerminateTimeout)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := d.ctrl.Job(ctx, jobID)
		if err != nil {
			return fail(WaitTerminate, Error, err)
		}
		if job == nil || job.State != types.JobStateRunning {
			if job != nil && job.State != types.JobStateComplete {
				return fail(WaitTerminate, Error, fmt.Errorf("job left running state as %s, not complete", job.State))
			}
			logger.Debug().Msg("job completed")
			return nil
		}
		if time.Now().After(deadline) {
			return fail(WaitTerminate, Error, fmt.Errorf("timed out waiting for job to terminate"))
		}

		select {
		case <-ctx.Done():
			return fail(WaitTerminate, Error, ctx.Err())
		case <-ticker.C:
		}
	}
}

// waitPurge implements the WaitPurge state: poll until the controller
// reports the job as purged (not found), bounded by WaitPurgeTimeout.
func (d *Driver) waitPurge(ctx context.Context, jobID string, logger zerolog.Logger) error {
	deadline := time.Now().Add(d.cfg.WaitPurgeTimeout)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		job, err := d.ctrl.Job(ctx, jobID)
		if err != nil {
			return fail(WaitPurge, Error, err)
		}
		if job == nil {
			logger.Debug().Msg("job purged")
			return nil
		}
		if time.Now().After(deadline) {
			return fail(WaitPurge, Error, fmt.Errorf("timed out waiting for job to be purged"))
		}

		select {
		case <-ctx.Done():
			return fail(WaitPurge, Error, ctx.Err())
		case <-ticker.C:
		}
	}
}

// restart implements the Restart state.
func (d *Driver) restart(ctx context.Context, req *types.MigrationRequest, dir string, logger zerolog.Logger) error {
	if err := d.ctrl.CheckpointRestart(ctx, req.JobID, stepID(req), dir); err != nil {
		return fail(Restart, Error, err)
	}
	logger.Info().Msg("checkpoint_restart issued")
	return nil
}

// updatePlacement implements the UpdatePlacement state: apply only the
// mutable placement overrides that accompanied the request, then top the
// job's queue.
func (d *Driver) updatePlacement(ctx context.Context, req *types.MigrationRequest, hypothetical *types.Job, logger zerolog.Logger) error {
	overrides := types.MutablePlacement{}
	if req.DestinationNodes != "" {
		overrides.RequiredNodes = &hypothetical.RequiredNodes
	}
	if req.ExcludedNodes != "" {
		overrides.ExcludedNodes = &hypothetical.ExcludedNodes
	}
	if req.DestinationPartition != "" {
		overrides.Partition = &hypothetical.Partition
	}
	if req.Shared != nil {
		overrides.Shared = req.Shared
	}
	if req.Spread != nil {
		overrides.Spread = req.Spread
	}

	if err := d.ctrl.UpdateJob(ctx, req.JobID, overrides); err != nil {
		return fail(UpdatePlacement, Error, err)
	}
	if err := d.ctrl.TopJob(ctx, req.JobID); err != nil {
		return fail(UpdatePlacement, Error, err)
	}
	logger.Info().Msg("placement updated and job topped")
	return nil
}
