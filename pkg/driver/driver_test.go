package driver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbyte/migrated/pkg/controller"
	"github.com/oceanbyte/migrated/pkg/driver"
	"github.com/oceanbyte/migrated/pkg/types"
)

// fakeController is a minimal, in-memory controller.Controller for
// exercising the driver state machine without a real cluster.
type fakeController struct {
	jobs map[string]*types.Job

	checkpointAble   bool
	checkpointAbleErr error
	willRun          bool
	willRunErr       error
	vacateErr        error
	restartErr       error
	updateErr        error
	topErr           error

	// terminateAfter simulates the job leaving running state after N Job
	// calls from waitTerminate; purgeAfter simulates the job disappearing
	// after N further Job calls from waitPurge.
	terminateAfter int
	purgeAfter     int
	jobCalls       int
}

func (f *fakeController) Snapshot(ctx context.Context) (*types.Snapshot, error) { return nil, nil }

func (f *fakeController) Job(ctx context.Context, jobID string) (*types.Job, error) {
	f.jobCalls++
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	if f.terminateAfter > 0 && f.jobCalls > f.terminateAfter {
		cp.State = types.JobStateComplete
	}
	if f.purgeAfter > 0 && f.jobCalls > f.terminateAfter+f.purgeAfter {
		return nil, nil
	}
	return &cp, nil
}

func (f *fakeController) UpdateJob(ctx context.Context, jobID string, overrides types.MutablePlacement) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	j := f.jobs[jobID]
	if overrides.RequiredNodes != nil {
		j.RequiredNodes = *overrides.RequiredNodes
	}
	if overrides.ExcludedNodes != nil {
		j.ExcludedNodes = *overrides.ExcludedNodes
	}
	if overrides.Partition != nil {
		j.Partition = *overrides.Partition
	}
	if overrides.Shared != nil {
		j.Shared = *overrides.Shared
	}
	if overrides.Spread != nil {
		j.Spread = *overrides.Spread
	}
	return nil
}

func (f *fakeController) UpdateNode(ctx context.Context, name string, newState types.NodeState) (types.NodeState, error) {
	return types.NodeStateIdle, nil
}

func (f *fakeController) TopJob(ctx context.Context, jobID string) error { return f.topErr }

func (f *fakeController) CheckpointAble(ctx context.Context, jobID, stepID string) (bool, time.Time, error) {
	return f.checkpointAble, time.Time{}, f.checkpointAbleErr
}

func (f *fakeController) CheckpointVacate(ctx context.Context, jobID, stepID, dir string) error {
	return f.vacateErr
}

func (f *fakeController) CheckpointRestart(ctx context.Context, jobID, stepID, dir string) error {
	return f.restartErr
}

func (f *fakeController) JobWillRun(ctx context.Context, hypothetical *types.Job) (bool, error) {
	return f.willRun, f.willRunErr
}

func (f *fakeController) AcquireComposite(ctx context.Context) (func(), error) {
	return func() {}, nil
}

var _ controller.Controller = (*fakeController)(nil)

func runningJob(id string) *types.Job {
	return &types.Job{JobID: id, State: types.JobStateRunning}
}

func testConfig() driver.Config {
	return driver.Config{
		PollInterval:         time.Millisecond,
		WaitTerminateTimeout: 50 * time.Millisecond,
		WaitPurgeTimeout:     50 * time.Millisecond,
	}
}

func TestRun_NotJob(t *testing.T) {
	fc := &fakeController{jobs: map[string]*types.Job{}}
	d := driver.New(fc, testConfig())

	_, err := d.Run(context.Background(), &types.MigrationRequest{JobID: "123"})
	require.Error(t, err)
	var merr *driver.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, driver.NotJob, merr.Code)
	assert.Equal(t, driver.Verify, merr.State)
}

func TestRun_BadArg_EmptyJobID(t *testing.T) {
	fc := &fakeController{jobs: map[string]*types.Job{}}
	d := driver.New(fc, testConfig())

	_, err := d.Run(context.Background(), &types.MigrationRequest{})
	require.Error(t, err)
	var merr *driver.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, driver.BadArg, merr.Code)
}

func TestRun_JobError_NotRunning(t *testing.T) {
	fc := &fakeController{jobs: map[string]*types.Job{
		"1": {JobID: "1", State: types.JobStatePending},
	}}
	d := driver.New(fc, testConfig())

	_, err := d.Run(context.Background(), &types.MigrationRequest{JobID: "1"})
	require.Error(t, err)
	var merr *driver.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, driver.JobError, merr.Code)
}

func TestRun_JobError_NotCheckpointable(t *testing.T) {
	fc := &fakeController{
		jobs:           map[string]*types.Job{"1": runningJob("1")},
		checkpointAble: false,
	}
	d := driver.New(fc, testConfig())

	_, err := d.Run(context.Background(), &types.MigrationRequest{JobID: "1"})
	require.Error(t, err)
	var merr *driver.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, driver.JobError, merr.Code)
	assert.Equal(t, driver.Verify, merr.State)
}

func TestRun_JobError_ConflictingRequiredNodes(t *testing.T) {
	j := runningJob("1")
	j.RequiredNodes = "node01"
	fc := &fakeController{
		jobs:           map[string]*types.Job{"1": j},
		checkpointAble: true,
	}
	d := driver.New(fc, testConfig())

	_, err := d.Run(context.Background(), &types.MigrationRequest{JobID: "1", DestinationNodes: "node02"})
	require.Error(t, err)
	var merr *driver.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, driver.JobError, merr.Code)
}

func TestRun_DestError_WillNotRun(t *testing.T) {
	fc := &fakeController{
		jobs:           map[string]*types.Job{"1": runningJob("1")},
		checkpointAble: true,
		willRun:        false,
	}
	d := driver.New(fc, testConfig())

	_, err := d.Run(context.Background(), &types.MigrationRequest{JobID: "1"})
	require.Error(t, err)
	var merr *driver.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, driver.DestError, merr.Code)
	assert.Equal(t, driver.DryRun, merr.State)
}

func TestRun_TestOnly_ShortCircuits(t *testing.T) {
	fc := &fakeController{
		jobs:           map[string]*types.Job{"1": runningJob("1")},
		checkpointAble: true,
		willRun:        true,
		restartErr:     errors.New("should never be called"),
	}
	d := driver.New(fc, testConfig())

	res, err := d.Run(context.Background(), &types.MigrationRequest{JobID: "1", TestOnly: true})
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestRun_FullSuccess(t *testing.T) {
	fc := &fakeController{
		jobs:           map[string]*types.Job{"1": runningJob("1")},
		checkpointAble: true,
		willRun:        true,
		terminateAfter: 2,
		purgeAfter:     2,
	}
	d := driver.New(fc, testConfig())

	res, err := d.Run(context.Background(), &types.MigrationRequest{
		JobID:            "1",
		DestinationNodes: "node05",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "node05", fc.jobs["1"].RequiredNodes)
}

func TestRun_WaitTerminateTimesOut(t *testing.T) {
	fc := &fakeController{
		jobs:           map[string]*types.Job{"1": runningJob("1")},
		checkpointAble: true,
		willRun:        true,
		terminateAfter: 0, // job never leaves running state
	}
	cfg := testConfig()
	cfg.WaitTerminateTimeout = 5 * time.Millisecond
	d := driver.New(fc, cfg)

	_, err := d.Run(context.Background(), &types.MigrationRequest{JobID: "1"})
	require.Error(t, err)
	var merr *driver.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, driver.WaitTerminate, merr.State)
}

func TestRun_CheckpointVacateFails(t *testing.T) {
	fc := &fakeController{
		jobs:           map[string]*types.Job{"1": runningJob("1")},
		checkpointAble: true,
		willRun:        true,
		vacateErr:      errors.New("vacate failed"),
	}
	d := driver.New(fc, testConfig())

	_, err := d.Run(context.Background(), &types.MigrationRequest{JobID: "1"})
	require.Error(t, err)
	var merr *driver.MigrationError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, driver.Checkpoint, merr.State)
	assert.Equal(t, driver.Error, merr.Code)
}
