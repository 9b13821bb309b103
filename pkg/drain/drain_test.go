package drain_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbyte/migrated/pkg/controller"
	"github.com/oceanbyte/migrated/pkg/drain"
	"github.com/oceanbyte/migrated/pkg/driver"
	"github.com/oceanbyte/migrated/pkg/types"
)

type fakeController struct {
	jobs    map[string]*types.Job
	nodes   map[string]types.NodeState
	vacated map[string]*types.Job
}

func (f *fakeController) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	snap := &types.Snapshot{}
	for _, j := range f.jobs {
		snap.Jobs = append(snap.Jobs, j)
	}
	for name, state := range f.nodes {
		snap.Nodes = append(snap.Nodes, &types.Node{Name: name, State: state, CPUs: 4})
	}
	return snap, nil
}

func (f *fakeController) Job(ctx context.Context, jobID string) (*types.Job, error) {
	return f.jobs[jobID], nil
}

func (f *fakeController) UpdateJob(ctx context.Context, jobID string, overrides types.MutablePlacement) error {
	return nil
}

func (f *fakeController) UpdateNode(ctx context.Context, name string, newState types.NodeState) (types.NodeState, error) {
	prev := f.nodes[name]
	f.nodes[name] = newState
	return prev, nil
}

func (f *fakeController) TopJob(ctx context.Context, jobID string) error { return nil }

func (f *fakeController) CheckpointAble(ctx context.Context, jobID, stepID string) (bool, time.Time, error) {
	return true, time.Time{}, nil
}

// CheckpointVacate simulates checkpoint-and-terminate followed by an
// immediate purge of the job record, so the driver's WaitTerminate and
// WaitPurge polls both finish on their first check.
func (f *fakeController) CheckpointVacate(ctx context.Context, jobID, stepID, dir string) error {
	if f.vacated == nil {
		f.vacated = map[string]*types.Job{}
	}
	f.vacated[jobID] = f.jobs[jobID]
	delete(f.jobs, jobID)
	return nil
}

// CheckpointRestart puts a vacated job record back.
func (f *fakeController) CheckpointRestart(ctx context.Context, jobID, stepID, dir string) error {
	if j, ok := f.vacated[jobID]; ok {
		f.jobs[jobID] = j
		delete(f.vacated, jobID)
	}
	return nil
}

func (f *fakeController) JobWillRun(ctx context.Context, hypothetical *types.Job) (bool, error) {
	return true, nil
}

func (f *fakeController) AcquireComposite(ctx context.Context) (func(), error) {
	return func() {}, nil
}

var _ controller.Controller = (*fakeController)(nil)

func TestDrain_NoSuchNode(t *testing.T) {
	fc := &fakeController{jobs: map[string]*types.Job{}, nodes: map[string]types.NodeState{}}
	d := drain.New(fc, driver.New(fc, driver.Config{}))

	_, err := d.Drain(context.Background(), "missing")
	require.Error(t, err)
}

func TestDrain_SingleNodeJobs_Success(t *testing.T) {
	fc := &fakeController{
		jobs: map[string]*types.Job{
			"X": {JobID: "X", State: types.JobStateRunning, AssignedNodes: "n3"},
		},
		nodes: map[string]types.NodeState{"n3": types.NodeStateAllocated},
	}
	d := drain.New(fc, driver.New(fc, driver.Config{PollInterval: time.Millisecond, WaitTerminateTimeout: 50 * time.Millisecond, WaitPurgeTimeout: 50 * time.Millisecond}))

	res, err := d.Drain(context.Background(), "n3")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)
	assert.False(t, res.RolledBack)
	assert.Equal(t, types.NodeStateDrain, fc.nodes["n3"])
}

func TestDrain_DryRunFailureRollsBackNodeState(t *testing.T) {
	fc := &fakeController{
		jobs: map[string]*types.Job{
			"Z": {JobID: "Z", State: types.JobStateRunning, AssignedNodes: "n5"},
		},
		nodes: map[string]types.NodeState{"n5": types.NodeStateMixed},
	}

	// Model an unmigratable job (e.g. one spanning more than one node)
	// via a controller that always rejects checkpoint-ability; the
	// specific rejection reason doesn't matter to the drain orchestrator,
	// only that the dry-run fails.
	failing := &failingCheckpointController{fakeController: fc}
	d := drain.New(failing, driver.New(failing, driver.Config{}))

	res, err := d.Drain(context.Background(), "n5")
	require.Error(t, err)
	assert.True(t, res.RolledBack)
	assert.Equal(t, types.NodeStateMixed, fc.nodes["n5"])
}

type failingCheckpointController struct {
	*fakeController
}

func (f *failingCheckpointController) CheckpointAble(ctx context.Context, jobID, stepID string) (bool, time.Time, error) {
	return false, time.Time{}, nil
}
