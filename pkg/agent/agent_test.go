package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbyte/migrated/pkg/agent"
	"github.com/oceanbyte/migrated/pkg/controller"
	"github.com/oceanbyte/migrated/pkg/driver"
	"github.com/oceanbyte/migrated/pkg/policy"
	"github.com/oceanbyte/migrated/pkg/types"
)

type fakeController struct {
	snap      *types.Snapshot
	snapErr   error
	jobs      map[string]*types.Job
	acquireErr error
}

func (f *fakeController) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	return f.snap, f.snapErr
}

func (f *fakeController) Job(ctx context.Context, jobID string) (*types.Job, error) {
	return f.jobs[jobID], nil
}

func (f *fakeController) UpdateJob(ctx context.Context, jobID string, overrides types.MutablePlacement) error {
	return nil
}

func (f *fakeController) UpdateNode(ctx context.Context, name string, newState types.NodeState) (types.NodeState, error) {
	return types.NodeStateIdle, nil
}

func (f *fakeController) TopJob(ctx context.Context, jobID string) error { return nil }

func (f *fakeController) CheckpointAble(ctx context.Context, jobID, stepID string) (bool, time.Time, error) {
	return true, time.Time{}, nil
}

func (f *fakeController) CheckpointVacate(ctx context.Context, jobID, stepID, dir string) error {
	return nil
}

func (f *fakeController) CheckpointRestart(ctx context.Context, jobID, stepID, dir string) error {
	return nil
}

func (f *fakeController) JobWillRun(ctx context.Context, hypothetical *types.Job) (bool, error) {
	return true, nil
}

func (f *fakeController) AcquireComposite(ctx context.Context) (func(), error) {
	return func() {}, f.acquireErr
}

var _ controller.Controller = (*fakeController)(nil)

// nothingSelector never proposes a candidate.
type nothingSelector struct{}

func (nothingSelector) Select(ctx context.Context, snap *types.Snapshot) (*policy.Candidate, error) {
	return nil, nil
}

func TestTick_NoRunningJobs_SkipsDispatch(t *testing.T) {
	fc := &fakeController{snap: &types.Snapshot{}, jobs: map[string]*types.Job{}}
	diag := controller.NewDiagnostics()
	drv := driver.New(fc, driver.Config{})
	a := agent.New(fc, diag, drv, []agent.Selector{nothingSelector{}}, agent.Config{Interval: 5 * time.Millisecond, ShortSleep: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	diag.RequestStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent did not stop after RequestStop")
	}

	assert.False(t, diag.MigrationActive())
}

// refusingSelector fails the test if it is ever consulted; used to prove
// a pending job short-circuits dispatch before policy selection runs.
type refusingSelector struct{ t *testing.T }

func (r refusingSelector) Select(ctx context.Context, snap *types.Snapshot) (*policy.Candidate, error) {
	r.t.Fatal("policy should not be consulted while a job is pending")
	return nil, nil
}

func TestTick_PendingJob_DeclinesWithoutDispatch(t *testing.T) {
	fc := &fakeController{
		snap: &types.Snapshot{Jobs: []*types.Job{
			{JobID: "1", State: types.JobStateRunning},
			{JobID: "2", State: types.JobStatePending},
		}},
		jobs: map[string]*types.Job{},
	}
	diag := controller.NewDiagnostics()
	drv := driver.New(fc, driver.Config{})
	a := agent.New(fc, diag, drv, []agent.Selector{refusingSelector{t: t}}, agent.Config{Interval: 5 * time.Millisecond, ShortSleep: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	diag.RequestStop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("agent did not stop after RequestStop")
	}

	assert.False(t, diag.MigrationActive())
}

func TestTick_AcquireFails_Skips(t *testing.T) {
	fc := &fakeController{
		snap:       &types.Snapshot{Jobs: []*types.Job{{JobID: "1", State: types.JobStateRunning}}},
		acquireErr: assertErr,
	}
	diag := controller.NewDiagnostics()
	drv := driver.New(fc, driver.Config{})
	a := agent.New(fc, diag, drv, nil, agent.Config{Interval: 5 * time.Millisecond, ShortSleep: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	diag.RequestStop()

	assert.False(t, diag.MigrationActive())
}

var assertErr = errTest("acquire failed")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestDefaultConfig(t *testing.T) {
	cfg := agent.DefaultConfig()
	require.Equal(t, 30*time.Second, cfg.Interval)
	require.Equal(t, time.Second, cfg.ShortSleep)
}
