package policy

import (
	"context"

	"github.com/oceanbyte/migrated/pkg/hostlist"
	"github.com/oceanbyte/migrated/pkg/types"
)

const compactionName = "compaction"

// Compaction selects a running job whose migration off a partially
// allocated host would consolidate load (spec.md §4.2).
type Compaction struct {
	Prober Prober
}

// Select runs the compaction algorithm against snap, returning the
// chosen job id or (nil, nil) if no node survives the checks.
func (c *Compaction) Select(ctx context.Context, snap *types.Snapshot) (*Candidate, error) {
	idleOnMixed := 0
	var mixedNodes []*types.Node

	for _, n := range snap.Nodes {
		if n.State != types.NodeStateAllocated && n.State != types.NodeStateMixed {
			continue
		}
		if n.IdleCPUs() == 0 {
			continue
		}
		mixedNodes = append(mixedNodes, n)
		idleOnMixed += n.IdleCPUs()
	}

	for _, node := range mixedNodes {
		// A candidate source's allocated load must not exceed the idle
		// CPUs summed over every allocated/mixed node with spare
		// capacity, this node included.
		if node.AllocatedCPUs > idleOnMixed {
			continue
		}

		jobID, ok := c.surveySource(ctx, snap, node)
		if !ok {
			continue
		}
		observe(compactionName, "candidate")
		return &Candidate{JobID: jobID}, nil
	}

	observe(compactionName, "nothing")
	return nil, nil
}

// surveySource enumerates jobs assigned to node and returns the last
// surviving single-node job whose migration dry-run succeeds, or ok=false
// if the node must be rejected (a multi-node job, or any dry-run fails)
// or has no running job assigned to it.
func (c *Compaction) surveySource(ctx context.Context, snap *types.Snapshot, node *types.Node) (string, bool) {
	var last string
	found := false

	for _, job := range snap.Jobs {
		if job.State != types.JobStateRunning {
			continue
		}
		assigned := hostlist.Create(job.AssignedNodes)
		if !assigned.Find(node.Name) {
			continue
		}
		if assigned.Count() > 1 {
			return "", false
		}

		if !c.Prober.Probe(ctx, &types.MigrationRequest{JobID: job.JobID, TestOnly: true}) {
			return "", false
		}
		last = job.JobID
		found = true
	}

	return last, found
}
