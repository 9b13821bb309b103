package policy

import (
	"context"
	"sort"

	"github.com/oceanbyte/migrated/pkg/hostlist"
	"github.com/oceanbyte/migrated/pkg/types"
)

const promotionName = "promotion"

// Promotion moves a job from a lower-priority partition into a
// higher-priority partition's idle capacity (spec.md §4.3).
type Promotion struct {
	Prober Prober
}

// Select runs the priority-promotion algorithm against snap.
func (p *Promotion) Select(ctx context.Context, snap *types.Snapshot) (*Candidate, error) {
	idle := partitionIdleCPUs(snap)

	ordered := make([]*types.Partition, len(snap.Partitions))
	copy(ordered, snap.Partitions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PriorityJobFactor > ordered[j].PriorityJobFactor
	})

	for _, high := range ordered {
		for _, low := range ordered {
			if low.Name == high.Name {
				continue
			}
			if low.PriorityJobFactor >= high.PriorityJobFactor {
				continue
			}

			job := largestEligibleJob(snap, low, idle[high.Name])
			if job == nil {
				continue
			}

			req := &types.MigrationRequest{
				JobID:                job.JobID,
				DestinationPartition: high.Name,
				TestOnly:             true,
			}
			if !p.Prober.Probe(ctx, req) {
				continue
			}

			observe(promotionName, "candidate")
			return &Candidate{JobID: job.JobID, DestinationPartition: high.Name}, nil
		}
	}

	observe(promotionName, "nothing")
	return nil, nil
}

// partitionIdleCPUs sums idle CPUs across each partition's member nodes
// in state idle, allocated, or mixed.
func partitionIdleCPUs(snap *types.Snapshot) map[string]int {
	idle := make(map[string]int, len(snap.Partitions))
	for _, part := range snap.Partitions {
		members := hostlist.Create(part.Nodes)
		total := 0
		for _, n := range snap.Nodes {
			if !members.Find(n.Name) {
				continue
			}
			switch n.State {
			case types.NodeStateIdle, types.NodeStateAllocated, types.NodeStateMixed:
				total += n.IdleCPUs()
			}
		}
		idle[part.Name] = total
	}
	return idle
}

// largestEligibleJob finds the single largest running job in part whose
// num_tasks fits within idleHigh and whose required_nodes is empty.
func largestEligibleJob(snap *types.Snapshot, part *types.Partition, idleHigh int) *types.Job {
	var best *types.Job
	for _, job := range snap.Jobs {
		if job.Partition != part.Name {
			continue
		}
		if job.State != types.JobStateRunning {
			continue
		}
		if job.RequiredNodes != "" {
			continue
		}
		if job.NumTasks > idleHigh {
			continue
		}
		if best == nil || job.NumTasks > best.NumTasks {
			best = job
		}
	}
	return best
}
