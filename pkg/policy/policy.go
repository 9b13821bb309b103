// Package policy implements the two migration-selection policies
// (spec.md §4.2, §4.3): compaction, which consolidates partially
// allocated nodes, and priority-promotion, which moves a job from a
// lower-priority partition into a higher-priority partition's idle
// capacity. Neither policy mutates cluster state directly; both return a
// candidate for the caller (the agent) to hand to a driver.
package policy

import (
	"context"

	"github.com/oceanbyte/migrated/pkg/metrics"
	"github.com/oceanbyte/migrated/pkg/types"
)

// Prober is the subset of driver behavior a policy needs: can this job be
// migrated, dry-run only, with the given placement overrides. Satisfied
// by *driver.Driver via a thin adapter so policy does not import driver
// directly (spec.md §9's "one-way interfaces" design note: policies
// depend on a controller-snapshot reader and nothing downstream of it).
type Prober interface {
	Probe(ctx context.Context, req *types.MigrationRequest) bool
}

// Candidate is a policy's proposed migration.
type Candidate struct {
	JobID                string
	DestinationPartition string // empty if unspecified (scheduler chooses)
}

const name = "policy"

func observe(policyName, outcome string) {
	metrics.PolicyDecisionsTotal.WithLabelValues(policyName, outcome).Inc()
}
