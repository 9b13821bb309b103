// Package controller defines the narrow interfaces the migration
// subsystem consumes from "the existing cluster workload manager"
// (spec.md §1) and the shared diagnostics record that replaces the
// module-level mutable globals spec.md §9 flags as an anti-pattern.
//
// Nothing in this package implements a controller; pkg/refcontroller
// provides a bbolt-backed reference implementation for tests and the
// demo daemon. A production deployment wires these interfaces directly
// against the host scheduler's own RPC client.
package controller

import (
	"context"
	"time"

	"github.com/oceanbyte/migrated/pkg/types"
)

// Reader reads a consistent snapshot of cluster state. Implementations
// must take whatever locks the controller requires internally; callers
// never cache a Reader's result across a suspension point.
type Reader interface {
	// Snapshot returns the current jobs, nodes, and partitions.
	Snapshot(ctx context.Context) (*types.Snapshot, error)

	// Job loads a single job by id, or (nil, nil) if it does not exist.
	Job(ctx context.Context, jobID string) (*types.Job, error)
}

// Mutator applies placement changes to cluster state.
type Mutator interface {
	// UpdateJob applies only the non-nil fields of overrides to the job.
	UpdateJob(ctx context.Context, jobID string, overrides types.MutablePlacement) error

	// UpdateNode sets a node's state, returning its previous state so
	// callers (drain) can roll back.
	UpdateNode(ctx context.Context, name string, newState types.NodeState) (previous types.NodeState, err error)

	// TopJob moves a pending job to the head of its partition's queue.
	TopJob(ctx context.Context, jobID string) error
}

// Checkpoint is the set of checkpoint-runtime primitives the driver
// calls through the controller; the runtime itself is out of scope
// (spec.md §1 Non-goals).
type Checkpoint interface {
	// CheckpointAble reports whether a job/step can be checkpointed and,
	// if so, the time checkpointing would start.
	CheckpointAble(ctx context.Context, jobID, stepID string) (ok bool, startTime time.Time, err error)

	// CheckpointVacate begins a checkpoint-and-terminate of a running
	// job/step into dir.
	CheckpointVacate(ctx context.Context, jobID, stepID, dir string) error

	// CheckpointRestart resumes a job/step from a checkpoint in dir.
	CheckpointRestart(ctx context.Context, jobID, stepID, dir string) error

	// JobWillRun reports whether a hypothetical job description would be
	// schedulable, without side effects.
	JobWillRun(ctx context.Context, hypothetical *types.Job) (bool, error)
}

// Locker provides the composite lock acquisition spec.md §4.1 step 4
// describes: read config & partitions, write jobs & nodes. Release must
// be safe to call exactly once and is always deferred by callers.
type Locker interface {
	// AcquireComposite blocks until the composite lock is held and
	// returns a function that releases it.
	AcquireComposite(ctx context.Context) (release func(), err error)
}

// Controller is the full interface the migration subsystem consumes.
// A production embedding typically implements it as a thin adapter over
// the host scheduler's existing RPC client.
type Controller interface {
	Reader
	Mutator
	Checkpoint
	Locker
}
