// Package frontend implements request validation and the single-shot
// run path shared by the CLI and any other front-end-initiated migration
// (spec.md §6). Front-end migrations interleave with the agent; they are
// not serialized by the agent itself (spec.md §4.1 "Ordering").
package frontend

import (
	"context"
	"fmt"

	"github.com/oceanbyte/migrated/pkg/drain"
	"github.com/oceanbyte/migrated/pkg/driver"
	"github.com/oceanbyte/migrated/pkg/types"
)

// ValidateRequest enforces spec.md §6's "exactly one of job_id and
// drain_node is meaningful per request; both set is a rejected invalid
// request."
func ValidateRequest(req *types.MigrationRequest) error {
	hasJob := req.JobID != ""
	hasDrain := req.IsDrain()

	if hasJob == hasDrain {
		return driver.NewError(driver.BadArg, fmt.Errorf("exactly one of job id and drain node must be set"))
	}
	return nil
}

// Frontend wires a driver and a drainer behind request validation.
type Frontend struct {
	Driver *driver.Driver
	Drain  *drain.Drainer
}

// RunOnce validates req and dispatches it to either the driver (single
// job) or the drain orchestrator (drain node), per spec.md §6.
func (f *Frontend) RunOnce(ctx context.Context, req *types.MigrationRequest) (*driver.Result, *drain.Result, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, nil, err
	}

	if req.IsDrain() {
		res, err := f.Drain.Drain(ctx, req.DrainNode)
		return nil, res, err
	}

	res, err := f.Driver.Run(ctx, req)
	return res, nil, err
}
