package driver

import "fmt"

// Code is the driver's error taxonomy (spec.md §7).
type Code int

const (
	// Success: migration completed, or dry-run found the migration
	// feasible.
	Success Code = iota
	// BadArg: conflicting or nonsensical request.
	BadArg
	// NotJob: job id does not resolve to any known job.
	NotJob
	// JobError: job exists but is not in a state compatible with
	// migration.
	JobError
	// DestError: destination nodes or partition unusable.
	DestError
	// Error: generic failure during checkpoint, wait, restart, or
	// update.
	Error
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case BadArg:
		return "bad_arg"
	case NotJob:
		return "not_job"
	case JobError:
		return "job_error"
	case DestError:
		return "dest_error"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MigrationError carries a Code plus the underlying cause, if any. The
// driver returns the first failure it encounters (spec.md §7's
// propagation policy) and never wraps a second error over it.
type MigrationError struct {
	Code  Code
	State State
	Cause error
}

func (e *MigrationError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("migration: %s in state %s", e.Code, e.State)
	}
	return fmt.Sprintf("migration: %s in state %s: %v", e.Code, e.State, e.Cause)
}

func (e *MigrationError) Unwrap() error {
	return e.Cause
}

func fail(state State, code Code, cause error) *MigrationError {
	return &MigrationError{Code: code, State: state, Cause: cause}
}

// NewError constructs a *MigrationError for callers outside this package
// that need to report a driver-taxonomy error before a Driver is ever
// invoked (e.g. request validation in pkg/frontend).
func NewError(code Code, cause error) *MigrationError {
	return &MigrationError{Code: code, State: Verify, Cause: cause}
}
