package controller

import "sync"

// Diagnostics is the shared mutable state spec.md §9 calls out by name:
// migration_active, stop, and the reconfiguration flag. It replaces the
// module-level globals flagged as an anti-pattern with a single record,
// guarded by one mutex and passed by reference to every component that
// needs it (the agent, and anything reporting status back to an
// operator).
//
// migration_active is conceptually owned by the controller's own
// composite lock per spec.md §3's invariant list; here that's modeled as
// this record's mutex, acquired by the agent in the same critical
// section it uses the Locker for.
type Diagnostics struct {
	mu sync.Mutex
	cond *sync.Cond

	migrationActive bool
	stopRequested   bool
	reconfigure     bool

	stopCh chan struct{}
}

// NewDiagnostics returns a zeroed Diagnostics record.
func NewDiagnostics() *Diagnostics {
	d := &Diagnostics{stopCh: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// StopCh returns a channel that is closed when RequestStop is called,
// letting a timed wait (the agent's sleep-or-short-sleep, spec.md §4.1
// step 1) select on it instead of blocking on the condition variable.
func (d *Diagnostics) StopCh() <-chan struct{} {
	return d.stopCh
}

// TryBeginMigration sets migrationActive if it was false, returning
// whether it was successfully claimed. Matches spec.md §4.1 step 5/6:
// "If migration_active is already true, release locks and skip. Else
// set migration_active...".
func (d *Diagnostics) TryBeginMigration() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.migrationActive {
		return false
	}
	d.migrationActive = true
	return true
}

// EndMigration clears migrationActive. Must be called on every exit path
// of the detached worker, including a recovered panic, per spec.md §9's
// "guaranteed to be cleared on all exit paths" requirement.
func (d *Diagnostics) EndMigration() {
	d.mu.Lock()
	d.migrationActive = false
	d.mu.Unlock()
	d.cond.Broadcast()
}

// MigrationActive reports the current value of migration_active.
func (d *Diagnostics) MigrationActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.migrationActive
}

// RequestStop sets the stop flag, closes the StopCh channel (once), and
// broadcasts on the condition variable.
func (d *Diagnostics) RequestStop() {
	d.mu.Lock()
	already := d.stopRequested
	d.stopRequested = true
	d.mu.Unlock()
	if !already {
		close(d.stopCh)
	}
	d.cond.Broadcast()
}

// StopRequested reports whether RequestStop has been called.
func (d *Diagnostics) StopRequested() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopRequested
}

// RequestReconfigure sets the reconfiguration flag; the agent checks and
// clears it at the top of each tick (spec.md §4.1 step 2).
func (d *Diagnostics) RequestReconfigure() {
	d.mu.Lock()
	d.reconfigure = true
	d.mu.Unlock()
}

// TakeReconfigure reports and clears the reconfiguration flag.
func (d *Diagnostics) TakeReconfigure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.reconfigure {
		return false
	}
	d.reconfigure = false
	return true
}
