// Package refcontroller is a bbolt-backed reference implementation of
// controller.Controller, used by the demo daemon and by tests that want
// a real (if trivial) persistence layer instead of an in-memory fake. It
// does not implement any actual scheduling: job_will_run always reports
// true, and the composite lock is a single in-process mutex rather than
// whatever distributed locking the real cluster controller uses.
package refcontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/oceanbyte/migrated/pkg/controller"
	"github.com/oceanbyte/migrated/pkg/types"
)

var (
	bucketJobs       = []byte("jobs")
	bucketNodes      = []byte("nodes")
	bucketPartitions = []byte("partitions")
)

// Controller is the bbolt-backed reference controller.
type Controller struct {
	db *bolt.DB
	mu sync.Mutex

	// purged holds the last known record of a job between its purge
	// (simulated in CheckpointVacate) and its restart, since a real
	// scheduler's restart resubmits a job whose accounting record has
	// already been removed.
	purgedMu sync.Mutex
	purged   map[string][]byte
}

// Open opens (creating if necessary) a bbolt database under dataDir and
// returns a ready Controller.
func Open(dataDir string) (*Controller, error) {
	dbPath := filepath.Join(dataDir, "migrated.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("refcontroller: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketNodes, bucketPartitions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Controller{db: db, purged: make(map[string][]byte)}, nil
}

// Close closes the underlying database.
func (c *Controller) Close() error {
	return c.db.Close()
}

var _ controller.Controller = (*Controller)(nil)

// PutJob inserts or replaces a job record. Exposed for seeding tests and
// the demo daemon; not part of controller.Controller.
func (c *Controller) PutJob(job *types.Job) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketJobs), job.JobID, job)
	})
}

// PutNode inserts or replaces a node record.
func (c *Controller) PutNode(node *types.Node) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketNodes), node.Name, node)
	})
}

// PutPartition inserts or replaces a partition record.
func (c *Controller) PutPartition(part *types.Partition) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPartitions), part.Name, part)
	})
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Snapshot implements controller.Reader.
func (c *Controller) Snapshot(ctx context.Context) (*types.Snapshot, error) {
	snap := &types.Snapshot{}
	err := c.db.View(func(tx *bolt.Tx) error {
		if err := forEachJSON(tx.Bucket(bucketJobs), func(data []byte) error {
			var j types.Job
			if err := json.Unmarshal(data, &j); err != nil {
				return err
			}
			snap.Jobs = append(snap.Jobs, &j)
			return nil
		}); err != nil {
			return err
		}

		if err := forEachJSON(tx.Bucket(bucketNodes), func(data []byte) error {
			var n types.Node
			if err := json.Unmarshal(data, &n); err != nil {
				return err
			}
			snap.Nodes = append(snap.Nodes, &n)
			return nil
		}); err != nil {
			return err
		}

		return forEachJSON(tx.Bucket(bucketPartitions), func(data []byte) error {
			var p types.Partition
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			snap.Partitions = append(snap.Partitions, &p)
			return nil
		})
	})
	return snap, err
}

func forEachJSON(b *bolt.Bucket, fn func(data []byte) error) error {
	return b.ForEach(func(k, v []byte) error {
		return fn(v)
	})
}

// Job implements controller.Reader.
func (c *Controller) Job(ctx context.Context, jobID string) (*types.Job, error) {
	var job *types.Job
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return nil
		}
		var j types.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		job = &j
		return nil
	})
	return job, err
}

// UpdateJob implements controller.Mutator.
func (c *Controller) UpdateJob(ctx context.Context, jobID string, overrides types.MutablePlacement) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("refcontroller: job %s not found", jobID)
		}
		var j types.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}

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

		return putJSON(b, jobID, &j)
	})
}

// UpdateNode implements controller.Mutator.
func (c *Controller) UpdateNode(ctx context.Context, name string, newState types.NodeState) (types.NodeState, error) {
	var previous types.NodeState
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("refcontroller: node %s not found", name)
		}
		var n types.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		previous = n.State
		n.State = newState
		return putJSON(b, name, &n)
	})
	return previous, err
}

// TopJob implements controller.Mutator. This reference implementation
// has no queue ordering to mutate; it is a no-op that always succeeds as
// long as the job exists.
func (c *Controller) TopJob(ctx context.Context, jobID string) error {
	job, err := c.Job(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("refcontroller: job %s not found", jobID)
	}
	return nil
}

// CheckpointAble implements controller.Checkpoint. The reference
// controller has no real checkpoint runtime; it reports any running job
// as checkpointable.
func (c *Controller) CheckpointAble(ctx context.Context, jobID, stepID string) (bool, time.Time, error) {
	job, err := c.Job(ctx, jobID)
	if err != nil {
		return false, time.Time{}, err
	}
	if job == nil {
		return false, time.Time{}, fmt.Errorf("refcontroller: job %s not found", jobID)
	}
	return job.State == types.JobStateRunning, time.Now(), nil
}

// CheckpointVacate implements controller.Checkpoint by immediately
// transitioning the job to complete, simulating checkpoint-and-terminate.
// It then purges the job record shortly after, standing in for the
// asynchronous accounting-record purge a real scheduler performs once a
// job has fully terminated (spec.md §4.4's WaitPurge state polls for
// exactly this).
func (c *Controller) CheckpointVacate(ctx context.Context, jobID, stepID, dir string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("refcontroller: job %s not found", jobID)
		}
		var j types.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		j.State = types.JobStateComplete
		return putJSON(b, jobID, &j)
	})
	if err != nil {
		return err
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = c.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketJobs)
			data := b.Get([]byte(jobID))
			if data == nil {
				return nil
			}
			// Record the purged job inside the write transaction, so no
			// restart can see the deletion before the record is kept.
			c.purgedMu.Lock()
			c.purged[jobID] = append([]byte(nil), data...)
			c.purgedMu.Unlock()
			return b.Delete([]byte(jobID))
		})
	}()
	return nil
}

// CheckpointRestart implements controller.Checkpoint by resubmitting the
// job record under the same id and transitioning it back to running. If
// the record has already been purged (see CheckpointVacate), it is
// restored from the last known record rather than failing, matching a
// real scheduler's restart-resubmits-the-accounting-record behavior.
func (c *Controller) CheckpointRestart(ctx context.Context, jobID, stepID, dir string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			c.purgedMu.Lock()
			restored, ok := c.purged[jobID]
			if ok {
				delete(c.purged, jobID)
			}
			c.purgedMu.Unlock()
			if !ok {
				return fmt.Errorf("refcontroller: job %s not found", jobID)
			}
			data = restored
		}
		var j types.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		j.State = types.JobStateRunning
		return putJSON(b, jobID, &j)
	})
}

// JobWillRun implements controller.Checkpoint. The reference controller
// has no real scheduler simulation and always reports success; a
// production adapter delegates this to the host scheduler's own
// feasibility RPC.
func (c *Controller) JobWillRun(ctx context.Context, hypothetical *types.Job) (bool, error) {
	return true, nil
}

// AcquireComposite implements controller.Locker with a single
// in-process mutex, standing in for whatever composite lock the real
// cluster controller maintains internally.
func (c *Controller) AcquireComposite(ctx context.Context) (func(), error) {
	c.mu.Lock()
	return c.mu.Unlock, nil
}
