// Package wrapper implements the checkpoint-wrapper glue a spank-like
// plugin invokes around a job's task lifecycle (spec.md §4.6): rewriting
// the task's argument vector to run under a coordinator, racing to become
// the coordinator host via exclusive directory creation, launching the
// coordinator process with a structured argv (not a shell string, per
// spec.md §9), and maintaining the on-disk rendezvous file.
package wrapper

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/oceanbyte/migrated/pkg/log"
)

// DefaultPort is the coordinator's default listen port, overridable by
// the DMTCP_PORT environment variable (spec.md §6).
const DefaultPort = 7779

// RendezvousFile is the file name written into a job's checkpoint
// directory, containing "key=value" lines (spec.md §9: "the file's
// contract is key=value lines, one per line, ASCII").
const RendezvousFile = "dmtcp_coordinator"

// Config holds wrapper tunables.
type Config struct {
	// LauncherPath is the path of the launcher executable prepended to a
	// wrapped job's argv.
	LauncherPath string

	// CheckpointRoot is the root under which <job_id>/ directories live.
	CheckpointRoot string

	// MaxCoordinatorsPerHost bounds port-retry attempts when launching a
	// coordinator (spec.md §9: "bounded to max_coordinators_per_host
	// attempts").
	MaxCoordinatorsPerHost int
}

func (c Config) withDefaults() Config {
	if c.MaxCoordinatorsPerHost <= 0 {
		c.MaxCoordinatorsPerHost = 16
	}
	return c
}

// Wrapper provides the steps of the task-init/task-exit callbacks (argv
// rewrite, coordinator election and launch, rendezvous-file handling). It
// does not register or define the callbacks themselves.
type Wrapper struct {
	cfg Config
}

// New constructs a Wrapper.
func New(cfg Config) *Wrapper {
	return &Wrapper{cfg: cfg.withDefaults()}
}

// RewriteArgv prepends the launcher path to argv, per spec.md §4.6's
// on_task_init step. Returns the original argv and an error if the
// launcher path is unset; the caller runs the job unwrapped in that case.
func (w *Wrapper) RewriteArgv(argv []string) ([]string, error) {
	if w.cfg.LauncherPath == "" {
		return argv, fmt.Errorf("wrapper: launcher path not configured")
	}
	out := make([]string, 0, len(argv)+1)
	out = append(out, w.cfg.LauncherPath)
	out = append(out, argv...)
	return out, nil
}

// JobDir returns the checkpoint directory for a job.
func (w *Wrapper) JobDir(jobID string) string {
	return filepath.Join(w.cfg.CheckpointRoot, jobID)
}

// BecomeCoordinator attempts to create the job's checkpoint directory.
// Exclusive creation is the concurrency barrier (spec.md §4.6,
// reiterated in §9 "Shared resources"): the single task whose mkdir
// succeeds becomes the coordinator host; every other task of the same
// job observes an "already exists" error and is not the coordinator.
func (w *Wrapper) BecomeCoordinator(jobID string) (bool, error) {
	dir := w.JobDir(jobID)
	err := os.Mkdir(dir, 0o755)
	if err == nil {
		return true, nil
	}
	if os.IsExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("wrapper: create checkpoint directory %s: %w", dir, err)
}

// LaunchCoordinator starts the coordinator daemon via a structured
// process spawn (argv passed directly, no shell string — spec.md §9),
// retrying on the next port if the chosen one is already in use, up to
// MaxCoordinatorsPerHost attempts. On success it writes the rendezvous
// file and returns the coordinator's host/port.
func (w *Wrapper) LaunchCoordinator(ctx context.Context, jobID, coordinatorBinary, host string) (string, int, error) {
	port := basePort()

	for attempt := 0; attempt < w.cfg.MaxCoordinatorsPerHost; attempt++ {
		cmd := exec.CommandContext(ctx, coordinatorBinary,
			"--port", strconv.Itoa(port),
			"--quiet",
			"--daemon",
		)

		logger := log.WithJobID(jobID)
		if err := cmd.Start(); err != nil {
			logger.Warn().Err(err).Int("port", port).Msg("coordinator failed to start, retrying next port")
			port++
			continue
		}

		if err := waitForExitOrRunning(cmd, 2*time.Second); err != nil {
			logger.Warn().Err(err).Int("port", port).Msg("coordinator exited immediately, assuming port in use")
			port++
			continue
		}

		if err := w.writeRendezvous(jobID, host, port); err != nil {
			_ = terminate(cmd)
			return "", 0, fmt.Errorf("wrapper: write rendezvous file: %w", err)
		}

		logger.Info().Str("host", host).Int("port", port).Msg("coordinator launched")
		return host, port, nil
	}

	return "", 0, fmt.Errorf("wrapper: exhausted %d coordinator port attempts starting from %d", w.cfg.MaxCoordinatorsPerHost, basePort())
}

// waitForExitOrRunning gives a freshly started coordinator process a
// short grace period to exit (port conflict) before assuming it is
// healthy and running in the background.
func waitForExitOrRunning(cmd *exec.Cmd, grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		return nil
	}
}

// terminate sends SIGTERM, falling back to SIGKILL if the process does
// not exit within a short deadline.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return cmd.Process.Kill()
	}
}

// writeRendezvous writes the two-line key=value rendezvous file
// documented in spec.md §6 ("Persisted state").
func (w *Wrapper) writeRendezvous(jobID, host string, port int) error {
	path := filepath.Join(w.JobDir(jobID), RendezvousFile)
	content := fmt.Sprintf("DMTCP_COORDINATOR=%s\nDMTCP_PORT=%d\n", host, port)
	return os.WriteFile(path, []byte(content), 0o644)
}

// ReadRendezvous parses a job's rendezvous file into its key=value pairs.
func (w *Wrapper) ReadRendezvous(jobID string) (map[string]string, error) {
	path := filepath.Join(w.JobDir(jobID), RendezvousFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// RemoveRendezvous removes the rendezvous file on task exit (spec.md
// §4.6: "On task exit: remove the rendezvous file").
func (w *Wrapper) RemoveRendezvous(jobID string) error {
	path := filepath.Join(w.JobDir(jobID), RendezvousFile)
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// basePort returns DMTCP_PORT from the environment if set, else
// DefaultPort (spec.md §6 "Environment").
func basePort() int {
	if v := os.Getenv("DMTCP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return DefaultPort
}

// ParseCheckpointEnv parses the comma-separated KEY=VALUE list accepted
// by --with-multicheckpoint (spec.md §6) into environment variable
// assignments to export into the task environment before launch.
func ParseCheckpointEnv(spec string) ([]string, error) {
	if spec == "" {
		return nil, nil
	}
	var out []string
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			return nil, fmt.Errorf("wrapper: invalid KEY=VALUE pair %q", pair)
		}
		out = append(out, pair)
	}
	return out, nil
}
