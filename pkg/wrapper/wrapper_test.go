package wrapper_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbyte/migrated/pkg/wrapper"
)

func TestRewriteArgv(t *testing.T) {
	w := wrapper.New(wrapper.Config{LauncherPath: "/opt/migrate/launcher"})
	argv, err := w.RewriteArgv([]string{"myapp", "--flag"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/migrate/launcher", "myapp", "--flag"}, argv)
}

func TestRewriteArgv_NoLauncher(t *testing.T) {
	w := wrapper.New(wrapper.Config{})
	_, err := w.RewriteArgv([]string{"myapp"})
	require.Error(t, err)
}

func TestBecomeCoordinator_ExclusiveCreation(t *testing.T) {
	root := t.TempDir()
	w := wrapper.New(wrapper.Config{CheckpointRoot: root})

	first, err := w.BecomeCoordinator("job1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := w.BecomeCoordinator("job1")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestRendezvousFileLifecycle(t *testing.T) {
	root := t.TempDir()
	w := wrapper.New(wrapper.Config{CheckpointRoot: root})
	_, err := w.BecomeCoordinator("job2")
	require.NoError(t, err)

	path := filepath.Join(root, "job2", wrapper.RendezvousFile)
	require.NoError(t, os.WriteFile(path, []byte("DMTCP_COORDINATOR=host1\nDMTCP_PORT=7779\n"), 0o644))

	kv, err := w.ReadRendezvous("job2")
	require.NoError(t, err)
	assert.Equal(t, "host1", kv["DMTCP_COORDINATOR"])
	assert.Equal(t, "7779", kv["DMTCP_PORT"])

	require.NoError(t, w.RemoveRendezvous("job2"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, w.RemoveRendezvous("job2"))
}

func TestParseCheckpointEnv(t *testing.T) {
	kvs, err := wrapper.ParseCheckpointEnv("FOO=bar,BAZ=qux")
	require.NoError(t, err)
	assert.Equal(t, []string{"FOO=bar", "BAZ=qux"}, kvs)
}

func TestParseCheckpointEnv_Empty(t *testing.T) {
	kvs, err := wrapper.ParseCheckpointEnv("")
	require.NoError(t, err)
	assert.Nil(t, kvs)
}

func TestParseCheckpointEnv_Invalid(t *testing.T) {
	_, err := wrapper.ParseCheckpointEnv("NOTKEYVALUE")
	require.Error(t, err)
}
