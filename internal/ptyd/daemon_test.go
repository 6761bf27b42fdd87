package ptyd

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/types"
)

func TestSpawnWriteAndScrollbackTailRoundTrip(t *testing.T) {
	d := New(DefaultHealthPolicy(), nil)
	defer d.Stop()

	result := d.Spawn(SpawnRequest{
		PaneID:          "pane-1",
		Role:            "worker",
		CommandTemplate: []string{"cat"},
		ScrollbackBytes: 4096,
	})
	require.True(t, result.OK)
	require.NotZero(t, result.PID)

	wr, err := d.Write(context.Background(), "pane-1", []byte("hello\n"), types.WriteChunked)
	require.NoError(t, err)
	assert.Equal(t, types.WriteAccepted, wr.Status)

	require.Eventually(t, func() bool {
		tail, err := d.ScrollbackTail("pane-1", 1024)
		return err == nil && len(tail) > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, d.Kill(context.Background(), "pane-1", syscall.SIGTERM, "test_done"))
}

func TestSpawnRejectsDuplicatePaneID(t *testing.T) {
	d := New(DefaultHealthPolicy(), nil)
	defer d.Stop()

	first := d.Spawn(SpawnRequest{PaneID: "pane-1", CommandTemplate: []string{"cat"}})
	require.True(t, first.OK)

	second := d.Spawn(SpawnRequest{PaneID: "pane-1", CommandTemplate: []string{"cat"}})
	assert.False(t, second.OK)
	assert.Equal(t, "already-spawned", second.Error)
}

func TestWriteToUnknownPaneReturnsErrNotFound(t *testing.T) {
	d := New(DefaultHealthPolicy(), nil)
	defer d.Stop()

	_, err := d.Write(context.Background(), "no-such-pane", []byte("x"), types.WriteChunked)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPaneSnapshotReflectsLifecycleAfterExit(t *testing.T) {
	d := New(DefaultHealthPolicy(), nil)
	defer d.Stop()

	result := d.Spawn(SpawnRequest{PaneID: "pane-1", CommandTemplate: []string{"true"}})
	require.True(t, result.OK)

	require.Eventually(t, func() bool {
		pane, ok := d.Pane("pane-1")
		return ok && pane.Lifecycle == types.PaneDead
	}, 2*time.Second, 20*time.Millisecond)

	pane, ok := d.Pane("pane-1")
	require.True(t, ok)
	assert.Equal(t, 0, pane.ExitCode)
}

func TestCheckSocketPathRejectsGroupOrWorldPermissions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o755))

	err := CheckSocketPath(filepath.Join(dir, "sock"))
	assert.Error(t, err)

	require.NoError(t, os.Chmod(dir, 0o700))
	assert.NoError(t, CheckSocketPath(filepath.Join(dir, "sock")))
}
