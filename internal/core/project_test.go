package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWorkspaceCreatesStateLayout(t *testing.T) {
	root := t.TempDir()

	ws, err := InitWorkspace(root, false)
	require.NoError(t, err)

	for _, dir := range []string{ws.StateDir, ws.RuntimeDir, ws.TriggersDir, ws.HandoffsDir, ws.SnapshotsDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestInitWorkspaceRejectsReinitWithoutForce(t *testing.T) {
	root := t.TempDir()
	_, err := InitWorkspace(root, false)
	require.NoError(t, err)

	_, err = InitWorkspace(root, false)
	assert.Error(t, err)

	_, err = InitWorkspace(root, true)
	assert.NoError(t, err)
}

func TestDiscoverWorkspaceWalksUpToFindStateDir(t *testing.T) {
	root := t.TempDir()
	_, err := InitWorkspace(root, false)
	require.NoError(t, err)

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	ws, err := DiscoverWorkspace(nested)
	require.NoError(t, err)
	assert.Equal(t, root, ws.Root)
}

func TestDiscoverWorkspaceFailsWhenNeverInitialized(t *testing.T) {
	dir := t.TempDir()
	_, err := DiscoverWorkspace(dir)
	assert.Error(t, err)
}

func TestWorkspacePathHelpers(t *testing.T) {
	ws := Workspace{Root: "/ws", StateDir: "/ws/.fleet", RuntimeDir: "/ws/.fleet/runtime", TriggersDir: "/ws/.fleet/triggers"}

	assert.Equal(t, "/ws/.fleet/runtime/evidence-ledger.db", ws.EvidenceLedgerPath())
	assert.Equal(t, "/ws/.fleet/runtime/team-memory.db", ws.TeamMemoryPath())
	assert.Equal(t, "/ws/.fleet/daemon.sock", ws.ControlSocketPath())
	assert.Equal(t, "/ws/.fleet/config.json", ws.ConfigPath())
	assert.Equal(t, "/ws/.fleet/triggers/coordinator.txt", ws.TriggerFilePath("coordinator"))
}

func TestEnsureGitignoreCreatesThenAppendsMissingEntries(t *testing.T) {
	dir := t.TempDir()
	ensureGitignore(dir)

	path := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "daemon.sock")

	require.NoError(t, os.WriteFile(path, []byte("*.db\n"), 0o644))
	ensureGitignore(dir)

	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "daemon.lock")
	assert.Contains(t, string(data), "*.db")
}
