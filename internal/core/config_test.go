package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigStoreDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewConfigStore(filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	cfg := s.Get()
	assert.Equal(t, 1, cfg.Version)
	assert.NotNil(t, cfg.Panes)
}

func TestSaveThenReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	s, err := NewConfigStore(path)
	require.NoError(t, err)

	cfg := s.Get()
	cfg.Panes["worker-1"] = PaneSpec{Role: "worker-1", CommandTemplate: []string{"bash"}}
	require.NoError(t, s.Save(cfg))

	other, err := NewConfigStore(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"bash"}, other.Get().Panes["worker-1"].CommandTemplate)
}

func TestSaveSwapsSnapshotWithoutMutatingInFlightReaders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	s, err := NewConfigStore(path)
	require.NoError(t, err)

	first := s.Get()
	next := &Config{
		Version: 2,
		Panes:   map[string]PaneSpec{"worker-1": {Role: "worker-1"}},
	}
	require.NoError(t, s.Save(next))

	assert.NotContains(t, first.Panes, "worker-1", "a snapshot taken before Save must not observe the new pane")
	assert.Contains(t, s.Get().Panes, "worker-1")
}

func TestCanonicalRoleResolvesAliasOrPassesThrough(t *testing.T) {
	cfg := &Config{Aliases: map[string]string{"claude-1": "worker-1"}}
	assert.Equal(t, "worker-1", cfg.CanonicalRole("claude-1"))
	assert.Equal(t, "unmapped", cfg.CanonicalRole("unmapped"))
}

func TestResolveGroupReturnsExplicitListWhenSet(t *testing.T) {
	cfg := &Config{GroupAliases: map[string][]string{"leads": {"coordinator"}}}
	roles, ok := cfg.ResolveGroup("leads")
	require.True(t, ok)
	assert.Equal(t, []string{"coordinator"}, roles)
}

func TestResolveGroupWorkersExcludesCoordinator(t *testing.T) {
	cfg := &Config{
		GroupAliases: map[string][]string{"workers": nil},
		Panes: map[string]PaneSpec{
			"coordinator": {Role: "coordinator"},
			"worker-1":    {Role: "worker-1"},
		},
	}
	roles, ok := cfg.ResolveGroup("workers")
	require.True(t, ok)
	assert.NotContains(t, roles, "coordinator")
	assert.Contains(t, roles, "worker-1")
}

func TestResolveGroupUnknownNameReturnsFalse(t *testing.T) {
	cfg := &Config{GroupAliases: map[string][]string{}}
	_, ok := cfg.ResolveGroup("no-such-group")
	assert.False(t, ok)
}
