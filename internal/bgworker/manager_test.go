package bgworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/types"
)

func TestParseSlot(t *testing.T) {
	slot, err := parseSlot("")
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	slot, err = parseSlot("2")
	require.NoError(t, err)
	assert.Equal(t, 2, slot)

	_, err = parseSlot("not-a-number")
	assert.Error(t, err)
}

func TestSlotKeyAliasAndPaneIDFormatting(t *testing.T) {
	assert.Equal(t, "coordinator|2", slotKey("coordinator", 2))
	assert.Equal(t, "coordinator-bg-2", aliasFor("coordinator", 2))
	assert.Equal(t, "bg-pane-coordinator-2", paneIDFor("pane-coordinator", 2))
}

func TestContainsToken(t *testing.T) {
	assert.True(t, containsToken([]byte("...FLEET_BG_DONE\n"), completionToken))
	assert.False(t, containsToken([]byte("still working"), completionToken))
	assert.False(t, containsToken([]byte("x"), completionToken))
}

func newTestManager() *Manager {
	return New(nil, nil)
}

func TestFirstFreeSlotLockedFindsGapThenExhausts(t *testing.T) {
	m := newTestManager()
	m.bySlot[slotKey("worker-1", 1)] = &worker{}
	assert.Equal(t, 2, m.firstFreeSlotLocked("worker-1"))

	m.bySlot[slotKey("worker-1", 2)] = &worker{}
	m.bySlot[slotKey("worker-1", 3)] = &worker{}
	assert.Equal(t, 0, m.firstFreeSlotLocked("worker-1"), "all slots occupied must report no free slot")
}

func TestSpawnRejectsBusyRequestedSlot(t *testing.T) {
	m := newTestManager()
	m.bySlot[slotKey("worker-1", 1)] = &worker{}

	_, err := m.Spawn("worker-1", "1", "do the thing")
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestSpawnRejectsWhenCapacityReached(t *testing.T) {
	m := newTestManager()
	for slot := 1; slot <= SlotsPerParent; slot++ {
		m.bySlot[slotKey("worker-1", slot)] = &worker{}
	}

	_, err := m.Spawn("worker-1", "", "do the thing")
	assert.ErrorIs(t, err, ErrCapacityReached)
}

func TestListReturnsOnlyParentsWorkersInSlotOrder(t *testing.T) {
	m := newTestManager()
	w1 := &worker{BackgroundWorker: types.BackgroundWorker{Alias: "worker-1-bg-1", ParentRole: "worker-1", Slot: 1}}
	w3 := &worker{BackgroundWorker: types.BackgroundWorker{Alias: "worker-1-bg-3", ParentRole: "worker-1", Slot: 3}}
	other := &worker{BackgroundWorker: types.BackgroundWorker{Alias: "worker-2-bg-1", ParentRole: "worker-2", Slot: 1}}
	m.bySlot[slotKey("worker-1", 1)] = w1
	m.bySlot[slotKey("worker-1", 3)] = w3
	m.bySlot[slotKey("worker-2", 1)] = other

	out, err := m.List("worker-1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "worker-1-bg-1", out[0].Alias)
	assert.Equal(t, "worker-1-bg-3", out[1].Alias)
}

func TestTargetMapAndIsBackgroundAlias(t *testing.T) {
	m := newTestManager()
	w := &worker{BackgroundWorker: types.BackgroundWorker{Alias: "worker-1-bg-1", PaneID: "bg-pane-worker-1-1", ParentRole: "worker-1", Slot: 1}}
	m.bySlot[slotKey("worker-1", 1)] = w
	m.byAlias["worker-1-bg-1"] = w

	targets, err := m.TargetMap("worker-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"worker-1-bg-1": "bg-pane-worker-1-1"}, targets)

	parent, ok := m.IsBackgroundAlias("worker-1-bg-1")
	assert.True(t, ok)
	assert.Equal(t, "worker-1", parent)

	_, ok = m.IsBackgroundAlias("no-such-alias")
	assert.False(t, ok)
}

func TestKillRejectsOwnerBindingViolation(t *testing.T) {
	m := newTestManager()
	w := &worker{BackgroundWorker: types.BackgroundWorker{Alias: "worker-1-bg-1", ParentRole: "worker-1", Slot: 1}}
	m.bySlot[slotKey("worker-1", 1)] = w
	m.byAlias["worker-1-bg-1"] = w

	err := m.Kill("worker-2", "worker-1-bg-1", "done")
	assert.ErrorIs(t, err, ErrOwnerBindingViolation)
}

func TestKillReportsMissingWorker(t *testing.T) {
	m := newTestManager()
	err := m.Kill("worker-1", "no-such-alias", "done")
	assert.Error(t, err)
}
