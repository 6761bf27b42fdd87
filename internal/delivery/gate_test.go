package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaneOwnershipTryAcquireAndRelease(t *testing.T) {
	o := newPaneOwnership()
	assert.True(t, o.TryAcquire("pane-1", "tx-a"), "first acquire should succeed")
	assert.False(t, o.TryAcquire("pane-1", "tx-b"), "second holder should be blocked")
	assert.True(t, o.TryAcquire("pane-1", "tx-a"), "the same holder may re-acquire")

	o.Release("pane-1", "tx-a")
	assert.True(t, o.TryAcquire("pane-1", "tx-b"), "pane should be free after release")
}

func TestPaneOwnershipReleaseByWrongHolderIsNoop(t *testing.T) {
	o := newPaneOwnership()
	o.TryAcquire("pane-1", "tx-a")
	o.Release("pane-1", "tx-b")
	assert.False(t, o.TryAcquire("pane-1", "tx-c"), "release by a non-holder must not free the pane")
}

func TestEvaluateGatesCriticalBypassesEverything(t *testing.T) {
	o := newPaneOwnership()
	o.TryAcquire("pane-1", "other-tx")
	result, reason := evaluateGates("pane-1", "tx-a", true, compactionNone, o, true)
	assert.Equal(t, gateClear, result)
	assert.Equal(t, reasonNone, reason)
}

func TestEvaluateGatesFocusLockDefers(t *testing.T) {
	o := newPaneOwnership()
	result, reason := evaluateGates("pane-1", "tx-a", true, compactionNone, o, false)
	assert.Equal(t, gateDefer, result)
	assert.Equal(t, reasonFocusLock, reason)
}

func TestEvaluateGatesOwnershipBlocks(t *testing.T) {
	o := newPaneOwnership()
	o.TryAcquire("pane-1", "other-tx")
	result, reason := evaluateGates("pane-1", "tx-a", false, compactionNone, o, false)
	assert.Equal(t, gateBlock, result)
	assert.Equal(t, reasonOwnershipExclusive, reason)
}

func TestEvaluateGatesClearWhenNothingBlocks(t *testing.T) {
	o := newPaneOwnership()
	result, reason := evaluateGates("pane-1", "tx-a", false, compactionNone, o, false)
	assert.Equal(t, gateClear, result)
	assert.Equal(t, reasonNone, reason)
}
