package delivery

import (
	"sync"
)

// gateResult is the verdict of evaluating all gates for one envelope
// against a target pane (spec §4.2 step 3).
type gateResult int

const (
	gateClear gateResult = iota
	gateDefer
	gateBlock
)

// gateReason names which contract produced a non-clear verdict.
type gateReason string

const (
	reasonNone             gateReason = ""
	reasonFocusLock        gateReason = "focus-lock-guard"
	reasonCompactionGate   gateReason = "compaction-gate"
	reasonOwnershipExclusive gateReason = "ownership-exclusive"
)

// paneOwnership tracks whether an exclusive operation currently holds a
// pane (spec §4.2 "ownership-exclusive: another operation active on this
// pane -> block").
type paneOwnership struct {
	mu     sync.Mutex
	byPane map[string]string // paneId -> holder transitionId
}

func newPaneOwnership() *paneOwnership {
	return &paneOwnership{byPane: map[string]string{}}
}

// TryAcquire claims exclusive ownership of paneID for holder, returning
// false if another holder already has it.
func (o *paneOwnership) TryAcquire(paneID, holder string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.byPane[paneID]; ok && existing != holder {
		return false
	}
	o.byPane[paneID] = holder
	return true
}

// Release relinquishes ownership if held by holder.
func (o *paneOwnership) Release(paneID, holder string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.byPane[paneID] == holder {
		delete(o.byPane, paneID)
	}
}

// evaluateGates runs the three gate contracts in order and returns the
// first non-clear verdict. focusLocked reflects whether a human is
// actively typing into paneID (tracked by the caller, e.g. from recent
// local keystroke activity); isCritical bypasses every gate (spec §4.2.1
// "High-priority recovery intents... bypass all states").
func evaluateGates(paneID, holder string, focusLocked bool, compaction compactionState, ownership *paneOwnership, isCritical bool) (gateResult, gateReason) {
	if isCritical {
		return gateClear, reasonNone
	}
	if focusLocked {
		return gateDefer, reasonFocusLock
	}
	if compaction.Blocks() {
		return gateDefer, reasonCompactionGate
	}
	if !ownership.TryAcquire(paneID, holder) {
		return gateBlock, reasonOwnershipExclusive
	}
	return gateClear, reasonNone
}
