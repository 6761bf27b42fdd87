package transition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/types"
)

func TestOpenStartsInRequestedPhaseWithOwnerLease(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})

	assert.Equal(t, types.PhaseRequested, tr.Phase)
	assert.Equal(t, "delivery", tr.Owner.Module)
	assert.False(t, tr.Closed)
	assert.Equal(t, 1, l.Len())
}

func TestByCorrelationReturnsJoinedTransitionsInOrder(t *testing.T) {
	l := New(0)
	a := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})
	b := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})
	l.Open(OpenSpec{CorrelationID: "corr-2", OwnerModule: "delivery"})

	joined := l.ByCorrelation("corr-1")
	require.Len(t, joined, 2)
	assert.Equal(t, a.TransitionID, joined[0].TransitionID)
	assert.Equal(t, b.TransitionID, joined[1].TransitionID)
}

func TestTransitionPhaseRejectsNonOwnerMutation(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})

	err := l.TransitionPhase(tr.TransitionID, "someone-else", types.PhaseApplied, "evt-1")
	assert.ErrorIs(t, err, ErrOwnershipConflict)
}

func TestTransitionPhaseRejectsExpiredLease(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})
	// Force the lease into the past without sleeping.
	l.byID[tr.TransitionID].Owner.AcquiredAt = 0
	l.byID[tr.TransitionID].Owner.LeaseTTLMs = 1

	err := l.TransitionPhase(tr.TransitionID, "delivery", types.PhaseApplied, "evt-1")
	assert.ErrorIs(t, err, ErrLeaseExpired)
}

func TestTransitionPhaseAdvancesAndClosesOnTerminalPhase(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})

	require.NoError(t, l.TransitionPhase(tr.TransitionID, "delivery", types.PhaseApplied, "evt-1"))
	got, ok := l.Get(tr.TransitionID)
	require.True(t, ok)
	assert.Equal(t, types.PhaseApplied, got.Phase)
	assert.False(t, got.Closed)

	require.NoError(t, l.TransitionPhase(tr.TransitionID, "delivery", types.PhaseFailed, "evt-2"))
	got, ok = l.Get(tr.TransitionID)
	require.True(t, ok)
	assert.True(t, got.Closed, "a terminal phase must close the transition")
}

func TestAddEvidenceDoesNotRequireOwnership(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})

	require.NoError(t, l.AddEvidence(tr.TransitionID, types.EvidenceStrong))
	got, ok := l.Get(tr.TransitionID)
	require.True(t, ok)
	assert.Equal(t, []types.EvidenceClass{types.EvidenceStrong}, got.Evidence)
}

func TestFinalizeDisallowedEvidenceWinsOverStrong(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})
	require.NoError(t, l.AddEvidence(tr.TransitionID, types.EvidenceStrong))
	require.NoError(t, l.AddEvidence(tr.TransitionID, types.EvidenceDisallowed))

	final, err := l.Finalize(tr.TransitionID, "delivery")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseFailed, final.Phase)
	assert.Equal(t, "failed", final.Outcome.Status)
}

func TestFinalizeStrongEvidenceVerifies(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})
	require.NoError(t, l.AddEvidence(tr.TransitionID, types.EvidenceStrong))

	final, err := l.Finalize(tr.TransitionID, "delivery")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseVerified, final.Phase)
	assert.Equal(t, "verified", final.Outcome.Status)
}

func TestFinalizeWeakEvidenceRisksPassWhenRequiredClassAllowsIt(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{
		CorrelationID: "corr-1",
		OwnerModule:   "delivery",
		EvidenceSpec:  types.EvidenceSpec{RequiredClass: types.EvidenceWeak},
	})
	require.NoError(t, l.AddEvidence(tr.TransitionID, types.EvidenceWeak))

	final, err := l.Finalize(tr.TransitionID, "delivery")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseVerified, final.Phase)
	assert.Equal(t, "riskedPass", final.Outcome.Status)
}

func TestFinalizeNoEvidenceTimesOut(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})

	final, err := l.Finalize(tr.TransitionID, "delivery")
	require.NoError(t, err)
	assert.Equal(t, types.PhaseTimedOut, final.Phase)
	assert.Equal(t, "timedOut", final.Outcome.Status)
}

func TestFinalizeRejectsNonOwner(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})

	_, err := l.Finalize(tr.TransitionID, "someone-else")
	assert.ErrorIs(t, err, ErrOwnershipConflict)
}

func TestCancelClosesTransitionWithReason(t *testing.T) {
	l := New(0)
	tr := l.Open(OpenSpec{CorrelationID: "corr-1", OwnerModule: "delivery"})

	require.NoError(t, l.Cancel(tr.TransitionID, "superseded"))
	got, ok := l.Get(tr.TransitionID)
	require.True(t, ok)
	assert.True(t, got.Closed)
	assert.Equal(t, "cancelled", got.Outcome.Status)
	assert.Equal(t, "superseded", got.Outcome.ReasonCode)
}

func TestEvictionRemovesOldestClosedTransitionsOnly(t *testing.T) {
	l := New(2)
	open := l.Open(OpenSpec{CorrelationID: "corr-open", OwnerModule: "delivery"})
	closedOld := l.Open(OpenSpec{CorrelationID: "corr-closed-old", OwnerModule: "delivery"})
	require.NoError(t, l.Cancel(closedOld.TransitionID, "done"))
	l.Open(OpenSpec{CorrelationID: "corr-new", OwnerModule: "delivery"})

	assert.LessOrEqual(t, l.Len(), 2)
	_, stillOpen := l.Get(open.TransitionID)
	assert.True(t, stillOpen, "open transitions must never be evicted")
	_, closedStillThere := l.Get(closedOld.TransitionID)
	assert.False(t, closedStillThere, "the oldest closed transition should have been evicted first")
}
