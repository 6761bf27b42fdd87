package teammemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/types"
)

func TestRecordConsensusContestsOnSingleChallenge(t *testing.T) {
	s := openTestStore(t)

	claim, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "the build is green",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
		Confidence:     0.9,
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordConsensus(claim.ClaimID, "worker-1", types.PositionChallenge, "disagree"))

	got, err := s.GetClaim(claim.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusContested, got.Status, "any single challenge edge contests a proposed claim")

	edges, err := s.ConsensusFor(claim.ClaimID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestRecordConsensusConfirmsWithoutConfidenceGate(t *testing.T) {
	s := openTestStore(t)

	claim, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "the build is green",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
		Confidence:     0.1,
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordConsensus(claim.ClaimID, "worker-1", types.PositionSupport, "looks right"))

	got, err := s.GetClaim(claim.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status, "zero challenge edges with at least one edge confirms regardless of the claim's own confidence")
}

func TestRecordConsensusContestedReturnsToConfirmedWhenChallengeWithdrawn(t *testing.T) {
	s := openTestStore(t)

	claim, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "the build is green",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordConsensus(claim.ClaimID, "worker-1", types.PositionChallenge, "disagree"))
	got, err := s.GetClaim(claim.ClaimID)
	require.NoError(t, err)
	require.Equal(t, types.StatusContested, got.Status)

	require.NoError(t, s.RecordConsensus(claim.ClaimID, "worker-1", types.PositionSupport, "withdrawn"))
	got, err = s.GetClaim(claim.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status, "withdrawing the only challenge edge confirms the claim")
}

func TestRecordConsensusUpsertsSameAgentPosition(t *testing.T) {
	s := openTestStore(t)

	claim, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "the build is green",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordConsensus(claim.ClaimID, "worker-1", types.PositionSupport, "looks right"))
	require.NoError(t, s.RecordConsensus(claim.ClaimID, "worker-1", types.PositionChallenge, "changed my mind"))

	edges, err := s.ConsensusFor(claim.ClaimID)
	require.NoError(t, err)
	require.Len(t, edges, 1, "the same agent's second position must replace, not add, an edge")
	assert.Equal(t, types.PositionChallenge, edges[0].Position)
}
