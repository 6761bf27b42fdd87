package teammemory

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/ledger"
	"github.com/agentfleet/fleet/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	evidence, err := ledger.Open(filepath.Join(dir, "evidence.db"), filepath.Join(dir, "evidence.jsonl"), ledger.DefaultRetentionPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = evidence.Close() })

	s, err := Open(filepath.Join(dir, "memory.db"), filepath.Join(dir, "memory.jsonl"), evidence)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateClaimStartsProposed(t *testing.T) {
	s := openTestStore(t)

	claim, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "the build is green",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
		Confidence:     0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusProposed, claim.Status)
	assert.Equal(t, "the build is green", claim.Statement)
	assert.NotEmpty(t, claim.ClaimID)
}

func TestCreateClaimIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	first, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "the build is green",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
	})
	require.NoError(t, err)

	second, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "a different statement entirely",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	assert.Equal(t, first.ClaimID, second.ClaimID)
	assert.Equal(t, "the build is green", second.Statement, "the repeated key must return the original row, not the new statement")
}

func TestGetClaimRoundTrips(t *testing.T) {
	s := openTestStore(t)

	created, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "the build is green",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
	})
	require.NoError(t, err)

	got, err := s.GetClaim(created.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, created.ClaimID, got.ClaimID)
	assert.Equal(t, created.Statement, got.Statement)
}

func TestQueryClaimsFiltersByStatus(t *testing.T) {
	s := openTestStore(t)

	claim, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "claim one",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
	})
	require.NoError(t, err)

	results, err := s.QueryClaims(ClaimQuery{Status: types.StatusProposed, Limit: 10})
	require.NoError(t, err)
	var found bool
	for _, c := range results {
		if c.ClaimID == claim.ClaimID {
			found = true
		}
	}
	assert.True(t, found)

	results, err = s.QueryClaims(ClaimQuery{Status: types.StatusContested, Limit: 10})
	require.NoError(t, err)
	for _, c := range results {
		assert.NotEqual(t, claim.ClaimID, c.ClaimID)
	}
}

func TestUpdateClaimStatusTransitions(t *testing.T) {
	s := openTestStore(t)

	claim, err := s.CreateClaim(CreateClaimRequest{
		IdempotencyKey: "idem-1",
		Statement:      "claim one",
		ClaimType:      types.ClaimFact,
		OwnerRole:      "worker-1",
	})
	require.NoError(t, err)

	require.NoError(t, s.UpdateClaimStatus(claim.ClaimID, "coordinator", "reviewed", types.StatusConfirmed))

	got, err := s.GetClaim(claim.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, got.Status)
}
