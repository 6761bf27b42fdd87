package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/types"
)

func TestFingerprintDeterministic(t *testing.T) {
	e := types.Envelope{Body: "hi", FromRole: "worker-1", TargetRole: "coordinator", SequenceNumber: 3}
	assert.Equal(t, fingerprint(e), fingerprint(e))
}

func TestFingerprintDistinguishesSequenceNumber(t *testing.T) {
	a := types.Envelope{Body: "hi", FromRole: "worker-1", TargetRole: "coordinator", SequenceNumber: 3}
	b := a
	b.SequenceNumber = 4
	assert.NotEqual(t, fingerprint(a), fingerprint(b))
}

func TestDedupeCacheSeenFirstThenDuplicate(t *testing.T) {
	d := newDedupeCache(4)
	e := types.Envelope{Body: "hi", FromRole: "worker-1", TargetRole: "coordinator", SequenceNumber: 1, SenderSessionID: "sess-a"}

	dup, err := d.seen(e)
	require.NoError(t, err)
	assert.False(t, dup, "first sighting must not be reported as a duplicate")

	dup, err = d.seen(e)
	require.NoError(t, err)
	assert.True(t, dup, "repeated fingerprint in the same session must be reported as a duplicate")
}

func TestDedupeCacheIsolatesSessions(t *testing.T) {
	d := newDedupeCache(4)
	e := types.Envelope{Body: "hi", FromRole: "worker-1", TargetRole: "coordinator", SequenceNumber: 1, SenderSessionID: "sess-a"}
	other := e
	other.SenderSessionID = "sess-b"

	dup, err := d.seen(e)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = d.seen(other)
	require.NoError(t, err)
	assert.False(t, dup, "a different session must not see the other session's fingerprints")
}

func TestDedupeCacheEvictsBeyondBound(t *testing.T) {
	d := newDedupeCache(2)
	first := types.Envelope{Body: "one", FromRole: "worker-1", TargetRole: "coordinator", SequenceNumber: 1, SenderSessionID: "sess-a"}
	second := types.Envelope{Body: "two", FromRole: "worker-1", TargetRole: "coordinator", SequenceNumber: 2, SenderSessionID: "sess-a"}
	third := types.Envelope{Body: "three", FromRole: "worker-1", TargetRole: "coordinator", SequenceNumber: 3, SenderSessionID: "sess-a"}

	for _, e := range []types.Envelope{first, second, third} {
		_, err := d.seen(e)
		require.NoError(t, err)
	}

	dup, err := d.seen(first)
	require.NoError(t, err)
	assert.False(t, dup, "first fingerprint should have been evicted once the bound of 2 was exceeded")
}

func TestDedupeCacheDefaultsSizeWhenNonPositive(t *testing.T) {
	d := newDedupeCache(0)
	assert.Equal(t, DefaultFingerprintCacheSize, d.size)
}
