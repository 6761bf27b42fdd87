package triggerwatch

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/types"
)

func TestParseTriggerExtractsRoleSequenceAndBody(t *testing.T) {
	envelope, ok := parseTrigger("worker-1", "(COORDINATOR #7): please check the build")
	require.True(t, ok)
	assert.Equal(t, "coordinator", envelope.FromRole)
	assert.Equal(t, "worker-1", envelope.TargetRole)
	assert.Equal(t, int64(7), envelope.SequenceNumber)
	assert.Equal(t, "please check the build", envelope.Body)
}

func TestParseTriggerRejectsMissingPrefix(t *testing.T) {
	_, ok := parseTrigger("worker-1", "no prefix here")
	assert.False(t, ok)
}

func TestWriteTriggerThenParseTriggerRoundTrips(t *testing.T) {
	dir := t.TempDir()
	ws := core.Workspace{TriggersDir: dir}
	envelope := types.Envelope{FromRole: "coordinator", TargetRole: "worker-1", Body: "hello", SequenceNumber: 3}

	require.NoError(t, WriteTrigger(ws, "worker-1", envelope))

	data, err := os.ReadFile(ws.TriggerFilePath("worker-1"))
	require.NoError(t, err)

	parsed, ok := parseTrigger("worker-1", string(data))
	require.True(t, ok)
	assert.Equal(t, "coordinator", parsed.FromRole)
	assert.Equal(t, "hello", parsed.Body)
	assert.Equal(t, int64(3), parsed.SequenceNumber)
}
