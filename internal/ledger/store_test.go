package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "ledger.db"), filepath.Join(dir, "ledger.jsonl"), DefaultRetentionPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendThenByCorrelation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	result, err := s.Append(ctx, Event{CorrelationID: "corr-1", Type: "intent.created", Source: "delivery"})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, result.Committed)

	events, err := s.ByCorrelation("corr-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "intent.created", events[0].Type)
	assert.NotEmpty(t, events[0].EventID)
}

func TestAppendRejectsMissingCausation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Event{CorrelationID: "corr-1", CausationID: "does-not-exist", Type: "intent.applied", Source: "delivery"})
	assert.ErrorIs(t, err, ErrCausationMissing)
}

func TestAppendAcceptsValidCausationChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, Event{EventID: "evt-1", CorrelationID: "corr-1", Type: "intent.created", Source: "delivery"})
	require.NoError(t, err)
	require.True(t, first.Committed)

	_, err = s.Append(ctx, Event{CorrelationID: "corr-1", CausationID: "evt-1", Type: "intent.applied", Source: "delivery"})
	require.NoError(t, err)

	events, err := s.ByCorrelation("corr-1")
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestByIDFindsAppendedEventAndReportsMissing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Event{EventID: "evt-1", CorrelationID: "corr-1", Type: "intent.created", Source: "delivery"})
	require.NoError(t, err)

	found, ok, err := s.ByID("evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "intent.created", found.Type)

	_, ok, err = s.ByID("no-such-event")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestByPaneAndTypeFiltersByType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Event{CorrelationID: "corr-1", PaneID: "pane-1", Type: "intent.created", Source: "delivery"})
	require.NoError(t, err)
	_, err = s.Append(ctx, Event{CorrelationID: "corr-1", PaneID: "pane-1", Type: "intent.applied", Source: "delivery"})
	require.NoError(t, err)

	events, err := s.ByPaneAndType("pane-1", "intent.created", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "intent.created", events[0].Type)
}

func TestRangeFiltersByTimestampWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	_, err := s.Append(ctx, Event{CorrelationID: "corr-1", Type: "intent.created", Source: "delivery", TimestampMs: now})
	require.NoError(t, err)
	_, err = s.Append(ctx, Event{CorrelationID: "corr-1", Type: "intent.applied", Source: "delivery", TimestampMs: now + 10_000})
	require.NoError(t, err)

	events, err := s.Range(now, now+1000, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "intent.created", events[0].Type)
}

func TestNextSequenceIsMonotonicPerSource(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, Event{CorrelationID: "corr-1", Type: "a", Source: "delivery"})
	require.NoError(t, err)
	_, err = s.Append(ctx, Event{CorrelationID: "corr-1", Type: "b", Source: "delivery"})
	require.NoError(t, err)

	events, err := s.ByCorrelation("corr-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Less(t, events[0].Sequence, events[1].Sequence)
}
