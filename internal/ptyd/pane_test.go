package ptyd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferTrimsToCapacityFromFront(t *testing.T) {
	r := newRingBuffer(4)
	r.Write([]byte("ab"))
	r.Write([]byte("cdef"))

	assert.Equal(t, []byte("cdef"), r.Snapshot())
	assert.Equal(t, int64(2), r.trimmed)
}

func TestRingBufferDefaultsCapacityWhenNonPositive(t *testing.T) {
	r := newRingBuffer(0)
	assert.Equal(t, 1<<20, r.cap)
}

func TestRingBufferTailClampsToAvailableLength(t *testing.T) {
	r := newRingBuffer(64)
	r.Write([]byte("hello"))

	assert.Equal(t, []byte("hello"), r.Tail(100))
	assert.Equal(t, []byte("llo"), r.Tail(3))
}

func TestActivityWindowIdleForZeroUntilFirstOutput(t *testing.T) {
	a := &activityWindow{}
	assert.Equal(t, time.Duration(0), a.idleFor())

	a.markOutput()
	assert.Less(t, a.idleFor(), time.Second)
}

func TestActivityWindowStreakResetsOnSuccessfulWrite(t *testing.T) {
	a := &activityWindow{}
	a.markWriteResult(false)
	a.markWriteResult(false)
	assert.Equal(t, 2, a.streak())

	a.markWriteResult(true)
	assert.Equal(t, 0, a.streak())
}

func TestContainsSubsequenceFindsAndRejects(t *testing.T) {
	assert.True(t, containsSubsequence([]byte("hello world"), []byte("wor")))
	assert.False(t, containsSubsequence([]byte("hello world"), []byte("xyz")))
	assert.False(t, containsSubsequence([]byte("short"), []byte("longer than haystack")))
	assert.False(t, containsSubsequence([]byte("anything"), nil))
}

func TestLooksMeaningfulIgnoresWhitespaceOnly(t *testing.T) {
	assert.False(t, looksMeaningful([]byte("  \t\r\n")))
	assert.True(t, looksMeaningful([]byte("  x\n")))
}

func TestPaneLooksLikeGhostWithinWindowAndTailMatch(t *testing.T) {
	p := newPane("pane-1", "worker", []string{"cat"}, nil, genericDriver{}, 1024)
	p.scrollback.Write([]byte("echo hi\n"))
	p.activity.markOutput()

	assert.True(t, p.looksLikeGhost([]byte("echo hi")))
	assert.False(t, p.looksLikeGhost([]byte("totally different")))
}

func TestPaneLooksLikeGhostFalseAfterWindowElapses(t *testing.T) {
	p := newPane("pane-1", "worker", []string{"cat"}, nil, genericDriver{}, 1024)
	p.scrollback.Write([]byte("echo hi\n"))
	p.activity.mu.Lock()
	p.activity.lastOutputAt = time.Now().Add(-ghostDedupWindow * 2)
	p.activity.mu.Unlock()

	assert.False(t, p.looksLikeGhost([]byte("echo hi")))
}
