package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPaneQueuePushRespectsDepth(t *testing.T) {
	q := newPaneQueue(2)
	assert.True(t, q.Push(&deferredIntent{reason: "a"}))
	assert.True(t, q.Push(&deferredIntent{reason: "b"}))
	assert.False(t, q.Push(&deferredIntent{reason: "c"}), "third push should be rejected at depth 2")
	assert.Equal(t, 2, q.Len())
}

func TestPaneQueueDefaultsDepthWhenNonPositive(t *testing.T) {
	q := newPaneQueue(0)
	assert.Equal(t, DefaultQueueDepth, q.depth)
}

func TestPaneQueuePopExpiredSeparatesExpiredFromKept(t *testing.T) {
	q := newPaneQueue(4)
	now := time.Now()
	expiredItem := &deferredIntent{reason: "stale", deadline: now.Add(-time.Second)}
	freshItem := &deferredIntent{reason: "fresh", deadline: now.Add(time.Minute)}
	q.Push(expiredItem)
	q.Push(freshItem)

	expired := q.PopExpired(now)
	assert.Equal(t, []*deferredIntent{expiredItem}, expired)
	assert.Equal(t, 1, q.Len())
}

func TestPaneQueueDrainEmptiesInFIFOOrder(t *testing.T) {
	q := newPaneQueue(4)
	first := &deferredIntent{reason: "first"}
	second := &deferredIntent{reason: "second"}
	q.Push(first)
	q.Push(second)

	drained := q.Drain()
	assert.Equal(t, []*deferredIntent{first, second}, drained)
	assert.Equal(t, 0, q.Len())
}
