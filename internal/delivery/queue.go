package delivery

import (
	"sync"
	"time"

	"github.com/agentfleet/fleet/internal/types"
)

// DefaultQueueDepth bounds a pane's deferred-intent FIFO (spec §4.2
// "at most a small number of deferred intents (default 8)").
const DefaultQueueDepth = 8

// DefaultDeferTTL is how long a deferred intent waits for its gate to
// clear before it is dropped.
const DefaultDeferTTL = 10 * time.Second

type deferredIntent struct {
	envelope  types.Envelope
	reason    string
	deadline  time.Time
	replyCh   chan types.Ack
}

// paneQueue is one pane's FIFO of gate-deferred sends.
type paneQueue struct {
	mu    sync.Mutex
	items []*deferredIntent
	depth int
}

func newPaneQueue(depth int) *paneQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &paneQueue{depth: depth}
}

// Push enqueues an intent, returning false if the queue is full (caller
// must return dropped.queue_full).
func (q *paneQueue) Push(item *deferredIntent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.depth {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// PopExpired removes and returns every item past its TTL as of now.
func (q *paneQueue) PopExpired(now time.Time) []*deferredIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	var expired []*deferredIntent
	var kept []*deferredIntent
	for _, item := range q.items {
		if now.After(item.deadline) {
			expired = append(expired, item)
		} else {
			kept = append(kept, item)
		}
	}
	q.items = kept
	return expired
}

// Drain removes and returns every queued item in FIFO order, for
// gate-clearing re-drive.
func (q *paneQueue) Drain() []*deferredIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len reports the current queue depth.
func (q *paneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
