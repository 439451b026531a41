package router

import (
	"sync"

	"github.com/unitylab/unity-coordinator/internal/protocol"
)

// OverflowPolicy decides which message loses when an office queue is full.
type OverflowPolicy string

const (
	// DropNewest rejects the incoming message, keeping the backlog intact.
	DropNewest OverflowPolicy = "drop_newest"
	// DropOldest evicts the head of the queue to make room.
	DropOldest OverflowPolicy = "drop_oldest"
)

// boundedQueue is the inbound message queue for one office. Push never
// blocks; the overflow policy picks the victim when capacity is reached.
type boundedQueue struct {
	mu     sync.Mutex
	items  []*protocol.Message
	cap    int
	policy OverflowPolicy
}

func newBoundedQueue(capacity int, policy OverflowPolicy) *boundedQueue {
	if capacity <= 0 {
		capacity = 1
	}
	if policy == "" {
		policy = DropNewest
	}
	return &boundedQueue{cap: capacity, policy: policy}
}

// Push enqueues msg. It returns the message that was dropped to make room,
// or nil if nothing was dropped.
func (q *boundedQueue) Push(msg *protocol.Message) *protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) < q.cap {
		q.items = append(q.items, msg)
		return nil
	}
	if q.policy == DropOldest {
		dropped := q.items[0]
		copy(q.items, q.items[1:])
		q.items[len(q.items)-1] = msg
		return dropped
	}
	return msg
}

// SetLimit applies a new capacity. Shrinking does not evict; the backlog
// drains below the new limit through Pop.
func (q *boundedQueue) SetLimit(capacity int) {
	if capacity <= 0 {
		return
	}
	q.mu.Lock()
	q.cap = capacity
	q.mu.Unlock()
}

// Pop dequeues the oldest message, if any.
func (q *boundedQueue) Pop() (*protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	copy(q.items, q.items[1:])
	q.items = q.items[:len(q.items)-1]
	return msg, true
}

// Len reports the current queue depth.
func (q *boundedQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
