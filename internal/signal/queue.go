package signal

import (
	"sync"
	"sync/atomic"

	"github.com/meetworks/sfu-signaling/internal/protocol"
)

type eventKind int

const (
	// eventMessage carries a parsed wire frame.
	eventMessage eventKind = iota
	// eventClosed reports that the connection's read loop ended.
	eventClosed
	// eventPong reports a WebSocket pong control frame (worker liveness).
	eventPong
)

type event struct {
	kind eventKind
	cs   *connState
	msg  *protocol.Message
}

// eventQueue is a count-bounded FIFO. Read pumps enqueue without blocking and
// the scheduler drains in bounded batches; when the queue is full, message
// events are dropped and counted while close events are always admitted so
// teardown can never be lost to backpressure.
type eventQueue struct {
	mu     sync.Mutex
	max    int
	events []event

	drops atomic.Uint64
}

func newEventQueue(max int) *eventQueue {
	return &eventQueue{max: max}
}

func (q *eventQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends ev if the queue has room. It never blocks.
func (q *eventQueue) Enqueue(ev event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) >= q.max {
		q.drops.Add(1)
		return false
	}
	q.events = append(q.events, ev)
	return true
}

// EnqueueForce appends ev regardless of the bound.
func (q *eventQueue) EnqueueForce(ev event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

// TryDequeue pops the oldest event, if any.
func (q *eventQueue) TryDequeue() (event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return event{}, false
	}
	ev := q.events[0]
	copy(q.events, q.events[1:])
	q.events[len(q.events)-1] = event{}
	q.events = q.events[:len(q.events)-1]
	return ev, true
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
