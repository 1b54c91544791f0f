package executor

import (
	"github.com/pingcap-incubator/tinysilo/message"
)

// Queue is the bounded FIFO a worker shares with the I/O layer. The worker
// is the only consumer of its inbound queue and the only producer of its
// outbound one; an inbound queue may be fed by several peers' dispatchers.
// Frames keep their order per (worker, peer) pair because each pair's
// traffic flows through exactly one queue.
type Queue struct {
	ch chan *message.Message
}

const defaultQueueCapacity = 1024

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Queue{ch: make(chan *message.Message, capacity)}
}

// Push enqueues a frame, blocking if the consumer has fallen behind.
func (q *Queue) Push(m *message.Message) {
	q.ch <- m
}

// TryPop dequeues the next frame or returns nil immediately.
func (q *Queue) TryPop() *message.Message {
	select {
	case m := <-q.ch:
		return m
	default:
		return nil
	}
}

// Len is the number of frames waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}
