package gateway

import "sync"

// queue is a per-agent FIFO of undelivered messages. Dequeue removes the
// oldest entry; a message handed out is never handed out again.
type queue struct {
	mu    sync.Mutex
	items []Message
}

func newQueue() *queue {
	return &queue{}
}

func (q *queue) enqueue(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
}

func (q *queue) dequeue() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain removes and returns everything queued, preserving order. Used when a
// push connection attaches so the backlog is flushed through the new channel.
func (q *queue) drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
