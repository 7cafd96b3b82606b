package worker

import (
	"sync"

	"github.com/eapache/queue"
)

// Queue is an unbounded FIFO of payloads safe for concurrent use. It is the
// usual source behind a publisher binding.
type Queue struct {
	mu    sync.Mutex
	items *queue.Queue
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{items: queue.New()}
}

// Offer appends payload to the tail.
func (q *Queue) Offer(payload string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.init()
	q.items.Add(payload)
}

// Poll removes and returns the head. ok is false when the queue is empty.
func (q *Queue) Poll() (payload string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items == nil || q.items.Length() == 0 {
		return "", false
	}
	return q.items.Remove().(string), true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items == nil {
		return 0
	}
	return q.items.Length()
}

// Clear drops every queued payload.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = queue.New()
}

func (q *Queue) init() {
	if q.items == nil {
		q.items = queue.New()
	}
}
