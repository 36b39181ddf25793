// Package data_mover moves closed files to a node-local staging area in the
// background and keeps the table of redirected paths that opens consult.
package data_mover

import "sync"

// Queue is an unbounded FIFO of paths waiting for migration. Producers never
// block; the single consumer waits on Ready and takes everything with Drain.
type Queue struct {
	mu    sync.Mutex
	items []string
	ready chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Enqueue appends path and wakes the consumer.
func (q *Queue) Enqueue(path string) {
	q.mu.Lock()
	q.items = append(q.items, path)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
		// A wakeup is already pending; it will see this item too.
	}
}

// Ready is signalled after at least one Enqueue since the last receive.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns every queued path in FIFO order.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.items
	q.items = nil
	return batch
}

// Len returns the number of queued paths.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
