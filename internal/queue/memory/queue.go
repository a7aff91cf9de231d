// Package memory provides the in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/metrics"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = crawler.ErrQueueClosed

// Queue is an unbounded FIFO queue with context-aware operations. Enqueue
// never waits for capacity; the worker pool bounds how many jobs run at once.
type Queue struct {
	mu     sync.Mutex
	items  []crawler.QueueItem
	wake   chan struct{}
	closed bool
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Enqueue appends a job. It fails only when the context is already done or the
// queue has been closed.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	metrics.SetQueueDepth(len(q.items))
	q.broadcast()
	return nil
}

// Dequeue pops the next job, blocking until one arrives, the queue is closed
// and drained, or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = crawler.QueueItem{}
			q.items = q.items[1:]
			metrics.SetQueueDepth(len(q.items))
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return crawler.QueueItem{}, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wake:
		}
	}
}

// Close stops accepting jobs. Items already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// broadcast wakes every blocked Dequeue. Callers hold mu.
func (q *Queue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
