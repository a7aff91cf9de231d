// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

// Runner is a long-lived consumer of the queue.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a fixed pool of workers. The pool bounds
// how many jobs run concurrently; submissions are never refused for capacity.
type Dispatcher struct {
	queue   crawler.Queue
	workers []Runner
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue %s: %w", item.JobID, err)
	}
	return nil
}
