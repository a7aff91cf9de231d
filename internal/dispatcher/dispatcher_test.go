package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/queue/memory"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	runners := []Runner{newFakeRunner(), newFakeRunner()}
	dispatch := New(memory.NewQueue(), runners)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for _, r := range runners {
		select {
		case <-r.(*fakeRunner).started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	for _, r := range runners {
		require.EqualValues(t, 1, r.(*fakeRunner).stopped.Load())
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: errors.New("boom")}, nil)

	err := dispatch.Enqueue(context.Background(), crawler.QueueItem{JobID: "job"})
	require.EqualError(t, err, "queue enqueue job: boom")
}

func TestDispatcherAcceptsBeyondWorkerCount(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	dispatch := New(q, []Runner{newFakeRunner()})
	for i := 0; i < 100; i++ {
		require.NoError(t, dispatch.Enqueue(context.Background(), crawler.QueueItem{JobID: "job"}))
	}
}

func TestDispatcherEnqueueCallerCanceled(t *testing.T) {
	t.Parallel()

	dispatch := New(memory.NewQueue(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dispatch.Enqueue(ctx, crawler.QueueItem{JobID: "job"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDispatcherEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue()
	q.Close()
	err := New(q, nil).Enqueue(context.Background(), crawler.QueueItem{JobID: "late"})
	require.ErrorIs(t, err, crawler.ErrQueueClosed)
}

type fakeRunner struct {
	started chan struct{}
	stopped atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan struct{}, 1)}
}

func (r *fakeRunner) Run(ctx context.Context) {
	r.started <- struct{}{}
	<-ctx.Done()
	r.stopped.Add(1)
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, nil
}
