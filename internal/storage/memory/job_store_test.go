package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore(fixedClock{now: time.Unix(200, 0).UTC()})
	ctx := context.Background()
	job := crawler.Job{
		ID:         "job-1",
		Kind:       crawler.JobKindExtract,
		Parameters: crawler.JobParameters{URLs: []string{"https://example.com"}},
		Submitted:  time.Unix(100, 0).UTC(),
	}

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), crawler.ErrJobExists)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, got.Status)
	require.Nil(t, got.Started)

	require.NoError(t, store.MarkRunning(ctx, job.ID))
	result := crawler.JobResult{
		PagesVisited: 1,
		Pages:        []crawler.ExtractionResult{{URL: "https://example.com", Emails: []string{"hi@example.com"}}},
	}
	require.NoError(t, store.Complete(ctx, job.ID, result))

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, final.Status)
	require.NotNil(t, final.Started)
	require.NotNil(t, final.Finished)
	require.Equal(t, time.Unix(200, 0).UTC(), *final.Finished)
	require.NotNil(t, final.Result)
	require.Equal(t, []string{"hi@example.com"}, final.Result.Pages[0].Emails)

	final.Result.Pages[0].URL = "mutated"
	again, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", again.Result.Pages[0].URL, "GetJob must return a copy")
}

func TestJobStoreRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, crawler.Job{ID: "job-2"}))

	require.ErrorIs(t, store.Complete(ctx, "job-2", crawler.JobResult{}), crawler.ErrInvalidTransition)
	require.NoError(t, store.MarkRunning(ctx, "job-2"))
	require.ErrorIs(t, store.MarkRunning(ctx, "job-2"), crawler.ErrInvalidTransition)
	require.NoError(t, store.Fail(ctx, "job-2", "dial tcp: timeout", nil))
	require.ErrorIs(t, store.Complete(ctx, "job-2", crawler.JobResult{}), crawler.ErrInvalidTransition)

	job, err := store.GetJob(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, "dial tcp: timeout", job.ErrorText)

	require.Error(t, store.CreateJob(ctx, crawler.Job{ID: "job-3", Status: crawler.JobStatusRunning}))
	require.Error(t, store.CreateJob(ctx, crawler.Job{}))
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	_, err := store.GetJob(context.Background(), "nope")
	require.True(t, errors.Is(err, crawler.ErrJobNotFound))
	require.ErrorIs(t, store.MarkRunning(context.Background(), "nope"), crawler.ErrJobNotFound)
}

func TestJobStoreListJobsNewestFirst(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, store.CreateJob(ctx, crawler.Job{
			ID:        fmt.Sprintf("job-%d", i),
			Submitted: time.Unix(int64(i), 0),
		}))
	}
	require.NoError(t, store.MarkRunning(ctx, "job-2"))

	all, err := store.ListJobs(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "job-3", all[0].ID)
	require.Equal(t, "job-1", all[2].ID)

	running, err := store.ListJobs(ctx, crawler.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "job-2", running[0].ID)
}

func TestJobStoreConcurrentSubmissions(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", n)
			if err := store.CreateJob(ctx, crawler.Job{ID: id}); err != nil {
				t.Errorf("CreateJob(%s) error = %v", id, err)
				return
			}
			if err := store.MarkRunning(ctx, id); err != nil {
				t.Errorf("MarkRunning(%s) error = %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	running, err := store.ListJobs(ctx, crawler.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 50)
}
