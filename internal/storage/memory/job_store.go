// Package memory provides process-local stores for jobs and blobs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

// JobStore keeps every job in a map guarded by a single lock. Nothing survives
// a restart.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.Job
	clock crawler.Clock
}

// NewJobStore constructs a JobStore. Transition timestamps come from clock.
func NewJobStore(clock crawler.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]crawler.Job),
		clock: clock,
	}
}

// CreateJob stores a new job. The job must be queued.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusQueued
	}
	if job.Status != crawler.JobStatusQueued {
		return fmt.Errorf("%w: new job must be queued, got %s", crawler.ErrInvalidTransition, job.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", crawler.ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// MarkRunning moves a queued job to running and stamps its start time.
func (s *JobStore) MarkRunning(_ context.Context, jobID string) error {
	return s.transition(jobID, crawler.JobStatusRunning, func(job *crawler.Job) {
		job.Started = s.now()
	})
}

// Complete moves a running job to completed with its result.
func (s *JobStore) Complete(_ context.Context, jobID string, result crawler.JobResult) error {
	return s.transition(jobID, crawler.JobStatusCompleted, func(job *crawler.Job) {
		res := result
		job.Result = &res
		job.ErrorText = ""
		job.Finished = s.now()
	})
}

// Fail moves a queued or running job to failed. partial may carry whatever the
// pipeline produced before the failure.
func (s *JobStore) Fail(_ context.Context, jobID string, errText string, partial *crawler.JobResult) error {
	return s.transition(jobID, crawler.JobStatusFailed, func(job *crawler.Job) {
		if partial != nil {
			res := *partial
			job.Result = &res
		}
		job.ErrorText = errText
		job.Finished = s.now()
	})
}

// GetJob fetches a copy of a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs newest first. An empty status lists every job.
func (s *JobStore) ListJobs(_ context.Context, status crawler.JobStatus) ([]crawler.Job, error) {
	s.mu.RLock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID > out[j].ID
		}
		return out[i].Submitted.After(out[j].Submitted)
	})
	return out, nil
}

func (s *JobStore) transition(jobID string, to crawler.JobStatus, mutate func(*crawler.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", crawler.ErrJobNotFound, jobID)
	}
	if !allowed(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, job.Status, to)
	}
	job.Status = to
	mutate(&job)
	s.jobs[jobID] = job
	return nil
}

func allowed(from, to crawler.JobStatus) bool {
	switch from {
	case crawler.JobStatusQueued:
		return to == crawler.JobStatusRunning || to == crawler.JobStatusFailed
	case crawler.JobStatusRunning:
		return to == crawler.JobStatusCompleted || to == crawler.JobStatusFailed
	default:
		return false
	}
}

func (s *JobStore) now() *time.Time {
	ts := time.Now().UTC()
	if s.clock != nil {
		ts = s.clock.Now()
	}
	return &ts
}

func cloneJob(job crawler.Job) crawler.Job {
	cp := job
	cp.Parameters.URLs = append([]string(nil), job.Parameters.URLs...)
	cp.Parameters.Personas = append([]string(nil), job.Parameters.Personas...)
	if job.Result != nil {
		res := *job.Result
		res.Pages = append([]crawler.ExtractionResult(nil), job.Result.Pages...)
		if job.Result.Qualification != nil {
			q := *job.Result.Qualification
			res.Qualification = &q
		}
		cp.Result = &res
	}
	return cp
}
