package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

const shuttingDownMessage = "service is shutting down"

type submitResponse struct {
	JobID  string            `json:"job_id"`
	Status crawler.JobStatus `json:"status"`
}

type statusResponse struct {
	JobID     string            `json:"job_id"`
	Kind      crawler.JobKind   `json:"kind"`
	Status    crawler.JobStatus `json:"status"`
	Submitted time.Time         `json:"submitted_at"`
	Started   *time.Time        `json:"started_at,omitempty"`
	Finished  *time.Time        `json:"finished_at,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type resultResponse struct {
	JobID  string             `json:"job_id"`
	Kind   crawler.JobKind    `json:"kind"`
	Status crawler.JobStatus  `json:"status"`
	Error  string             `json:"error,omitempty"`
	Result *crawler.JobResult `json:"result"`
}

func (s *Server) submitCrawlJob(w http.ResponseWriter, r *http.Request) {
	var req crawlJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	params, err := s.crawlParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.submit(w, r, crawler.JobKindCrawl, params)
}

func (s *Server) submitExtractJob(w http.ResponseWriter, r *http.Request) {
	var req extractJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	params, err := s.extractParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.submit(w, r, crawler.JobKindExtract, params)
}

func (s *Server) submitQualifyJob(w http.ResponseWriter, r *http.Request) {
	var req qualifyJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if !s.qualifyEnabled {
		writeError(w, http.StatusBadRequest, "qualification is not configured")
		return
	}
	params, err := s.qualifyParameters(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.submit(w, r, crawler.JobKindQualify, params)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind crawler.JobKind, params crawler.JobParameters) {
	jobID, err := s.enqueueJob(r.Context(), kind, params)
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, shuttingDownMessage)
		case errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusRequestTimeout, err.Error())
		default:
			s.logger.Error("submit job failed", zap.String("kind", string(kind)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}
	s.logger.Info("job accepted",
		zap.String("job_id", jobID),
		zap.String("kind", string(kind)),
		zap.Int("urls", len(params.URLs)),
		zap.String("request_id", RequestID(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, Status: crawler.JobStatusQueued})
}

// enqueueJob records a queued job and hands it to the dispatcher. The queue is
// unbounded, so this only fails during shutdown or when the request is gone.
// The job is then marked failed so it never lingers as queued.
func (s *Server) enqueueJob(ctx context.Context, kind crawler.JobKind, params crawler.JobParameters) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:         jobID,
		Kind:       kind,
		Status:     crawler.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	item := crawler.QueueItem{
		JobID:     jobID,
		Kind:      kind,
		Params:    params,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(ctx, item); err != nil {
		reason := err.Error()
		if errors.Is(err, crawler.ErrQueueClosed) {
			reason = shuttingDownMessage
		}
		// The request context may already be done; the failure still needs recording.
		if failErr := s.jobStore.Fail(context.WithoutCancel(ctx), jobID, reason, nil); failErr != nil {
			s.logger.Warn("mark rejected job failed", zap.String("job_id", jobID), zap.Error(failErr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := crawler.JobStatus(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	jobs, err := s.jobStore.ListJobs(r.Context(), status)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]statusResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toStatus(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatus(job))
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if !job.Status.IsTerminal() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "job is not finished",
			"status": string(job.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		JobID:  job.ID,
		Kind:   job.Kind,
		Status: job.Status,
		Error:  job.ErrorText,
		Result: job.Result,
	})
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (crawler.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobStore.GetJob(r.Context(), jobID)
	switch {
	case err == nil:
		return job, true
	case errors.Is(err, crawler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	default:
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
	}
	return crawler.Job{}, false
}

func toStatus(job crawler.Job) statusResponse {
	return statusResponse{
		JobID:     job.ID,
		Kind:      job.Kind,
		Status:    job.Status,
		Submitted: job.Submitted,
		Started:   job.Started,
		Finished:  job.Finished,
		Error:     job.ErrorText,
	}
}
