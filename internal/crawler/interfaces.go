package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// Sentinel errors shared by store and pipeline implementations.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobExists         = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrQueueClosed       = errors.New("job queue is closed")
)

// JobStore tracks job lifecycle state.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	MarkRunning(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, result JobResult) error
	Fail(ctx context.Context, jobID string, errText string, partial *JobResult) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, status JobStatus) ([]Job, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// Queue provides enqueue/dequeue semantics for jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RateLimiter paces outbound requests per domain.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Crawler walks links breadth-first from a set of seeds, calling visit for
// every HTML page it fetches.
type Crawler interface {
	Crawl(ctx context.Context, req CrawlRequest, visit func(FetchResponse)) error
}

// Extractor pulls contact details out of an HTML document.
type Extractor interface {
	Extract(pageURL string, html []byte) (ExtractionResult, error)
}

// Qualifier scores a prospect site against a business profile.
type Qualifier interface {
	Qualify(ctx context.Context, req QualifyRequest) (Qualification, error)
}

// ReportWriter emits the CSV side artifact for a finished job.
type ReportWriter interface {
	Write(ctx context.Context, job Job, result JobResult) (string, error)
}

// ResultArchive durably records finished jobs.
type ResultArchive interface {
	ArchiveJob(ctx context.Context, job Job) error
	Close()
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
