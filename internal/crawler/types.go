package crawler

import (
	"net/http"
	"time"
)

// JobKind selects which pipeline a worker runs for a job.
type JobKind string

// Supported job kinds.
const (
	JobKindCrawl   JobKind = "crawl"
	JobKindExtract JobKind = "extract"
	JobKindQualify JobKind = "qualify"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// HeadlessMode controls when the browser fetcher is used.
type HeadlessMode string

// Headless modes accepted by extract jobs.
const (
	HeadlessAuto   HeadlessMode = "auto"
	HeadlessAlways HeadlessMode = "always"
	HeadlessNever  HeadlessMode = "never"
)

// Valid reports whether m is a known mode.
func (m HeadlessMode) Valid() bool {
	switch m {
	case HeadlessAuto, HeadlessAlways, HeadlessNever:
		return true
	default:
		return false
	}
}

// JobParameters captures the per-job knobs requested by the client.
type JobParameters struct {
	URLs            []string     `json:"urls"`
	MaxPages        int          `json:"max_pages,omitempty"`
	SameDomain      bool         `json:"same_domain"`
	Headless        HeadlessMode `json:"headless,omitempty"`
	WaitSelector    string       `json:"wait_selector,omitempty"`
	RespectRobots   bool         `json:"respect_robots"`
	BusinessProfile string       `json:"business_profile,omitempty"`
	Personas        []string     `json:"personas,omitempty"`
}

// Job is the bookkeeping record for one asynchronous unit of work.
type Job struct {
	ID         string        `json:"id"`
	Kind       JobKind       `json:"kind"`
	Status     JobStatus     `json:"status"`
	Parameters JobParameters `json:"parameters"`
	Submitted  time.Time     `json:"submitted_at"`
	Started    *time.Time    `json:"started_at,omitempty"`
	Finished   *time.Time    `json:"finished_at,omitempty"`
	ErrorText  string        `json:"error,omitempty"`
	Result     *JobResult    `json:"result,omitempty"`
}

// JobResult is the free-form payload attached to a finished job.
type JobResult struct {
	PagesVisited  int                `json:"pages_visited"`
	Pages         []ExtractionResult `json:"pages"`
	Summary       ContactSummary     `json:"summary"`
	Qualification *Qualification     `json:"qualification,omitempty"`
	ReportURI     string             `json:"report_uri,omitempty"`
}

// ExtractionResult is the per-page bag of contact fields. Every list is sorted
// and free of duplicates.
type ExtractionResult struct {
	URL          string   `json:"url"`
	StatusCode   int      `json:"status_code,omitempty"`
	UsedHeadless bool     `json:"used_headless"`
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Emails       []string `json:"emails"`
	PhoneNumbers []string `json:"phone_numbers"`
	SocialLinks  []string `json:"social_links"`
}

// ContactSummary is the union of contact fields across all pages of a job.
type ContactSummary struct {
	Emails       []string `json:"emails"`
	PhoneNumbers []string `json:"phone_numbers"`
	SocialLinks  []string `json:"social_links"`
}

// Fit is the coarse qualification verdict.
type Fit string

// Fit levels, strongest first.
const (
	FitStrong   Fit = "strong"
	FitModerate Fit = "moderate"
	FitWeak     Fit = "weak"
	FitNone     Fit = "none"
)

// Qualification is the LLM verdict for a prospect site.
type Qualification struct {
	Score           int      `json:"score"`
	Fit             Fit      `json:"fit"`
	Summary         string   `json:"summary"`
	MatchedPersonas []string `json:"matched_personas"`
	Reasons         []string `json:"reasons"`
	Model           string   `json:"model,omitempty"`
}

// RobotsStatus captures the outcome of robots.txt evaluation for a fetch.
type RobotsStatus string

// Robots evaluation states.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
)

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID         string
	URL           string
	UseHeadless   bool
	WaitSelector  string
	Headers       http.Header
	RespectRobots bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	RobotsStatus RobotsStatus
	RobotsReason string
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Kind      JobKind
	Params    JobParameters
	Submitted int64
}

// CrawlRequest bounds a breadth-first crawl.
type CrawlRequest struct {
	JobID         string
	Seeds         []string
	MaxPages      int
	SameDomain    bool
	RespectRobots bool
}

// QualifyRequest is the input to a Qualifier.
type QualifyRequest struct {
	URL             string
	PageText        string
	BusinessProfile string
	Personas        []string
}

// JobEvent is published when a job reaches a terminal state.
type JobEvent struct {
	JobID        string    `json:"job_id"`
	Kind         JobKind   `json:"kind"`
	Status       JobStatus `json:"status"`
	PagesVisited int       `json:"pages_visited"`
	ReportURI    string    `json:"report_uri,omitempty"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Attributes returns routing metadata for message brokers.
func (e JobEvent) Attributes() map[string]string {
	return map[string]string{
		"job_id": e.JobID,
		"kind":   string(e.Kind),
		"status": string(e.Status),
	}
}
