// Package worker runs queued jobs through the extract, crawl, and qualify pipelines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/extract"
	"github.com/JakeFAU/grand-spider/internal/metrics"
	"github.com/JakeFAU/grand-spider/internal/policy/retry"
	"github.com/JakeFAU/grand-spider/internal/telemetry"
)

// ErrNoPages is returned when a job finished without processing a single page.
var ErrNoPages = errors.New("no pages were processed")

// ErrQualifierUnavailable is returned for qualify jobs when no qualifier is wired.
var ErrQualifierUnavailable = errors.New("qualification is not configured")

// Config controls Worker behavior.
type Config struct {
	ContentType      string
	BlobPrefix       string
	SavePageSource   bool
	Topic            string
	JobTimeout       time.Duration
	DefaultMaxPages  int
	PageTextLimit    int
	QualifyTextLimit int
	MaxRetries       int
	RetryBackoff     time.Duration
}

// Deps are the collaborators a Worker drives. Blobs, Publisher, Headless,
// Detector, Qualifier, Reports, and Archive are optional.
type Deps struct {
	Queue     crawler.Queue
	Jobs      crawler.JobStore
	Blobs     crawler.BlobStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Probe     crawler.Fetcher
	Headless  crawler.Fetcher
	Detector  crawler.HeadlessDetector
	Spider    crawler.Crawler
	Extractor crawler.Extractor
	Qualifier crawler.Qualifier
	Reports   crawler.ReportWriter
	Archive   crawler.ResultArchive
}

// Worker consumes queue items and executes the job pipelines.
type Worker struct {
	deps   Deps
	cfg    Config
	retry  *retry.Policy
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		retry:  retry.New(cfg.MaxRetries, cfg.RetryBackoff),
		logger: logger.Named("worker"),
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.String("kind", string(item.Kind)))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	start := time.Now()
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("kind", string(item.Kind)))

	ctx, span := telemetry.Tracer().Start(ctx, "job."+string(item.Kind),
		trace.WithAttributes(
			attribute.String("job.id", item.JobID),
			attribute.String("job.kind", string(item.Kind)),
			attribute.Int("job.urls", len(item.Params.URLs)),
		),
	)
	defer span.End()

	if err := w.deps.Jobs.MarkRunning(ctx, item.JobID); err != nil {
		logger.Error("mark job running failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark running")
		return
	}

	jobCtx := ctx
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}
	result, runErr := w.Execute(jobCtx, item)

	// Bookkeeping uses the parent context so an expired job deadline does not
	// prevent recording the outcome.
	job := crawler.Job{ID: item.JobID, Kind: item.Kind, Parameters: item.Params}
	if stored, err := w.deps.Jobs.GetJob(ctx, item.JobID); err == nil {
		job = stored
	}
	if uri := w.writeReport(ctx, job, result, logger); uri != "" {
		result.ReportURI = uri
	}

	status := crawler.JobStatusCompleted
	if runErr != nil {
		status = crawler.JobStatusFailed
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if err := w.deps.Jobs.Fail(ctx, item.JobID, runErr.Error(), &result); err != nil {
			logger.Error("fail job status update failed", zap.Error(err))
		}
		logger.Warn("job failed", zap.Error(runErr), zap.Int("pages", result.PagesVisited))
	} else {
		if err := w.deps.Jobs.Complete(ctx, item.JobID, result); err != nil {
			logger.Error("complete job status update failed", zap.Error(err))
		}
		logger.Info("job completed",
			zap.Int("pages", result.PagesVisited),
			zap.Int("emails", len(result.Summary.Emails)),
			zap.Int("phones", len(result.Summary.PhoneNumbers)),
			zap.Int("social_links", len(result.Summary.SocialLinks)),
		)
	}
	span.SetAttributes(attribute.String("job.status", string(status)), attribute.Int("job.pages", result.PagesVisited))
	metrics.ObserveJob(string(item.Kind), string(status))
	metrics.ObserveJobDuration(string(item.Kind), time.Since(start))

	finished, err := w.deps.Jobs.GetJob(ctx, item.JobID)
	if err != nil {
		logger.Error("reload finished job failed", zap.Error(err))
		return
	}
	w.archive(ctx, finished, logger)
	w.publish(ctx, finished, logger)
}

// Execute runs the pipeline for item without touching the job store.
func (w *Worker) Execute(ctx context.Context, item crawler.QueueItem) (crawler.JobResult, error) {
	switch item.Kind {
	case crawler.JobKindExtract:
		return w.runExtract(ctx, item)
	case crawler.JobKindCrawl:
		return w.runCrawl(ctx, item)
	case crawler.JobKindQualify:
		return w.runQualify(ctx, item)
	default:
		return crawler.JobResult{}, fmt.Errorf("unknown job kind %q", item.Kind)
	}
}

func (w *Worker) maxPages(params crawler.JobParameters) int {
	if params.MaxPages > 0 {
		return params.MaxPages
	}
	return w.cfg.DefaultMaxPages
}

func newResult(pages []crawler.ExtractionResult) crawler.JobResult {
	if pages == nil {
		pages = []crawler.ExtractionResult{}
	}
	summary := extract.Merge(pages...)
	metrics.ObserveContacts(len(summary.Emails), len(summary.PhoneNumbers), len(summary.SocialLinks))
	return crawler.JobResult{
		PagesVisited: len(pages),
		Pages:        pages,
		Summary:      summary,
	}
}

func (w *Worker) writeReport(ctx context.Context, job crawler.Job, result crawler.JobResult, logger *zap.Logger) string {
	if w.deps.Reports == nil {
		return ""
	}
	if result.PagesVisited == 0 && result.Qualification == nil {
		return ""
	}
	uri, err := w.deps.Reports.Write(ctx, job, result)
	if err != nil {
		logger.Warn("write report failed", zap.Error(err))
		return ""
	}
	logger.Debug("report written", zap.String("uri", uri))
	return uri
}

func (w *Worker) archive(ctx context.Context, job crawler.Job, logger *zap.Logger) {
	if w.deps.Archive == nil {
		return
	}
	if err := w.deps.Archive.ArchiveJob(ctx, job); err != nil {
		logger.Warn("archive job failed", zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, job crawler.Job, logger *zap.Logger) {
	if w.cfg.Topic == "" || w.deps.Publisher == nil {
		return
	}
	event := crawler.JobEvent{
		JobID:  job.ID,
		Kind:   job.Kind,
		Status: job.Status,
		Error:  job.ErrorText,
	}
	if job.Result != nil {
		event.PagesVisited = job.Result.PagesVisited
		event.ReportURI = job.Result.ReportURI
	}
	if job.Finished != nil {
		event.FinishedAt = *job.Finished
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish job event failed", zap.Error(err))
		return
	}
	logger.Debug("job event published", zap.String("message_id", id))
}
