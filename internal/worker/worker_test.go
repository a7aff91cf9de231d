package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	headlessfetcher "github.com/JakeFAU/grand-spider/internal/fetcher/headless"
	"github.com/JakeFAU/grand-spider/internal/hash/sha256"
	"github.com/JakeFAU/grand-spider/internal/headless/detector"
	pubmemory "github.com/JakeFAU/grand-spider/internal/publisher/memory"
	queuememory "github.com/JakeFAU/grand-spider/internal/queue/memory"
	"github.com/JakeFAU/grand-spider/internal/report"
	storememory "github.com/JakeFAU/grand-spider/internal/storage/memory"
)

const contactHTML = `<html><head><title>Acme</title></head><body>
<a href="https://twitter.com/acme">tw</a><p>Write to sales@acme.test or call 555-123-4567.</p></body></html>`

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]crawler.FetchResponse
	errs      []error
	calls     int
	requests  []crawler.FetchRequest
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return crawler.FetchResponse{}, err
		}
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return crawler.FetchResponse{}, errors.New("connection refused")
	}
	return resp, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSpider struct {
	mu    sync.Mutex
	pages []crawler.FetchResponse
	err   error
	block bool
	reqs  []crawler.CrawlRequest
}

func (s *fakeSpider) Crawl(ctx context.Context, req crawler.CrawlRequest, visit func(crawler.FetchResponse)) error {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	for i, page := range s.pages {
		if i >= req.MaxPages {
			break
		}
		visit(page)
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

type fakeQualifier struct {
	mu      sync.Mutex
	verdict crawler.Qualification
	err     error
	reqs    []crawler.QualifyRequest
}

func (q *fakeQualifier) Qualify(_ context.Context, req crawler.QualifyRequest) (crawler.Qualification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reqs = append(q.reqs, req)
	return q.verdict, q.err
}

type fakeArchive struct {
	mu   sync.Mutex
	jobs []crawler.Job
}

func (a *fakeArchive) ArchiveJob(_ context.Context, job crawler.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job)
	return nil
}

func (a *fakeArchive) Close() {}

func (a *fakeArchive) archived() []crawler.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]crawler.Job(nil), a.jobs...)
}

type harness struct {
	jobs      *storememory.JobStore
	blobs     *storememory.BlobStore
	reports   *storememory.BlobStore
	publisher *pubmemory.Publisher
	archive   *fakeArchive
	queue     *queuememory.Queue
	worker    *Worker
}

func newHarness(t *testing.T, deps Deps, cfg Config) *harness {
	t.Helper()
	h := &harness{
		jobs:      storememory.NewJobStore(nil),
		blobs:     storememory.NewBlobStore(),
		reports:   storememory.NewBlobStore(),
		publisher: pubmemory.New(),
		archive:   &fakeArchive{},
		queue:     queuememory.NewQueue(),
	}
	deps.Queue = h.queue
	deps.Jobs = h.jobs
	deps.Blobs = h.blobs
	deps.Publisher = h.publisher
	deps.Hasher = sha256.New()
	deps.Reports = report.NewWriter(h.reports)
	deps.Archive = h.archive
	if cfg.Topic == "" {
		cfg.Topic = "jobs"
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	h.worker = New(deps, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.worker.Run(ctx)
	return h
}

func (h *harness) submit(t *testing.T, id string, kind crawler.JobKind, params crawler.JobParameters) crawler.Job {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.jobs.CreateJob(ctx, crawler.Job{ID: id, Kind: kind, Parameters: params, Submitted: time.Now()}))
	require.NoError(t, h.queue.Enqueue(ctx, crawler.QueueItem{JobID: id, Kind: kind, Params: params}))

	var job crawler.Job
	require.Eventually(t, func() bool {
		got, err := h.jobs.GetJob(ctx, id)
		if err != nil {
			return false
		}
		job = got
		return got.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)
	// Archive and publish happen right after the terminal transition.
	require.Eventually(t, func() bool {
		return len(h.archive.archived()) > 0 && len(h.publisher.Messages()) > 0
	}, time.Second, 5*time.Millisecond)
	return job
}

func okPage(url, body string) crawler.FetchResponse {
	return crawler.FetchResponse{
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

func TestExtractJobCompletes(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://acme.test": okPage("https://acme.test/", contactHTML),
	}}
	h := newHarness(t, Deps{Probe: probe}, Config{BlobPrefix: "pages", SavePageSource: true})

	job := h.submit(t, "job-1", crawler.JobKindExtract, crawler.JobParameters{
		URLs:     []string{"https://acme.test"},
		Headless: crawler.HeadlessNever,
	})

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result)
	require.Equal(t, 1, job.Result.PagesVisited)
	require.Equal(t, "Acme", job.Result.Pages[0].Title)
	require.Equal(t, http.StatusOK, job.Result.Pages[0].StatusCode)
	require.False(t, job.Result.Pages[0].UsedHeadless)
	require.Equal(t, []string{"sales@acme.test"}, job.Result.Summary.Emails)
	require.Equal(t, []string{"555-123-4567"}, job.Result.Summary.PhoneNumbers)
	require.Equal(t, []string{"https://twitter.com/acme"}, job.Result.Summary.SocialLinks)
	require.Equal(t, "memory://extract_job-1.csv", job.Result.ReportURI)

	paths := h.blobs.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "pages/job-1/"), paths[0])
	require.True(t, strings.HasSuffix(paths[0], ".html"), paths[0])

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	event, ok := msgs[0].Payload.(crawler.JobEvent)
	require.True(t, ok)
	require.Equal(t, crawler.JobStatusCompleted, event.Status)
	require.Equal(t, 1, event.PagesVisited)
	require.Equal(t, "memory://extract_job-1.csv", event.ReportURI)

	archived := h.archive.archived()
	require.Len(t, archived, 1)
	require.Equal(t, crawler.JobStatusCompleted, archived[0].Status)
}

func TestExtractJobPromotesToHeadless(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://spa.test": okPage("https://spa.test/", `<html><body><div id="root"></div></body></html>`),
	}}
	headless := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://spa.test": okPage("https://spa.test/", contactHTML),
	}}
	h := newHarness(t, Deps{Probe: probe, Headless: headless, Detector: detector.NewHeuristic(0)}, Config{})

	job := h.submit(t, "job-spa", crawler.JobKindExtract, crawler.JobParameters{
		URLs:     []string{"https://spa.test"},
		Headless: crawler.HeadlessAuto,
	})

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.True(t, job.Result.Pages[0].UsedHeadless)
	require.Equal(t, []string{"sales@acme.test"}, job.Result.Summary.Emails)
	require.Equal(t, 1, headless.callCount())
	require.True(t, headless.requests[0].UseHeadless)
}

func TestExtractJobAlwaysHeadlessFallsBackWhenDisabled(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://acme.test": okPage("https://acme.test/", contactHTML),
	}}
	h := newHarness(t, Deps{Probe: probe, Headless: headlessfetcher.NewNoop()}, Config{})

	job := h.submit(t, "job-always", crawler.JobKindExtract, crawler.JobParameters{
		URLs:     []string{"https://acme.test"},
		Headless: crawler.HeadlessAlways,
	})

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.False(t, job.Result.Pages[0].UsedHeadless)
	require.Equal(t, 1, probe.callCount())
}

func TestExtractJobRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{
		responses: map[string]crawler.FetchResponse{"https://acme.test": okPage("https://acme.test/", contactHTML)},
		errs:      []error{errors.New("connection reset"), errors.New("connection reset")},
	}
	h := newHarness(t, Deps{Probe: probe}, Config{MaxRetries: 2})

	job := h.submit(t, "job-retry", crawler.JobKindExtract, crawler.JobParameters{URLs: []string{"https://acme.test"}})
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 3, probe.callCount())
}

func TestExtractJobFailsWithoutPages(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{responses: map[string]crawler.FetchResponse{}}
	h := newHarness(t, Deps{Probe: probe}, Config{MaxRetries: 1})

	job := h.submit(t, "job-fail", crawler.JobKindExtract, crawler.JobParameters{
		URLs: []string{"https://down.test", "https://also-down.test"},
	})

	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "no pages were processed")
	require.Contains(t, job.ErrorText, "connection refused")
	require.Equal(t, 4, probe.callCount())
	require.Empty(t, job.Result.ReportURI)

	event := h.publisher.Messages()[0].Payload.(crawler.JobEvent)
	require.Equal(t, crawler.JobStatusFailed, event.Status)
	require.Equal(t, job.ErrorText, event.Error)
}

func TestCrawlJobExtractsEveryPage(t *testing.T) {
	t.Parallel()

	spider := &fakeSpider{pages: []crawler.FetchResponse{
		okPage("https://acme.test/", contactHTML),
		okPage("https://acme.test/about", `<html><body><a href="https://github.com/acme">gh</a> info@acme.test</body></html>`),
	}}
	h := newHarness(t, Deps{Spider: spider}, Config{DefaultMaxPages: 7})

	job := h.submit(t, "job-crawl", crawler.JobKindCrawl, crawler.JobParameters{
		URLs:       []string{"https://acme.test"},
		SameDomain: true,
	})

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 2, job.Result.PagesVisited)
	require.Equal(t, []string{"info@acme.test", "sales@acme.test"}, job.Result.Summary.Emails)
	require.Equal(t, []string{"https://github.com/acme", "https://twitter.com/acme"}, job.Result.Summary.SocialLinks)
	require.Equal(t, "memory://crawl_job-crawl.csv", job.Result.ReportURI)

	require.Len(t, spider.reqs, 1)
	require.Equal(t, 7, spider.reqs[0].MaxPages)
	require.True(t, spider.reqs[0].SameDomain)
	require.Equal(t, "job-crawl", spider.reqs[0].JobID)
}

func TestCrawlJobTimesOut(t *testing.T) {
	t.Parallel()

	spider := &fakeSpider{block: true}
	h := newHarness(t, Deps{Spider: spider}, Config{JobTimeout: 20 * time.Millisecond})

	job := h.submit(t, "job-slow", crawler.JobKindCrawl, crawler.JobParameters{URLs: []string{"https://slow.test"}})
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "deadline exceeded")
}

func TestQualifyJob(t *testing.T) {
	t.Parallel()

	spider := &fakeSpider{pages: []crawler.FetchResponse{
		okPage("https://acme.test/", contactHTML),
		okPage("https://acme.test/team", `<html><body><p>Our CFO leads finance.</p></body></html>`),
	}}
	qualifier := &fakeQualifier{verdict: crawler.Qualification{Score: 70, Fit: crawler.FitModerate, Summary: "Retailer"}}
	h := newHarness(t, Deps{Spider: spider, Qualifier: qualifier}, Config{QualifyTextLimit: 40})

	job := h.submit(t, "job-q", crawler.JobKindQualify, crawler.JobParameters{
		URLs:            []string{"https://acme.test", "https://ignored.test"},
		MaxPages:        2,
		BusinessProfile: "We sell payroll software.",
		Personas:        []string{"CFO"},
	})

	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.NotNil(t, job.Result.Qualification)
	require.Equal(t, 70, job.Result.Qualification.Score)
	require.Equal(t, 2, job.Result.PagesVisited)
	require.Equal(t, "memory://qualify_job-q.csv", job.Result.ReportURI)

	require.Len(t, spider.reqs, 1)
	require.Equal(t, []string{"https://acme.test"}, spider.reqs[0].Seeds)
	require.True(t, spider.reqs[0].SameDomain)

	require.Len(t, qualifier.reqs, 1)
	req := qualifier.reqs[0]
	require.Equal(t, "https://acme.test", req.URL)
	require.Equal(t, "We sell payroll software.", req.BusinessProfile)
	require.Equal(t, []string{"CFO"}, req.Personas)
	require.True(t, strings.HasPrefix(req.PageText, "tw Write to sales@acme.test"), req.PageText)
	require.Len(t, []rune(req.PageText), 40)
}

func TestQualifyJobFailures(t *testing.T) {
	t.Parallel()

	spider := &fakeSpider{pages: []crawler.FetchResponse{okPage("https://acme.test/", contactHTML)}}

	t.Run("qualifier error keeps partial result", func(t *testing.T) {
		t.Parallel()
		qualifier := &fakeQualifier{err: errors.New("quota exceeded")}
		h := newHarness(t, Deps{Spider: spider, Qualifier: qualifier}, Config{})
		job := h.submit(t, "job-qerr", crawler.JobKindQualify, crawler.JobParameters{
			URLs: []string{"https://acme.test"}, BusinessProfile: "x", Personas: []string{"CFO"},
		})
		require.Equal(t, crawler.JobStatusFailed, job.Status)
		require.Contains(t, job.ErrorText, "quota exceeded")
		require.Equal(t, 1, job.Result.PagesVisited)
		require.Nil(t, job.Result.Qualification)
	})

	t.Run("no qualifier", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Deps{Spider: spider}, Config{})
		job := h.submit(t, "job-noq", crawler.JobKindQualify, crawler.JobParameters{
			URLs: []string{"https://acme.test"}, BusinessProfile: "x", Personas: []string{"CFO"},
		})
		require.Equal(t, crawler.JobStatusFailed, job.Status)
		require.Equal(t, ErrQualifierUnavailable.Error(), job.ErrorText)
	})
}

func TestExtractPageEmptySource(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://blank.test": okPage("https://blank.test/", "   "),
	}}
	w := New(Deps{Probe: probe}, Config{}, zap.NewNop())

	page, err := w.ExtractPage(context.Background(), PageRequest{URL: "https://blank.test", Headless: crawler.HeadlessNever})
	require.ErrorIs(t, err, ErrEmptyPage)
	require.Equal(t, "https://blank.test/", page.URL)
	require.NotNil(t, page.Emails)
	require.Empty(t, page.Emails)
}

func TestExtractPageSavesSourceUnderRequestPrefix(t *testing.T) {
	t.Parallel()

	probe := &fakeFetcher{responses: map[string]crawler.FetchResponse{
		"https://acme.test": okPage("https://acme.test/", contactHTML),
	}}
	blobs := storememory.NewBlobStore()
	w := New(Deps{Probe: probe, Blobs: blobs, Hasher: sha256.New()}, Config{SavePageSource: true, BlobPrefix: "pages"}, zap.NewNop())

	_, err := w.ExtractPage(context.Background(), PageRequest{
		JobID:    "extract-info-req-7",
		URL:      "https://acme.test",
		Headless: crawler.HeadlessNever,
	})
	require.NoError(t, err)

	paths := blobs.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "pages/extract-info-req-7/"), paths[0])
	require.True(t, strings.HasSuffix(paths[0], ".html"), paths[0])
	body, _, ok := blobs.Object(paths[0])
	require.True(t, ok)
	require.Equal(t, contactHTML, string(body))
}

func TestExtractPageLogsFetchDetails(t *testing.T) {
	t.Parallel()

	resp := okPage("https://acme.test/", contactHTML)
	resp.Duration = 250 * time.Millisecond
	resp.RobotsStatus = crawler.RobotsStatusIndeterminate
	resp.RobotsReason = "TLS handshake timeout"
	probe := &fakeFetcher{responses: map[string]crawler.FetchResponse{"https://acme.test": resp}}

	core, logs := observer.New(zap.DebugLevel)
	w := New(Deps{Probe: probe}, Config{}, zap.New(core))

	_, err := w.ExtractPage(context.Background(), PageRequest{JobID: "job-1", URL: "https://acme.test", Headless: crawler.HeadlessNever})
	require.NoError(t, err)

	warned := logs.FilterMessage("robots.txt unreadable, fetched as allow-all").All()
	require.Len(t, warned, 1)
	require.Equal(t, "TLS handshake timeout", warned[0].ContextMap()["reason"])

	fetched := logs.FilterMessage("page fetched").All()
	require.Len(t, fetched, 1)
	fields := fetched[0].ContextMap()
	require.Equal(t, 250*time.Millisecond, fields["duration"])
	require.EqualValues(t, http.StatusOK, fields["status"])
	require.Equal(t, "job-1", fields["job_id"])
}

func TestExecuteUnknownKind(t *testing.T) {
	t.Parallel()

	w := New(Deps{}, Config{}, zap.NewNop())
	_, err := w.Execute(context.Background(), crawler.QueueItem{Kind: "mystery"})
	require.ErrorContains(t, err, `unknown job kind "mystery"`)
}
