package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/extract"
	headlessfetcher "github.com/JakeFAU/grand-spider/internal/fetcher/headless"
	"github.com/JakeFAU/grand-spider/internal/metrics"
)

// ErrEmptyPage is returned by ExtractPage alongside an empty result when the
// fetched page source was blank.
var ErrEmptyPage = errors.New("page source is empty")

// PageRequest describes a single-page extraction.
type PageRequest struct {
	JobID         string
	URL           string
	Headless      crawler.HeadlessMode
	WaitSelector  string
	RespectRobots bool
}

type reasoner interface {
	Reason(crawler.FetchResponse) string
}

// ExtractPage fetches one URL, promoting to the headless browser per
// req.Headless, and extracts its contact fields.
func (w *Worker) ExtractPage(ctx context.Context, req PageRequest) (crawler.ExtractionResult, error) {
	resp, err := w.fetchPage(ctx, req)
	if err != nil {
		return crawler.ExtractionResult{}, err
	}
	w.logFetch(req, resp)
	w.savePage(ctx, req.JobID, resp)

	if len(bytes.TrimSpace(resp.Body)) == 0 {
		empty := extract.Merge()
		return crawler.ExtractionResult{
			URL:          resp.URL,
			StatusCode:   resp.StatusCode,
			UsedHeadless: resp.UsedHeadless,
			Emails:       empty.Emails,
			PhoneNumbers: empty.PhoneNumbers,
			SocialLinks:  empty.SocialLinks,
		}, ErrEmptyPage
	}
	page, err := w.deps.Extractor.Extract(resp.URL, resp.Body)
	if err != nil {
		return crawler.ExtractionResult{}, fmt.Errorf("extract %s: %w", resp.URL, err)
	}
	page.StatusCode = resp.StatusCode
	page.UsedHeadless = resp.UsedHeadless
	return page, nil
}

func (w *Worker) fetchPage(ctx context.Context, req PageRequest) (crawler.FetchResponse, error) {
	fetchReq := crawler.FetchRequest{
		JobID:         req.JobID,
		URL:           req.URL,
		WaitSelector:  req.WaitSelector,
		RespectRobots: req.RespectRobots,
	}
	logger := w.logger.With(zap.String("job_id", req.JobID), zap.String("url", req.URL))

	if req.Headless == crawler.HeadlessAlways && w.deps.Headless != nil {
		resp, err := w.fetchHeadless(ctx, fetchReq)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, headlessfetcher.ErrDisabled) {
			return crawler.FetchResponse{}, err
		}
		logger.Warn("headless requested but disabled, using plain fetch")
	}

	resp, err := w.fetchProbe(ctx, fetchReq)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if req.Headless != crawler.HeadlessAuto || w.deps.Detector == nil || w.deps.Headless == nil {
		return resp, nil
	}
	if !w.deps.Detector.ShouldPromote(resp) {
		return resp, nil
	}

	reason := ""
	if r, ok := w.deps.Detector.(reasoner); ok {
		reason = r.Reason(resp)
	}
	promoted, err := w.fetchHeadless(ctx, fetchReq)
	if err != nil {
		logger.Warn("headless promotion failed", zap.String("reason", reason), zap.Error(err))
		return resp, nil
	}
	metrics.ObserveHeadlessPromotion()
	logger.Info("headless promotion applied", zap.String("reason", reason))
	return promoted, nil
}

func (w *Worker) fetchProbe(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if w.deps.Probe == nil {
		return crawler.FetchResponse{}, fmt.Errorf("no probe fetcher configured")
	}
	var resp crawler.FetchResponse
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		var fetchErr error
		resp, fetchErr = w.deps.Probe.Fetch(ctx, req)
		return fetchErr
	})
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("probe fetch: %w", err)
	}
	return resp, nil
}

func (w *Worker) fetchHeadless(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	req.UseHeadless = true
	resp, err := w.deps.Headless.Fetch(ctx, req)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("headless fetch: %w", err)
	}
	resp.UsedHeadless = true
	return resp, nil
}

func (w *Worker) logFetch(req PageRequest, resp crawler.FetchResponse) {
	logger := w.logger.With(zap.String("job_id", req.JobID), zap.String("url", resp.URL))
	if resp.RobotsStatus == crawler.RobotsStatusIndeterminate {
		logger.Warn("robots.txt unreadable, fetched as allow-all", zap.String("reason", resp.RobotsReason))
	}
	logger.Debug("page fetched",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", resp.Duration),
		zap.Bool("headless", resp.UsedHeadless),
		zap.Int("bytes", len(resp.Body)),
	)
}

// savePage stores the page source for debugging. Failures are logged only.
func (w *Worker) savePage(ctx context.Context, jobID string, resp crawler.FetchResponse) {
	if !w.cfg.SavePageSource || w.deps.Blobs == nil || w.deps.Hasher == nil || jobID == "" {
		return
	}
	hash, err := w.deps.Hasher.Hash(resp.Body)
	if err != nil {
		w.logger.Warn("hash page source failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	uri, err := w.deps.Blobs.PutObject(ctx, w.blobPath(jobID, hash), w.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		w.logger.Warn("save page source failed", zap.String("job_id", jobID), zap.String("url", resp.URL), zap.Error(err))
		return
	}
	w.logger.Debug("page source saved", zap.String("job_id", jobID), zap.String("url", resp.URL), zap.String("blob_uri", uri))
}

func (w *Worker) blobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

func (w *Worker) runExtract(ctx context.Context, item crawler.QueueItem) (crawler.JobResult, error) {
	mode := item.Params.Headless
	if mode == "" {
		mode = crawler.HeadlessAuto
	}
	var (
		pages   []crawler.ExtractionResult
		lastErr error
	)
	for _, url := range item.Params.URLs {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		page, err := w.ExtractPage(ctx, PageRequest{
			JobID:         item.JobID,
			URL:           url,
			Headless:      mode,
			WaitSelector:  item.Params.WaitSelector,
			RespectRobots: item.Params.RespectRobots,
		})
		if err != nil && !errors.Is(err, ErrEmptyPage) {
			lastErr = err
			w.logger.Warn("extract page failed", zap.String("job_id", item.JobID), zap.String("url", url), zap.Error(err))
			continue
		}
		pages = append(pages, page)
	}
	result := newResult(pages)
	if len(pages) == 0 {
		return result, noPagesError(lastErr)
	}
	return result, nil
}

func (w *Worker) runCrawl(ctx context.Context, item crawler.QueueItem) (crawler.JobResult, error) {
	pages, crawlErr := w.crawlPages(ctx, item, item.Params.URLs, item.Params.SameDomain, nil)
	result := newResult(pages)
	if len(pages) == 0 {
		return result, noPagesError(crawlErr)
	}
	if crawlErr != nil {
		w.logger.Warn("crawl ended early", zap.String("job_id", item.JobID), zap.Int("pages", len(pages)), zap.Error(crawlErr))
	}
	return result, nil
}

func (w *Worker) runQualify(ctx context.Context, item crawler.QueueItem) (crawler.JobResult, error) {
	if w.deps.Qualifier == nil {
		return newResult(nil), ErrQualifierUnavailable
	}
	if len(item.Params.URLs) == 0 {
		return newResult(nil), ErrNoPages
	}
	target := item.Params.URLs[0]

	var texts []string
	pages, crawlErr := w.crawlPages(ctx, item, []string{target}, true, func(resp crawler.FetchResponse) {
		if text := extract.PageText(resp.Body, w.cfg.PageTextLimit); text != "" {
			texts = append(texts, text)
		}
	})
	result := newResult(pages)
	if len(pages) == 0 {
		return result, noPagesError(crawlErr)
	}

	text := strings.Join(texts, "\n\n")
	if limit := w.cfg.QualifyTextLimit; limit > 0 {
		if runes := []rune(text); len(runes) > limit {
			text = string(runes[:limit])
		}
	}
	verdict, err := w.deps.Qualifier.Qualify(ctx, crawler.QualifyRequest{
		URL:             target,
		PageText:        text,
		BusinessProfile: item.Params.BusinessProfile,
		Personas:        item.Params.Personas,
	})
	if err != nil {
		return result, fmt.Errorf("qualify %s: %w", target, err)
	}
	result.Qualification = &verdict
	return result, nil
}

// crawlPages runs the spider over seeds and extracts every visited page. onPage
// sees each raw response after extraction.
func (w *Worker) crawlPages(
	ctx context.Context,
	item crawler.QueueItem,
	seeds []string,
	sameDomain bool,
	onPage func(crawler.FetchResponse),
) ([]crawler.ExtractionResult, error) {
	if w.deps.Spider == nil {
		return nil, fmt.Errorf("no spider configured")
	}
	var pages []crawler.ExtractionResult
	err := w.deps.Spider.Crawl(ctx, crawler.CrawlRequest{
		JobID:         item.JobID,
		Seeds:         seeds,
		MaxPages:      w.maxPages(item.Params),
		SameDomain:    sameDomain,
		RespectRobots: item.Params.RespectRobots,
	}, func(resp crawler.FetchResponse) {
		w.savePage(ctx, item.JobID, resp)
		page, err := w.deps.Extractor.Extract(resp.URL, resp.Body)
		if err != nil {
			w.logger.Warn("extract crawled page failed", zap.String("job_id", item.JobID), zap.String("url", resp.URL), zap.Error(err))
			return
		}
		page.StatusCode = resp.StatusCode
		pages = append(pages, page)
		if onPage != nil {
			onPage(resp)
		}
	})
	if err != nil {
		return pages, fmt.Errorf("crawl: %w", err)
	}
	return pages, nil
}

func noPagesError(cause error) error {
	if cause == nil {
		return ErrNoPages
	}
	return fmt.Errorf("%w: %w", ErrNoPages, cause)
}
