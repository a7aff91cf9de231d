// Package spider implements a bounded breadth-first crawl on top of colly.
package spider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/metrics"
)

// ErrNoSeeds is returned when none of the seeds is a usable http(s) URL.
var ErrNoSeeds = errors.New("no valid seed urls")

// Config controls collector behavior shared by every crawl.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	Parallelism int
	Delay       time.Duration
	MaxDepth    int
	MaxBodySize int
	Limiter     crawler.RateLimiter
	Transport   http.RoundTripper
	Logger      *zap.Logger
}

// Spider walks links level by level from a set of seeds.
type Spider struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Spider.
func New(cfg Config) *Spider {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spider{cfg: cfg, logger: logger}
}

// Crawl fetches at most req.MaxPages HTML pages reachable from req.Seeds and
// calls visit for each one. visit is never called concurrently.
func (s *Spider) Crawl(ctx context.Context, req crawler.CrawlRequest, visit func(crawler.FetchResponse)) error {
	frontier, hosts := seedFrontier(req.Seeds)
	if len(frontier) == 0 {
		return ErrNoSeeds
	}
	maxPages := req.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}

	run := &crawlRun{
		spider:  s,
		req:     req,
		hosts:   hosts,
		seen:    make(map[string]struct{}, len(frontier)),
		visit:   visit,
		logger:  s.logger.With(zap.String("job_id", req.JobID)),
		maxPage: maxPages,
	}
	for _, u := range frontier {
		run.seen[u] = struct{}{}
	}

	collector, err := s.newCollector(ctx, req, hosts)
	if err != nil {
		return err
	}
	run.attach(ctx, collector)

	for depth := 1; len(frontier) > 0 && run.visited() < maxPages; depth++ {
		if s.cfg.MaxDepth > 0 && depth > s.cfg.MaxDepth {
			break
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl canceled: %w", err)
		}
		// Only delivered HTML pages count against the budget, so the level is
		// issued in batches no larger than what is left of it.
		for len(frontier) > 0 {
			remaining := maxPages - run.visited()
			if remaining <= 0 {
				break
			}
			batch := frontier
			if len(batch) > remaining {
				batch = batch[:remaining]
			}
			frontier = frontier[len(batch):]
			for _, u := range batch {
				if err := collector.Visit(u); err != nil {
					run.logger.Debug("visit rejected", zap.String("url", u), zap.Error(err))
				}
			}
			collector.Wait()
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("crawl canceled: %w", err)
			}
		}
		frontier = run.nextLevel()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("crawl canceled: %w", err)
	}
	return nil
}

func (s *Spider) newCollector(ctx context.Context, req crawler.CrawlRequest, hosts map[string]struct{}) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.Async(true),
		colly.StdlibContext(ctx),
	)
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	if s.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = s.cfg.MaxBodySize
	}
	collector.IgnoreRobotsTxt = !req.RespectRobots
	if req.SameDomain {
		collector.AllowedDomains = allowedDomains(hosts)
	}
	if s.cfg.Transport != nil {
		collector.WithTransport(s.cfg.Transport)
	}
	collector.SetRequestTimeout(s.cfg.Timeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.Parallelism,
		Delay:       s.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("spider limit rule: %w", err)
	}
	return collector, nil
}

type crawlRun struct {
	spider  *Spider
	req     crawler.CrawlRequest
	hosts   map[string]struct{}
	logger  *zap.Logger
	maxPage int

	mu      sync.Mutex
	seen    map[string]struct{}
	next    []string
	pages   int
	visitMu sync.Mutex
	visit   func(crawler.FetchResponse)
}

func (r *crawlRun) attach(ctx context.Context, c *colly.Collector) {
	c.OnRequest(func(req *colly.Request) {
		if r.spider.cfg.Limiter == nil {
			return
		}
		if err := r.spider.cfg.Limiter.Wait(ctx, req.URL.String()); err != nil {
			r.logger.Debug("rate limit wait aborted request", zap.String("url", req.URL.String()), zap.Error(err))
			req.Abort()
		}
	})

	c.OnResponse(func(resp *colly.Response) {
		metrics.ObserveFetch(resp.Request.URL.String(), resp.StatusCode, len(resp.Body))
		if !isHTML(resp) {
			return
		}
		r.mu.Lock()
		if r.pages >= r.maxPage {
			r.mu.Unlock()
			return
		}
		r.pages++
		r.mu.Unlock()

		page := crawler.FetchResponse{
			URL:        resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers.Clone(),
			Body:       append([]byte(nil), resp.Body...),
		}
		r.visitMu.Lock()
		defer r.visitMu.Unlock()
		if r.visit != nil {
			r.visit(page)
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		r.enqueue(e.Request.AbsoluteURL(e.Attr("href")))
	})

	c.OnError(func(resp *colly.Response, err error) {
		target := ""
		status := 0
		if resp != nil && resp.Request != nil {
			target = resp.Request.URL.String()
			status = resp.StatusCode
		}
		r.logger.Debug("crawl request failed",
			zap.String("url", target),
			zap.Int("status", status),
			zap.Error(err),
		)
	})
}

func (r *crawlRun) enqueue(raw string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	if r.req.SameDomain && !r.sameSite(u.Hostname()) {
		return
	}
	normalized, err := crawler.NormalizeURL(raw)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[normalized]; ok {
		return
	}
	r.seen[normalized] = struct{}{}
	r.next = append(r.next, normalized)
}

func (r *crawlRun) sameSite(host string) bool {
	_, ok := r.hosts[strings.TrimPrefix(strings.ToLower(host), "www.")]
	return ok
}

func (r *crawlRun) nextLevel() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.next
	r.next = nil
	return next
}

func (r *crawlRun) visited() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages
}

// seedFrontier normalizes seeds and returns them with their bare hostnames.
func seedFrontier(seeds []string) ([]string, map[string]struct{}) {
	hosts := make(map[string]struct{})
	seen := make(map[string]struct{})
	var frontier []string
	for _, seed := range seeds {
		valid, err := crawler.ValidateTargetURL(seed)
		if err != nil {
			continue
		}
		normalized, err := crawler.NormalizeURL(valid)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		frontier = append(frontier, normalized)
		hosts[crawler.Hostname(normalized)] = struct{}{}
	}
	return frontier, hosts
}

func allowedDomains(hosts map[string]struct{}) []string {
	out := make([]string, 0, len(hosts)*2)
	for h := range hosts {
		out = append(out, h, "www."+h)
	}
	return out
}

func isHTML(resp *colly.Response) bool {
	contentType := ""
	if resp.Headers != nil {
		contentType = resp.Headers.Get("Content-Type")
	}
	if contentType == "" {
		contentType = http.DetectContentType(resp.Body)
	}
	return strings.Contains(strings.ToLower(contentType), "text/html")
}
