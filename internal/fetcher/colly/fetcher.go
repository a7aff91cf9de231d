// Package collyfetcher implements the plain HTTP probe fetch using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/metrics"
	"github.com/JakeFAU/grand-spider/internal/policy/retry"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	// Limiter, when set, is waited on before each fetch.
	Limiter crawler.RateLimiter
}

// Fetcher implements crawler.Fetcher using a Colly collector per request.
// Collectors share their backend between clones, so a fresh one is built for
// every fetch while the pooled transport is reused.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Fetcher{
		cfg:       cfg,
		transport: NewHTTPTransport(),
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("colly fetch: %w", err)
		}
	}

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector, robotsState := f.buildCollector(ctx, request)
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	robotsState.apply(&result)
	metrics.ObserveFetch(result.URL, result.StatusCode, len(result.Body))
	return result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, request crawler.FetchRequest) (*colly.Collector, *robotsProbeState) {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.StdlibContext(ctx),
	)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize
	}
	collector.IgnoreRobotsTxt = !request.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var robotsState *robotsProbeState
	if request.RespectRobots {
		robotsState = newRobotsProbeState()
		collector.WithTransport(&robotsAwareTransport{base: f.transport, state: robotsState})
	} else {
		collector.WithTransport(f.transport)
	}
	return collector, robotsState
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:          r.Request.URL.String(),
			StatusCode:   r.StatusCode,
			Headers:      r.Headers.Clone(),
			Body:         append([]byte(nil), r.Body...),
			Duration:     time.Since(start),
			UsedHeadless: false,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			err = fmt.Errorf("colly visit %s: %w", url, err)
			if isPolicyRejection(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response %s: %w", url, *fetchErr)
		}
		return nil
	}
}

// isPolicyRejection reports errors colly raises before any request is sent.
func isPolicyRejection(err error) bool {
	for _, target := range []error{
		colly.ErrRobotsTxtBlocked,
		colly.ErrForbiddenDomain,
		colly.ErrForbiddenURL,
		colly.ErrMissingURL,
		colly.ErrNoURLFiltersMatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// NewHTTPTransport returns the pooled transport shared by the probe fetcher
// and the spider.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
