package spider

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

func newSite(t *testing.T, external string) (*httptest.Server, *sync.Map) {
	t.Helper()
	hits := &sync.Map{}
	pages := map[string]string{
		"/": `<a href="/a">a</a><a href="/b#top">b</a><a href="` + external + `/x">ext</a>` +
			`<a href="mailto:hi@example.com">mail</a><a href="/brochure.pdf">pdf</a>`,
		"/a": `<a href="/c">c</a><a href="/">home</a>`,
		"/b": `<a href="/a">a again</a>`,
		"/c": `<p>leaf</p>`,
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count, _ := hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		count.(*atomic.Int32).Add(1)
		if r.URL.Path == "/brochure.pdf" {
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4"))
			return
		}
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<html><body>%s</body></html>", body)
	}))
	t.Cleanup(ts.Close)
	return ts, hits
}

// otherHost rewrites a test server URL so it resolves to a different hostname
// than the loopback IP the site itself is served on.
func otherHost(raw string) string {
	return strings.Replace(raw, "127.0.0.1", "localhost", 1)
}

func hitCount(hits *sync.Map, path string) int32 {
	v, ok := hits.Load(path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func TestCrawlVisitsEachPageOnce(t *testing.T) {
	t.Parallel()

	external, externalHits := newSite(t, "http://unused.invalid")
	site, hits := newSite(t, otherHost(external.URL))

	limiter := &countingLimiter{}
	s := New(Config{Parallelism: 2, Limiter: limiter, Logger: zap.NewNop()})

	var visited []string
	err := s.Crawl(context.Background(), crawler.CrawlRequest{
		JobID:      "job-1",
		Seeds:      []string{site.URL},
		MaxPages:   10,
		SameDomain: true,
	}, func(resp crawler.FetchResponse) {
		if u, err := url.Parse(resp.URL); err == nil {
			visited = append(visited, u.Path)
		}
	})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"/", "/a", "/b", "/c"}, visited)
	require.Equal(t, "/", visited[0])
	for _, p := range []string{"/", "/a", "/b", "/c"} {
		require.EqualValues(t, 1, hitCount(hits, p), "path %s", p)
	}
	require.EqualValues(t, 1, hitCount(hits, "/brochure.pdf"))
	require.EqualValues(t, 0, hitCount(externalHits, "/x"))
	require.EqualValues(t, 5, limiter.calls.Load())
}

func TestCrawlRespectsPageBudget(t *testing.T) {
	t.Parallel()

	site, hits := newSite(t, "http://unused.invalid")
	s := New(Config{Parallelism: 1})

	var count int
	err := s.Crawl(context.Background(), crawler.CrawlRequest{
		Seeds:      []string{site.URL},
		MaxPages:   2,
		SameDomain: true,
	}, func(crawler.FetchResponse) { count++ })
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.EqualValues(t, 0, hitCount(hits, "/c"), "third level must not be requested")
}

func TestCrawlBudgetCountsOnlyHTMLPages(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprint(w, `<html><body>`+
				`<a href="/dead1">x</a><a href="/dead2">x</a><a href="/price-list.pdf">pdf</a>`+
				`<a href="/p1">1</a><a href="/p2">2</a><a href="/p3">3</a></body></html>`)
		case "/price-list.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4"))
		case "/p1", "/p2", "/p3":
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprint(w, `<html><body><p>page</p></body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)

	var visited []string
	err := New(Config{Parallelism: 2}).Crawl(context.Background(), crawler.CrawlRequest{
		Seeds:      []string{ts.URL},
		MaxPages:   3,
		SameDomain: true,
	}, func(resp crawler.FetchResponse) {
		if u, err := url.Parse(resp.URL); err == nil {
			visited = append(visited, u.Path)
		}
	})
	require.NoError(t, err)
	require.Len(t, visited, 3)
	require.Equal(t, "/", visited[0])
	require.Subset(t, []string{"/", "/p1", "/p2", "/p3"}, visited)
}

func TestCrawlMaxDepth(t *testing.T) {
	t.Parallel()

	site, _ := newSite(t, "http://unused.invalid")
	s := New(Config{MaxDepth: 1})

	var count int
	err := s.Crawl(context.Background(), crawler.CrawlRequest{
		Seeds:      []string{site.URL},
		MaxPages:   10,
		SameDomain: true,
	}, func(crawler.FetchResponse) { count++ })
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCrawlFollowsOtherDomainsWhenAllowed(t *testing.T) {
	t.Parallel()

	external, externalHits := newSite(t, "http://unused.invalid")
	site, _ := newSite(t, otherHost(external.URL))
	s := New(Config{MaxDepth: 2})

	err := s.Crawl(context.Background(), crawler.CrawlRequest{
		Seeds:    []string{site.URL},
		MaxPages: 10,
	}, func(crawler.FetchResponse) {})
	require.NoError(t, err)
	require.EqualValues(t, 1, hitCount(externalHits, "/x"))
}

func TestCrawlRejectsBadSeeds(t *testing.T) {
	t.Parallel()

	err := New(Config{}).Crawl(context.Background(), crawler.CrawlRequest{
		Seeds:    []string{"ftp://example.com", "not a url"},
		MaxPages: 1,
	}, nil)
	require.ErrorIs(t, err, ErrNoSeeds)
}

func TestCrawlCanceled(t *testing.T) {
	t.Parallel()

	site, _ := newSite(t, "http://unused.invalid")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(Config{Timeout: time.Second}).Crawl(ctx, crawler.CrawlRequest{
		Seeds:    []string{site.URL},
		MaxPages: 5,
	}, func(crawler.FetchResponse) {})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSeedFrontier(t *testing.T) {
	t.Parallel()

	frontier, hosts := seedFrontier([]string{
		"https://www.Example.com",
		"https://www.example.com/#contact",
		"http://other.example/path",
		"mailto:someone@example.com",
	})
	require.Equal(t, []string{"https://www.example.com/", "http://other.example/path"}, frontier)
	require.Contains(t, hosts, "example.com")
	require.Contains(t, hosts, "other.example")
	require.ElementsMatch(t, []string{"example.com", "www.example.com"}, allowedDomains(map[string]struct{}{"example.com": {}}))
}

type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.calls.Add(1)
	return nil
}
