// Package ratelimit paces outbound requests with a token bucket per domain.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/metrics"
)

// Limiter manages per-domain rate limits. www.example.com and example.com
// share one bucket.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter. A non-positive rate disables pacing.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the URL's domain.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := crawler.Hostname(rawURL)
	if domain == "" {
		domain = "unknown"
	}

	start := time.Now()
	if err := l.limiterFor(domain).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait %s: %w", domain, err)
	}
	// Immediate grants are not delays worth recording.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

// domains reports how many domains currently hold a bucket.
func (l *Limiter) domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[domain] = limiter
	}
	return limiter
}

// Noop never waits. It is used when rate limiting is disabled.
type Noop struct{}

// Wait only honours cancellation.
func (Noop) Wait(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// FromSettings returns a per-domain Limiter, or Noop when pacing is switched
// off.
func FromSettings(enabled bool, cfg Config) crawler.RateLimiter {
	if !enabled {
		return Noop{}
	}
	return New(cfg)
}
