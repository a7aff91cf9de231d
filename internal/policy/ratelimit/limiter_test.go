package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

var (
	_ crawler.RateLimiter = (*Limiter)(nil)
	_ crawler.RateLimiter = Noop{}
)

func TestLimiterWaitPacesSameDomain(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://example.com/a"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://www.example.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	require.Equal(t, 1, l.domains())
}

func TestLimiterDomainsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://one.example"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://two.example"))
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 2, l.domains())
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, "https://slow.example"))
}

func TestLimiterUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background(), "https://fast.example"))
	}
}

func TestNoopWait(t *testing.T) {
	t.Parallel()

	require.NoError(t, Noop{}.Wait(context.Background(), "https://example.com"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Noop{}.Wait(ctx, "https://example.com"), context.Canceled)
}

func TestFromSettings(t *testing.T) {
	t.Parallel()

	require.IsType(t, Noop{}, FromSettings(false, Config{DefaultRPS: 1}))
	limiter, ok := FromSettings(true, Config{DefaultRPS: 1}).(*Limiter)
	require.True(t, ok)
	require.Equal(t, 0, limiter.domains())
}
