// Package retry provides jittered exponential backoff for transient fetch errors.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"net"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Policy retries up to MaxRetries times after the first attempt.
type Policy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New builds a policy. A non-positive baseDelay defaults to 250ms.
func New(maxRetries int, baseDelay time.Duration) *Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	return &Policy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   5 * time.Second,
	}
}

// ShouldRetry decides whether err deserves another attempt. retries counts the
// retries already made.
func (p *Policy) ShouldRetry(err error, retries int) bool {
	if err == nil || retries >= p.maxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsPermanent(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}

// Backoff returns the wait before retry number retries+1.
func (p *Policy) Backoff(retries int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(retries))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay/2) + randomJitter(time.Duration(delay)/2)
}

// Do calls fn until it succeeds, returns a non-retryable error, or ctx ends.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for retries := 0; ; retries++ {
		err := fn(ctx)
		if !p.ShouldRetry(err, retries) {
			return err
		}
		timer := time.NewTimer(p.Backoff(retries))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
