package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string { return "net" }
func (e timeoutErr) Timeout() bool { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := New(2, time.Millisecond)
	cases := []struct {
		name    string
		err     error
		retries int
		want    bool
	}{
		{"nil", nil, 0, false},
		{"plain", errors.New("reset"), 0, true},
		{"budget spent", errors.New("reset"), 2, false},
		{"canceled", fmt.Errorf("fetch: %w", context.Canceled), 0, false},
		{"deadline", context.DeadlineExceeded, 0, false},
		{"permanent", Permanent(errors.New("robots")), 0, false},
		{"wrapped permanent", fmt.Errorf("fetch: %w", Permanent(errors.New("robots"))), 0, false},
		{"net timeout", timeoutErr{timeout: true}, 0, true},
		{"net refused", timeoutErr{}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.retries))
		})
	}
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()

	p := New(10, 100*time.Millisecond)
	for retries := 0; retries < 10; retries++ {
		d := p.Backoff(retries)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 5*time.Second)
	}
	d := p.Backoff(0)
	require.GreaterOrEqual(t, d, 50*time.Millisecond)
	require.LessOrEqual(t, d, 100*time.Millisecond)
}

func TestDo(t *testing.T) {
	t.Parallel()

	p := New(3, time.Millisecond)

	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	attempts = 0
	err = p.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("always")
	})
	require.EqualError(t, err, "always")
	require.Equal(t, 4, attempts)

	attempts = 0
	err = p.Do(context.Background(), func(context.Context) error {
		attempts++
		return Permanent(errors.New("blocked"))
	})
	require.True(t, IsPermanent(err))
	require.Equal(t, 1, attempts)
	require.Nil(t, Permanent(nil))
}
