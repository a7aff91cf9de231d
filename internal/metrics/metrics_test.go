package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObservers(t *testing.T) {
	Init()
	Init()

	beforeJobs := testutil.ToFloat64(jobsTotal.WithLabelValues("extract", "completed"))
	ObserveJob("extract", "completed")
	require.InDelta(t, beforeJobs+1, testutil.ToFloat64(jobsTotal.WithLabelValues("extract", "completed")), 0.0001)

	beforePages := testutil.ToFloat64(pagesTotal.WithLabelValues("metrics-test.example", "200"))
	ObserveFetch("https://metrics-test.example/about", 200, 512)
	require.InDelta(t, beforePages+1, testutil.ToFloat64(pagesTotal.WithLabelValues("metrics-test.example", "200")), 0.0001)

	beforeEmails := testutil.ToFloat64(contactsFoundTotal.WithLabelValues("email"))
	ObserveContacts(3, 1, 0)
	require.InDelta(t, beforeEmails+3, testutil.ToFloat64(contactsFoundTotal.WithLabelValues("email")), 0.0001)

	beforeLLM := testutil.ToFloat64(llmRequestsTotal.WithLabelValues("error"))
	ObserveLLMRequest("error", 2*time.Second)
	require.InDelta(t, beforeLLM+1, testutil.ToFloat64(llmRequestsTotal.WithLabelValues("error")), 0.0001)

	SetQueueDepth(7)
	require.InDelta(t, 7, testutil.ToFloat64(queueDepth), 0.0001)

	IncActiveWorkers()
	DecActiveWorkers()
	ObserveRateLimitDelay("example.com", 10*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
