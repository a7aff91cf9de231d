package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	notFoundBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/v1/jobs/abc", "/v1/jobs/def", "/missing"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, okBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 0.0001)
	require.InDelta(t, notFoundBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0.0001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
