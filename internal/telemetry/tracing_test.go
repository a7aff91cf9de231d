package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// The tracer provider is process-global, so these tests do not run in parallel.

func TestInitTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{
		ServiceName: "grand-spider-test",
		Exporter:    exporter,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer().Start(context.Background(), "job.run")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "job.run", spans[0].Name)
}

func TestMiddlewareNamesSpanByRoute(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "grand-spider-test", Exporter: exporter})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/jobs/{job_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs/123", nil))
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "GET /v1/jobs/{job_id}", spans[0].Name)
}
