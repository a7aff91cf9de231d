// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/{crawl,extract,qualify} for job submission.
//   - GET /v1/jobs and /v1/jobs/{job_id}[/status|/result] for polling.
//   - POST /extract-info for a synchronous single-page extraction.
//
// Everything except the probes and metrics requires the api-key header.
package api
