// Package crawler holds the domain model shared by every subsystem of the
// spider service: jobs and their lifecycle, per-page extraction results,
// qualification verdicts, and the ports (JobStore, Fetcher, Crawler, Qualifier,
// ReportWriter, ...) that the worker pipeline is assembled from.
package crawler
