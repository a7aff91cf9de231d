// Package report renders finished jobs as CSV side artifacts.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/metrics"
)

// ContentType is attached to every report object.
const ContentType = "text/csv"

const listSeparator = "; "

var (
	contactHeader = []string{"job_id", "url", "title", "description", "emails", "phone_numbers", "social_links"}
	qualifyHeader = []string{"job_id", "url", "score", "fit", "summary", "matched_personas", "reasons"}
)

// Writer implements crawler.ReportWriter on top of a BlobStore.
type Writer struct {
	store crawler.BlobStore
}

// NewWriter returns a Writer that stores reports in store.
func NewWriter(store crawler.BlobStore) *Writer {
	return &Writer{store: store}
}

// FileName is the object name used for a job's report.
func FileName(job crawler.Job) string {
	return fmt.Sprintf("%s_%s.csv", job.Kind, job.ID)
}

// Write renders result and stores it, returning the object URI.
func (w *Writer) Write(ctx context.Context, job crawler.Job, result crawler.JobResult) (string, error) {
	body, err := Render(job, result)
	if err != nil {
		metrics.ObserveReport("error")
		return "", err
	}
	uri, err := w.store.PutObject(ctx, FileName(job), ContentType, bytes.NewReader(body))
	if err != nil {
		metrics.ObserveReport("error")
		return "", fmt.Errorf("store report for job %s: %w", job.ID, err)
	}
	metrics.ObserveReport("ok")
	return uri, nil
}

// Render returns the CSV bytes for result. Qualify jobs get one row with the
// verdict. Other jobs get one row per page.
func Render(job crawler.Job, result crawler.JobResult) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)

	var rows [][]string
	if job.Kind == crawler.JobKindQualify {
		rows = append(rows, qualifyHeader)
		if q := result.Qualification; q != nil {
			rows = append(rows, []string{
				job.ID,
				qualifyURL(job, result),
				strconv.Itoa(q.Score),
				string(q.Fit),
				q.Summary,
				strings.Join(q.MatchedPersonas, listSeparator),
				strings.Join(q.Reasons, listSeparator),
			})
		}
	} else {
		rows = append(rows, contactHeader)
		for _, page := range result.Pages {
			rows = append(rows, []string{
				job.ID,
				page.URL,
				page.Title,
				page.Description,
				strings.Join(page.Emails, listSeparator),
				strings.Join(page.PhoneNumbers, listSeparator),
				strings.Join(page.SocialLinks, listSeparator),
			})
		}
	}

	if err := cw.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("render csv report: %w", err)
	}
	return buf.Bytes(), nil
}

func qualifyURL(job crawler.Job, result crawler.JobResult) string {
	if len(job.Parameters.URLs) > 0 {
		return job.Parameters.URLs[0]
	}
	if len(result.Pages) > 0 {
		return result.Pages[0].URL
	}
	return ""
}
