package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

type crawlOptions struct {
	urls          []string
	maxPages      int
	sameDomain    bool
	respectRobots bool
}

type crawlSummary struct {
	PagesVisited int                    `json:"pages_visited"`
	Summary      crawler.ContactSummary `json:"summary"`
}

// newCrawlCmd creates the 'crawl' subcommand. It walks links breadth-first from
// the seeds and prints the merged contact summary.
func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls a site and prints the contacts found",
		Long: `Runs a bounded breadth-first crawl from the given seeds, extracts
contact details from every HTML page, and prints the merged summary.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.urls, "url", nil, "seed URL (repeatable)")
	cmd.Flags().IntVar(&opts.maxPages, "max-pages", 10, "maximum number of pages to visit")
	cmd.Flags().BoolVar(&opts.sameDomain, "same-domain", true, "only follow links on the seed hosts")
	cmd.Flags().BoolVar(&opts.respectRobots, "respect-robots", true, "honor robots.txt")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if opts.maxPages <= 0 {
		return fmt.Errorf("--max-pages must be positive")
	}
	urls, err := validateURLs(opts.urls)
	if err != nil {
		return err
	}

	result, runErr := appInstance.Execute(cmd.Context(), crawler.JobKindCrawl, crawler.JobParameters{
		URLs:          urls,
		MaxPages:      opts.maxPages,
		SameDomain:    opts.sameDomain,
		RespectRobots: opts.respectRobots,
	})
	if runErr != nil {
		return fmt.Errorf("crawl: %w", runErr)
	}

	appInstance.Logger().Info("Crawl command finished.", zap.Int("pages", result.PagesVisited))
	return printJSON(cmd.OutOrStdout(), crawlSummary{
		PagesVisited: result.PagesVisited,
		Summary:      result.Summary,
	})
}
