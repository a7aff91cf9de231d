package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

type extractOptions struct {
	urls          []string
	headless      string
	waitSelector  string
	respectRobots bool
}

// newExtractCmd creates the 'extract' subcommand, a one-shot extraction that
// prints the job result as JSON.
func newExtractCmd() *cobra.Command {
	opts := &extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extracts contact details from one or more pages",
		Example: `  grand-spider extract --url https://example.com
  grand-spider extract --url https://a.example --url https://b.example --headless never`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExtract(cmd, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.urls, "url", nil, "page URL to extract (repeatable)")
	cmd.Flags().StringVar(&opts.headless, "headless", string(crawler.HeadlessAuto), "headless mode: auto, always, or never")
	cmd.Flags().StringVar(&opts.waitSelector, "wait-selector", "", "CSS selector the headless browser waits for")
	cmd.Flags().BoolVar(&opts.respectRobots, "respect-robots", true, "honor robots.txt")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func runExtract(cmd *cobra.Command, opts *extractOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	mode := crawler.HeadlessMode(opts.headless)
	if !mode.Valid() {
		return fmt.Errorf("invalid --headless %q: want auto, always, or never", opts.headless)
	}
	urls, err := validateURLs(opts.urls)
	if err != nil {
		return err
	}

	result, runErr := appInstance.Execute(cmd.Context(), crawler.JobKindExtract, crawler.JobParameters{
		URLs:          urls,
		Headless:      mode,
		WaitSelector:  opts.waitSelector,
		RespectRobots: opts.respectRobots,
	})
	if result.PagesVisited > 0 {
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("extract: %w", runErr)
	}
	return nil
}

func validateURLs(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		valid, err := crawler.ValidateTargetURL(u)
		if err != nil {
			return nil, fmt.Errorf("invalid --url: %w", err)
		}
		out = append(out, valid)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one --url is required")
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
