// Package cmd defines and implements the CLI commands for the grand-spider executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/config"
	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Logger() *zap.Logger
	Execute(ctx context.Context, kind crawler.JobKind, params crawler.JobParameters) (crawler.JobResult, error)
	Run(ctx context.Context) error
	Close(ctx context.Context)
}

// loadConfig and newApp are variables so tests can replace them.
var (
	loadConfig = config.Load
	newApp     = func(ctx context.Context, cfg *config.Config) (App, error) {
		return server.Build(ctx, cfg)
	}
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grand-spider",
		Short: "Contact extraction and prospect qualification crawler.",
		Long: `grand-spider fetches websites, extracts contact details (emails, phone
numbers, social profiles), and scores prospects against a business profile
with an LLM. Run "serve" for the HTTP API or use the one-shot commands.`,
		SilenceUsage: true,

		// Build the application after flags are parsed but before RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Name() == "serve" {
				if err := cfg.ValidateServing(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(cmd.Context())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the SPIDER_ prefix")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newExtractCmd())
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
