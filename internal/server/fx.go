// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/api"
	"github.com/JakeFAU/grand-spider/internal/clock/system"
	"github.com/JakeFAU/grand-spider/internal/config"
	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/grand-spider/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/grand-spider/internal/fetcher/headless"
	"github.com/JakeFAU/grand-spider/internal/hash/sha256"
	"github.com/JakeFAU/grand-spider/internal/headless/detector"
	"github.com/JakeFAU/grand-spider/internal/id/uuid"
	"github.com/JakeFAU/grand-spider/internal/logging"
	"github.com/JakeFAU/grand-spider/internal/metrics"
	"github.com/JakeFAU/grand-spider/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/grand-spider/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/grand-spider/internal/publisher/pubsub"
	"github.com/JakeFAU/grand-spider/internal/qualify"
	queueMemory "github.com/JakeFAU/grand-spider/internal/queue/memory"
	"github.com/JakeFAU/grand-spider/internal/report"
	"github.com/JakeFAU/grand-spider/internal/spider"
	gcsstorage "github.com/JakeFAU/grand-spider/internal/storage/gcs"
	localstorage "github.com/JakeFAU/grand-spider/internal/storage/local"
	memoryStorage "github.com/JakeFAU/grand-spider/internal/storage/memory"
	pgstore "github.com/JakeFAU/grand-spider/internal/storage/postgres"
	"github.com/JakeFAU/grand-spider/internal/telemetry"
	"github.com/JakeFAU/grand-spider/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	dispatch       *dispatcher.Dispatcher
	queue          *queueMemory.Queue
	jobStore       *memoryStorage.JobStore
	pipeline       *worker.Worker
	storage        *storage.Client
	pubsub         *gcppublisher.Publisher
	archive        *pgstore.Archive
	qualifier      *qualify.Qualifier
	headless       *headlessfetcher.Fetcher
	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if err := app.setupTracing(ctx); err != nil {
		app.Close(ctx)
		return nil, err
	}

	clock := system.New()
	app.jobStore = memoryStorage.NewJobStore(clock)
	app.queue = queueMemory.NewQueue()

	deps, err := app.setupPipeline(ctx)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}

	workerCfg := worker.Config{
		ContentType:      cfg.Storage.ContentType,
		BlobPrefix:       cfg.Storage.Prefix,
		SavePageSource:   cfg.Storage.SavePageSource,
		Topic:            cfg.PubSub.TopicName,
		JobTimeout:       cfg.JobTimeout(),
		DefaultMaxPages:  cfg.Crawler.MaxPagesDefault,
		PageTextLimit:    cfg.Extract.PageTextLimit,
		QualifyTextLimit: cfg.Extract.QualifyTextLimit,
		MaxRetries:       cfg.Crawler.MaxRetries,
		RetryBackoff:     time.Duration(cfg.Crawler.RetryBackoffMillis) * time.Millisecond,
	}
	logger.Info("worker config",
		zap.String("blob_prefix", workerCfg.BlobPrefix),
		zap.Bool("save_page_source", workerCfg.SavePageSource),
		zap.String("topic", workerCfg.Topic),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
		zap.Int("max_retries", workerCfg.MaxRetries),
	)

	runners := make([]dispatcher.Runner, 0, cfg.Crawler.Concurrency)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		w := worker.New(deps, workerCfg, logger.With(zap.Int("index", i)))
		if app.pipeline == nil {
			app.pipeline = w
		}
		runners = append(runners, w)
	}
	if app.pipeline == nil {
		app.pipeline = worker.New(deps, workerCfg, logger)
	}
	app.dispatch = dispatcher.New(app.queue, runners)

	opts := []api.Option{
		api.WithPageExtractor(app.pipeline),
		api.WithQualification(app.qualifier != nil),
	}
	if app.archive != nil {
		opts = append(opts, api.WithReadiness(app.archive.Ping))
	}
	app.apiServer = api.NewServer(
		app.jobStore,
		app.dispatch,
		uuid.New(),
		clock,
		*cfg,
		logger,
		opts...,
	)
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Execute runs one job synchronously without the queue or job store.
func (a *App) Execute(ctx context.Context, kind crawler.JobKind, params crawler.JobParameters) (crawler.JobResult, error) {
	id, err := uuid.New().NewID()
	if err != nil {
		return crawler.JobResult{}, fmt.Errorf("generate job id: %w", err)
	}
	if a.cfg.JobTimeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.JobTimeout())
		defer cancel()
	}
	result, err := a.pipeline.Execute(ctx, crawler.QueueItem{
		JobID:     id,
		Kind:      kind,
		Params:    params,
		Submitted: time.Now().Unix(),
	})
	if err != nil {
		return result, fmt.Errorf("%s job %s: %w", kind, id, err)
	}
	return result, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Concurrency))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownTimeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown deadline")
	}

	a.Close(shutdownCtx)
	return nil
}

// Close gracefully shuts down the application. Only the first call has any
// effect.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
		a.closeObservability(ctx)
	})
}

func (a *App) closeInfrastructure() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.qualifier != nil {
		if err := a.qualifier.Close(); err != nil {
			a.logger.Warn("qualifier close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.archive != nil {
		a.archive.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync returns EINVAL for console writers.
	_ = a.logger.Sync()
}

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled",
		zap.String("service", a.cfg.Tracing.ServiceName),
		zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio),
	)
	return nil
}

func (a *App) setupPipeline(ctx context.Context) (worker.Deps, error) {
	cfg := a.cfg
	limiter := ratelimit.FromSettings(cfg.RateLimit.Enabled, ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
	})
	a.logger.Info("rate limiter configured",
		zap.Bool("enabled", cfg.RateLimit.Enabled),
		zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
	)

	deps := worker.Deps{
		Queue:     a.queue,
		Jobs:      a.jobStore,
		Hasher:    sha256.New(),
		Detector:  detector.NewHeuristic(cfg.Headless.PromotionThreshold),
		Headless:  a.setupHeadless(),
		Probe: collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.RequestTimeout(),
			Limiter:   limiter,
		}),
		Spider: spider.New(spider.Config{
			UserAgent:   cfg.Crawler.UserAgent,
			Timeout:     cfg.RequestTimeout(),
			Parallelism: cfg.Crawler.Parallelism,
			Delay:       time.Duration(cfg.Crawler.DelayMillis) * time.Millisecond,
			MaxDepth:    cfg.Crawler.MaxDepth,
			Limiter:     limiter,
			Logger:      a.logger.Named("spider"),
		}),
	}
	a.logger.Info("using colly fetcher and spider", zap.String("user_agent", cfg.Crawler.UserAgent))

	var err error
	if deps.Blobs, err = a.blobStore(ctx, "storage", cfg.Storage.Backend, cfg.Storage.Bucket, cfg.Storage.Prefix, cfg.Storage.Local.BaseDir); err != nil {
		return worker.Deps{}, err
	}
	if cfg.Reports.Enabled {
		reports, err := a.blobStore(ctx, "reports", cfg.Reports.Backend, cfg.Reports.Bucket, cfg.Reports.Prefix, cfg.Reports.Dir)
		if err != nil {
			return worker.Deps{}, err
		}
		deps.Reports = report.NewWriter(reports)
	}
	if err := a.setupArchive(ctx); err != nil {
		return worker.Deps{}, err
	}
	if a.archive != nil {
		deps.Archive = a.archive
	}
	if deps.Publisher, err = a.setupPublisher(ctx); err != nil {
		return worker.Deps{}, err
	}
	if err := a.setupQualifier(ctx); err != nil {
		return worker.Deps{}, err
	}
	if a.qualifier != nil {
		deps.Qualifier = a.qualifier
	}
	return deps, nil
}

func (a *App) setupHeadless() crawler.Fetcher {
	cfg := a.cfg.Headless
	if !cfg.Enabled {
		a.logger.Info("headless fetcher disabled")
		return headlessfetcher.NewNoop()
	}
	fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: time.Duration(cfg.NavTimeoutSeconds) * time.Second,
		WaitTimeout:       time.Duration(cfg.WaitTimeoutSeconds) * time.Second,
		WaitSelector:      cfg.WaitSelector,
		ExecPath:          cfg.ExecPath,
		RemoteURL:         cfg.RemoteURL,
		Logger:            a.logger.Named("headless"),
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed, falling back to plain fetches", zap.Error(err))
		return headlessfetcher.NewNoop()
	}
	a.headless = fetcher
	a.logger.Info("using headless fetcher",
		zap.Int("max_parallel", cfg.MaxParallel),
		zap.Bool("remote_browser", cfg.RemoteURL != ""),
	)
	return fetcher
}

func (a *App) blobStore(ctx context.Context, section, backend, bucket, prefix, dir string) (crawler.BlobStore, error) {
	switch backend {
	case "gcs":
		client, err := a.gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: bucket, Prefix: prefix})
		if err != nil {
			return nil, fmt.Errorf("%s gcs store init failed: %w", section, err)
		}
		a.logger.Info("using GCS backend", zap.String("section", section), zap.String("bucket", bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return nil, fmt.Errorf("%s local store init failed: %w", section, err)
		}
		a.logger.Info("using local backend", zap.String("section", section), zap.String("path", store.BaseDir()))
		return store, nil
	default:
		a.logger.Info("using in-memory backend", zap.String("section", section))
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) gcsClient(ctx context.Context) (*storage.Client, error) {
	if a.storage != nil {
		return a.storage, nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	a.storage = client
	return client, nil
}

func (a *App) setupArchive(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No DSN specified for database, skipping result archive")
		return nil
	}
	archive, err := pgstore.NewArchive(ctx, pgstore.ArchiveConfig{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("result archive init failed: %w", err)
	}
	a.archive = archive
	if err := archive.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("result archive schema failed: %w", err)
	}
	a.logger.Info("result archive initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	publisher, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupQualifier(ctx context.Context) error {
	qualifier, err := qualify.New(ctx, qualify.Config{
		APIKey:          a.cfg.LLM.APIKey,
		Model:           a.cfg.LLM.Model,
		Temperature:     a.cfg.LLM.Temperature,
		MaxOutputTokens: a.cfg.LLM.MaxOutputTokens,
		Timeout:         time.Duration(a.cfg.LLM.TimeoutSeconds) * time.Second,
		Logger:          a.logger.Named("qualify"),
	})
	switch {
	case errors.Is(err, qualify.ErrNotConfigured):
		a.logger.Warn("No LLM API key configured, qualify jobs are disabled")
		return nil
	case err != nil:
		return fmt.Errorf("qualifier init failed: %w", err)
	}
	a.qualifier = qualifier
	a.logger.Info("qualifier initialized", zap.String("model", a.cfg.LLM.Model))
	return nil
}
