// Package api exposes the HTTP interface for the spider service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/grand-spider/internal/config"
	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/metrics"
	"github.com/JakeFAU/grand-spider/internal/telemetry"
	"github.com/JakeFAU/grand-spider/internal/worker"
)

// Enqueuer hands accepted jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// PageExtractor runs the single-page extract pipeline inline.
type PageExtractor interface {
	ExtractPage(ctx context.Context, req worker.PageRequest) (crawler.ExtractionResult, error)
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	jobStore   crawler.JobStore
	dispatcher Enqueuer
	idGen      crawler.IDGenerator
	clock      crawler.Clock
	cfg        config.Config
	logger     *zap.Logger

	extractor      PageExtractor
	qualifyEnabled bool
	readiness      func(context.Context) error
}

// Option customizes optional Server collaborators.
type Option func(*Server)

// WithPageExtractor enables POST /extract-info.
func WithPageExtractor(extractor PageExtractor) Option {
	return func(s *Server) {
		s.extractor = extractor
	}
}

// WithQualification marks qualify jobs as accepted. Without it they are
// rejected with 400.
func WithQualification(enabled bool) Option {
	return func(s *Server) {
		s.qualifyEnabled = enabled
	}
}

// WithReadiness installs the check behind GET /readyz.
func WithReadiness(check func(context.Context) error) Option {
	return func(s *Server) {
		s.readiness = check
	}
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobStore crawler.JobStore,
	dispatcher Enqueuer,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore:   jobStore,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(requestTimeout(cfg)))
	r.Use(bodyLimitMiddleware(cfg.Server.MaxBodyBytes))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/extract-info", s.extractInfo)
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/crawl", s.submitCrawlJob)
			r.Post("/extract", s.submitExtractJob)
			r.Post("/qualify", s.submitQualifyJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/status", s.getJobStatus)
				r.Get("/result", s.getJobResult)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.readiness != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.readiness(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestTimeout(cfg config.Config) time.Duration {
	if cfg.Server.RequestTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
}
