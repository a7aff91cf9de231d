// Package qualify scores prospect websites against a business profile with Gemini.
package qualify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/grand-spider/internal/crawler"
	"github.com/JakeFAU/grand-spider/internal/metrics"
)

// ErrNotConfigured is returned by New when no API key is available.
var ErrNotConfigured = errors.New("qualification is not configured")

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-1.5-flash"

// Config controls the Gemini client.
type Config struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int32
	Timeout         time.Duration
	Logger          *zap.Logger
	// ClientOptions are appended after the API key, mainly to point tests at a
	// local endpoint.
	ClientOptions []option.ClientOption
}

// Qualifier implements crawler.Qualifier.
type Qualifier struct {
	client    *genai.Client
	model     *genai.GenerativeModel
	modelName string
	timeout   time.Duration
	logger    *zap.Logger
}

// New builds a Qualifier backed by the Gemini API.
func New(ctx context.Context, cfg Config) (*Qualifier, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, cfg.ClientOptions...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(cfg.Temperature)
	if cfg.MaxOutputTokens > 0 {
		model.SetMaxOutputTokens(cfg.MaxOutputTokens)
	}
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(systemInstruction)}}

	return &Qualifier{
		client:    client,
		model:     model,
		modelName: cfg.Model,
		timeout:   cfg.Timeout,
		logger:    logger.Named("qualify"),
	}, nil
}

// Qualify asks the model to score req.PageText against the business profile.
func (q *Qualifier) Qualify(ctx context.Context, req crawler.QualifyRequest) (crawler.Qualification, error) {
	prompt, err := renderPrompt(req)
	if err != nil {
		return crawler.Qualification{}, err
	}
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := q.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		metrics.ObserveLLMRequest("error", time.Since(start))
		return crawler.Qualification{}, fmt.Errorf("generate content: %w", err)
	}

	raw := responseText(resp)
	result, err := ParseResponse(raw, req.Personas)
	if err != nil {
		metrics.ObserveLLMRequest("invalid", time.Since(start))
		q.logger.Warn("unparseable qualification response",
			zap.String("url", req.URL),
			zap.Int("response_bytes", len(raw)),
			zap.Error(err),
		)
		return crawler.Qualification{}, err
	}
	metrics.ObserveLLMRequest("ok", time.Since(start))
	result.Model = q.modelName
	q.logger.Debug("qualified prospect",
		zap.String("url", req.URL),
		zap.Int("score", result.Score),
		zap.String("fit", string(result.Fit)),
	)
	return result, nil
}

// Close releases the underlying client.
func (q *Qualifier) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close genai client: %w", err)
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}
