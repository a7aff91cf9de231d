// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/grand-spider/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int   `mapstructure:"port"`
	RequestTimeoutSeconds  int   `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int   `mapstructure:"shutdown_timeout_seconds"`
	MaxBodyBytes           int64 `mapstructure:"max_body_bytes"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the worker pool and crawl pipeline.
type CrawlerConfig struct {
	Concurrency        int    `mapstructure:"concurrency"`
	JobTimeoutSeconds  int    `mapstructure:"job_timeout_seconds"`
	UserAgent          string `mapstructure:"user_agent"`
	MaxPagesDefault    int    `mapstructure:"max_pages_default"`
	MaxPagesLimit      int    `mapstructure:"max_pages_limit"`
	MaxDepth           int    `mapstructure:"max_depth"`
	Parallelism        int    `mapstructure:"parallelism"`
	DelayMillis        int    `mapstructure:"delay_ms"`
	RespectRobots      bool   `mapstructure:"respect_robots"`
	MaxRetries         int    `mapstructure:"max_retries"`
	RetryBackoffMillis int    `mapstructure:"retry_backoff_ms"`
}

// HTTPConfig configures the plain HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// HeadlessConfig configures the headless browser subsystem.
type HeadlessConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	MaxParallel        int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int    `mapstructure:"nav_timeout_seconds"`
	WaitTimeoutSeconds int    `mapstructure:"wait_timeout_seconds"`
	WaitSelector       string `mapstructure:"wait_selector"`
	PromotionThreshold int    `mapstructure:"promotion_threshold"`
	ExecPath           string `mapstructure:"exec_path"`
	RemoteURL          string `mapstructure:"remote_url"`
}

// ExtractConfig bounds the text handed to the qualifier.
type ExtractConfig struct {
	PageTextLimit    int `mapstructure:"page_text_limit"`
	QualifyTextLimit int `mapstructure:"qualify_text_limit"`
}

// LLMConfig configures the Gemini qualifier.
type LLMConfig struct {
	APIKey          string  `mapstructure:"api_key"`
	Model           string  `mapstructure:"model"`
	Temperature     float32 `mapstructure:"temperature"`
	MaxOutputTokens int32   `mapstructure:"max_output_tokens"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
}

// StorageConfig selects where page sources are written.
type StorageConfig struct {
	Backend        string       `mapstructure:"backend"`
	Bucket         string       `mapstructure:"bucket"`
	Local          local.Config `mapstructure:"local"`
	Prefix         string       `mapstructure:"prefix"`
	ContentType    string       `mapstructure:"content_type"`
	SavePageSource bool         `mapstructure:"save_page_source"`
}

// ReportsConfig selects where CSV reports are written.
type ReportsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// DBConfig controls access to the Postgres result archive.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig sets the per-domain token bucket.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from a .env file, disk, and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("SPIDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// bindLegacyEnv keeps the historical variable names working next to the
// prefixed ones. The first name that is set wins.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"auth.api_key": {"SPIDER_AUTH_API_KEY", "MY_API_SECRET"},
		"llm.api_key":  {"SPIDER_LLM_API_KEY", "GEMINI_API_KEY"},
		"server.port":  {"SPIDER_SERVER_PORT", "PORT"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 90)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.job_timeout_seconds", 300)
	v.SetDefault("crawler.user_agent", DefaultUserAgent)
	v.SetDefault("crawler.max_pages_default", 10)
	v.SetDefault("crawler.max_pages_limit", 200)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.retry_backoff_ms", 250)
	v.SetDefault("crawler.parallelism", 2)
	v.SetDefault("crawler.delay_ms", 250)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.wait_timeout_seconds", 20)
	v.SetDefault("headless.wait_selector", "a[href*='twitter.com']")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.remote_url", "")
	v.SetDefault("extract.page_text_limit", 4000)
	v.SetDefault("extract.qualify_text_limit", 16000)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gemini-1.5-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_output_tokens", 1024)
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local.base_dir", "debug")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.save_page_source", true)
	v.SetDefault("reports.enabled", true)
	v.SetDefault("reports.backend", "local")
	v.SetDefault("reports.dir", "reports")
	v.SetDefault("reports.bucket", "")
	v.SetDefault("reports.prefix", "reports")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "spider_jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 2.0)
	v.SetDefault("ratelimit.default_burst", 2)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "grand-spider")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// DefaultUserAgent mimics a desktop browser so sites serve their normal markup.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Validate enforces required values and reasonable limits. It does not check
// credentials; see ValidateServing.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Crawler.MaxPagesLimit > 0 && c.Crawler.MaxPagesDefault > c.Crawler.MaxPagesLimit {
		return fmt.Errorf("crawler.max_pages_default must be <= crawler.max_pages_limit")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if remote := c.Headless.RemoteURL; remote != "" && !hasAnyPrefix(remote, "ws://", "wss://", "http://", "https://") {
		return fmt.Errorf("headless.remote_url must be a ws:// or http:// endpoint")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("ratelimit.default_rps must be >= 0")
	}
	if err := validateBackend("storage", c.Storage.Backend, c.Storage.Bucket, c.Storage.Local.BaseDir); err != nil {
		return err
	}
	if c.Reports.Enabled {
		if err := validateBackend("reports", c.Reports.Backend, c.Reports.Bucket, c.Reports.Dir); err != nil {
			return err
		}
	}
	return nil
}

// ValidateServing adds the checks that only matter when the HTTP API is
// exposed.
func (c Config) ValidateServing() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.APIKey) == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func validateBackend(section, backend, bucket, dir string) error {
	switch backend {
	case "", "memory":
		return nil
	case "local":
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("%s directory must be set for the local backend", section)
		}
		return nil
	case "gcs":
		if strings.TrimSpace(bucket) == "" {
			return fmt.Errorf("%s.bucket must be set for the gcs backend", section)
		}
		return nil
	default:
		return fmt.Errorf("%s.backend %q is not one of memory, local, gcs", section, backend)
	}
}

// JobTimeout bounds a single job run.
func (c Config) JobTimeout() time.Duration {
	return seconds(c.Crawler.JobTimeoutSeconds)
}

// RequestTimeout is the per-request HTTP client timeout.
func (c Config) RequestTimeout() time.Duration {
	return seconds(c.HTTP.TimeoutSeconds)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
