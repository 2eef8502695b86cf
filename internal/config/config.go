package config

import (
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Pattern    PatternConfig    `yaml:"pattern" mapstructure:"pattern"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Currency   CurrencyConfig   `yaml:"currency" mapstructure:"currency"`
	Validation ValidateConfig   `yaml:"validate" mapstructure:"validate"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BlobConfig configures where source document contents are kept.
type BlobConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// FetchConfig configures source downloads.
type FetchConfig struct {
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	MaxBytes          int64   `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// ExtractConfig configures the document extractor.
type ExtractConfig struct {
	TextLayer              string    `yaml:"text_layer" mapstructure:"text_layer"`
	PdfToTextPath          string    `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	TextDensityThreshold   float64   `yaml:"text_density_threshold" mapstructure:"text_density_threshold"`
	OCRConfidenceThreshold float64   `yaml:"ocr_confidence_threshold" mapstructure:"ocr_confidence_threshold"`
	TimeoutSecs            int       `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	OCR                    OCRConfig `yaml:"ocr" mapstructure:"ocr"`
}

// OCRConfig configures the OCR engine used for scanned or sparse documents.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	PdfToPPMPath  string `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	Lang          string `yaml:"lang" mapstructure:"lang"`
	DPI           int    `yaml:"dpi" mapstructure:"dpi"`
	MaxPages      int    `yaml:"max_pages" mapstructure:"max_pages"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// PatternConfig configures the rule-based matcher.
type PatternConfig struct {
	DictionaryPath    string  `yaml:"dictionary_path" mapstructure:"dictionary_path"`
	Watch             bool    `yaml:"watch" mapstructure:"watch"`
	FuzzyMaxDistance  int     `yaml:"fuzzy_max_distance" mapstructure:"fuzzy_max_distance"`
	RangePolicy       string  `yaml:"range_policy" mapstructure:"range_policy"`
	MinItemConfidence float64 `yaml:"min_item_confidence" mapstructure:"min_item_confidence"`
}

// LLMConfig configures the language-model structurer.
type LLMConfig struct {
	Provider               string  `yaml:"provider" mapstructure:"provider"`
	Model                  string  `yaml:"model" mapstructure:"model"`
	MaxTokens              int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestTimeoutMs       int     `yaml:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	MaxAttempts            int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	CoverageThreshold      float64 `yaml:"coverage_threshold" mapstructure:"coverage_threshold"`
	ChunkSize              int     `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap           int     `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
	MaxConcurrentChunks    int     `yaml:"max_concurrent_chunks" mapstructure:"max_concurrent_chunks"`
	Precedence             string  `yaml:"precedence" mapstructure:"precedence"`
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold" mapstructure:"low_confidence_threshold"`
}

// RequestTimeout returns the per-call provider timeout.
func (c LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// CurrencyConfig configures the currency service.
type CurrencyConfig struct {
	Base                string             `yaml:"base" mapstructure:"base"`
	Provider            string             `yaml:"provider" mapstructure:"provider"`
	APIURL              string             `yaml:"api_url" mapstructure:"api_url"`
	APIKey              string             `yaml:"api_key" mapstructure:"api_key"`
	RequestsPerSecond   float64            `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	StalenessWindowMins int                `yaml:"staleness_window_mins" mapstructure:"staleness_window_mins"`
	DegradedPenalty     float64            `yaml:"degraded_penalty" mapstructure:"degraded_penalty"`
	Snapshot            bool               `yaml:"snapshot" mapstructure:"snapshot"`
	StaticRates         map[string]float64 `yaml:"static_rates" mapstructure:"static_rates"`
}

// StalenessWindow returns how long a cached rate stays fresh.
func (c CurrencyConfig) StalenessWindow() time.Duration {
	return time.Duration(c.StalenessWindowMins) * time.Minute
}

// ValidateConfig configures the validator.
type ValidateConfig struct {
	RangesPath               string  `yaml:"ranges_path" mapstructure:"ranges_path"`
	DuplicateReviewThreshold float64 `yaml:"duplicate_review_threshold" mapstructure:"duplicate_review_threshold"`
	ReviewConfidence         float64 `yaml:"review_confidence" mapstructure:"review_confidence"`
}

// IngestConfig configures the ingestion service.
type IngestConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// WorkerConfig configures the job worker pool.
type WorkerConfig struct {
	Count            int     `yaml:"count" mapstructure:"count"`
	MaxRetryAttempts int     `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	BackoffBaseMs    int     `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffFactor    float64 `yaml:"backoff_factor" mapstructure:"backoff_factor"`
	BackoffMaxMs     int     `yaml:"backoff_max_ms" mapstructure:"backoff_max_ms"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	PollIntervalMs   int     `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	JobTimeoutSecs   int     `yaml:"job_timeout_secs" mapstructure:"job_timeout_secs"`
	LockTimeoutSecs  int     `yaml:"lock_timeout_secs" mapstructure:"lock_timeout_secs"`
}

// SchedulerConfig configures periodic re-ingestion of document sources.
type SchedulerConfig struct {
	Enabled             bool           `yaml:"enabled" mapstructure:"enabled"`
	TickSecs            int            `yaml:"tick_secs" mapstructure:"tick_secs"`
	DefaultIntervalMins int            `yaml:"default_interval_mins" mapstructure:"default_interval_mins"`
	Sources             []SourceConfig `yaml:"sources" mapstructure:"sources"`
}

// SourceConfig describes one periodically fetched tariff document.
type SourceConfig struct {
	Name         string `yaml:"name" mapstructure:"name"`
	PortCode     string `yaml:"port_code" mapstructure:"port_code"`
	URL          string `yaml:"url" mapstructure:"url"`
	DocumentType string `yaml:"document_type" mapstructure:"document_type"`
	IntervalMins int    `yaml:"interval_mins" mapstructure:"interval_mins"`
}

// Interval returns the source's re-ingestion interval, falling back to def.
func (s SourceConfig) Interval(def time.Duration) time.Duration {
	if s.IntervalMins > 0 {
		return time.Duration(s.IntervalMins) * time.Minute
	}
	return def
}

// MonitoringConfig configures queue health alerting.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ReviewBacklogLimit   int     `yaml:"review_backlog_limit" mapstructure:"review_backlog_limit"`
	DLQDepthLimit        int     `yaml:"dlq_depth_limit" mapstructure:"dlq_depth_limit"`
}

// ServerConfig configures the job-monitoring HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads config.yaml from the working directory, if present, and the
// TARIFF_* environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. A named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("blob.dir", "./data/blobs")
	v.SetDefault("fetch.user_agent", "tariff-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.requests_per_second", 2.0)
	v.SetDefault("fetch.max_bytes", 64<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)

	v.SetDefault("extract.text_layer", "native")
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("extract.text_density_threshold", 200.0)
	v.SetDefault("extract.ocr_confidence_threshold", 0.4)
	v.SetDefault("extract.timeout_secs", 120)
	v.SetDefault("extract.ocr.provider", "tesseract")
	v.SetDefault("extract.ocr.tesseract_path", "tesseract")
	v.SetDefault("extract.ocr.pdftoppm_path", "pdftoppm")
	v.SetDefault("extract.ocr.lang", "eng")
	v.SetDefault("extract.ocr.dpi", 300)
	v.SetDefault("extract.ocr.mistral_model", "mistral-ocr-latest")

	v.SetDefault("pattern.fuzzy_max_distance", 2)
	v.SetDefault("pattern.range_policy", "lower")
	v.SetDefault("pattern.min_item_confidence", 0.5)

	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.request_timeout_ms", 60000)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.coverage_threshold", 0.5)
	v.SetDefault("llm.chunk_size", 6000)
	v.SetDefault("llm.chunk_overlap", 200)
	v.SetDefault("llm.max_concurrent_chunks", 4)
	v.SetDefault("llm.precedence", "low_confidence")
	v.SetDefault("llm.low_confidence_threshold", 0.6)

	v.SetDefault("currency.base", "USD")
	v.SetDefault("currency.provider", "static")
	v.SetDefault("currency.api_url", "https://api.exchangerate.host/latest")
	v.SetDefault("currency.requests_per_second", 2.0)
	v.SetDefault("currency.staleness_window_mins", 1440)
	v.SetDefault("currency.degraded_penalty", 0.2)
	v.SetDefault("currency.snapshot", true)

	v.SetDefault("validate.duplicate_review_threshold", 0.30)
	v.SetDefault("validate.review_confidence", 0.5)

	v.SetDefault("ingest.max_concurrent", 5)

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.max_retry_attempts", 3)
	v.SetDefault("worker.backoff_base_ms", 5000)
	v.SetDefault("worker.backoff_factor", 2.0)
	v.SetDefault("worker.backoff_max_ms", 900000)
	v.SetDefault("worker.jitter_fraction", 0.25)
	v.SetDefault("worker.poll_interval_ms", 2000)
	v.SetDefault("worker.job_timeout_secs", 600)
	v.SetDefault("worker.lock_timeout_secs", 1800)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_secs", 60)
	v.SetDefault("scheduler.default_interval_mins", 1440)

	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.review_backlog_limit", 200)
	v.SetDefault("monitoring.dlq_depth_limit", 10)
}

// Validate checks the settings a command mode depends on. Mode is one of
// "ingest", "worker", "review" or "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "ingest", "worker", "review":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for the postgres driver")
	}
	if c.LLM.Provider == "anthropic" && c.Anthropic.Key == "" && (mode == "ingest" || mode == "worker") {
		errs = append(errs, "anthropic.key is required when llm.provider is anthropic")
	}
	if !inUnit(c.Extract.OCRConfidenceThreshold) {
		errs = append(errs, "extract.ocr_confidence_threshold must be between 0 and 1")
	}
	if c.Extract.TextDensityThreshold <= 0 {
		errs = append(errs, "extract.text_density_threshold must be > 0")
	}
	if !inUnit(c.LLM.CoverageThreshold) {
		errs = append(errs, "llm.coverage_threshold must be between 0 and 1")
	}
	switch c.LLM.Precedence {
	case "low_confidence", "llm", "pattern":
	default:
		errs = append(errs, "llm.precedence must be one of low_confidence, llm, pattern")
	}
	switch c.Pattern.RangePolicy {
	case "lower", "midpoint", "upper":
	default:
		errs = append(errs, "pattern.range_policy must be one of lower, midpoint, upper")
	}
	if c.Validation.DuplicateReviewThreshold <= 0 {
		errs = append(errs, "validate.duplicate_review_threshold must be > 0")
	}
	if c.Worker.MaxRetryAttempts < 1 {
		errs = append(errs, "worker.max_retry_attempts must be >= 1")
	}
	if c.Worker.Count < 1 || c.Worker.Count > 64 {
		errs = append(errs, "worker.count must be between 1 and 64")
	}
	if c.Worker.BackoffFactor < 1 {
		errs = append(errs, "worker.backoff_factor must be >= 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
