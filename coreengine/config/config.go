package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete service configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	LLM           LLMConfig           `koanf:"llm"`
	Tracker       TrackerConfig       `koanf:"tracker"`
	Storage       StorageConfig       `koanf:"storage"`
	WebFetch      WebFetchConfig      `koanf:"webfetch"`
	RateLimit     RateLimitConfig     `koanf:"ratelimit"`
	Observability ObservabilityConfig `koanf:"observability"`
	Prompts       PromptsConfig       `koanf:"prompts"`
	Rubrics       RubricsConfig       `koanf:"rubrics"`
	Audit         AuditConfig         `koanf:"audit"`
	Policy        Policy              `koanf:"policy"`
}

// ServerConfig holds the ingress listeners.
type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RequestTimeout bounds one pipeline run started from an ingress.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider    string  `koanf:"provider"` // "gemini" or "mock"
	APIKey      string  `koanf:"api_key"`
	Model       string  `koanf:"model"`
	JudgeModel  string  `koanf:"judge_model"`
	Temperature float64 `koanf:"temperature"`
}

// TrackerConfig configures the task tracker client. An empty token runs
// the pipeline without a tracker.
type TrackerConfig struct {
	BaseURL  string        `koanf:"base_url"`
	APIToken string        `koanf:"api_token"`
	Timeout  time.Duration `koanf:"timeout"`
}

// Enabled reports whether a tracker is configured.
func (c TrackerConfig) Enabled() bool { return c.APIToken != "" }

// StorageConfig configures the S3-compatible attachment store. An empty
// endpoint disables attachments.
type StorageConfig struct {
	Endpoint        string `koanf:"endpoint"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	Bucket          string `koanf:"bucket"`
	Region          string `koanf:"region"`
	UseSSL          bool   `koanf:"use_ssl"`
}

// Enabled reports whether a store is configured.
func (c StorageConfig) Enabled() bool { return c.Endpoint != "" }

// WebFetchConfig configures page fetching and its cache.
type WebFetchConfig struct {
	Timeout      time.Duration `koanf:"timeout"`
	UserAgent    string        `koanf:"user_agent"`
	MaxBodyBytes int64         `koanf:"max_body_bytes"`
	CacheSize    int           `koanf:"cache_size"`
	CacheTTL     time.Duration `koanf:"cache_ttl"`
}

// RateLimitConfig throttles ingress per client.
type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute"`
	Burst             int `koanf:"burst"`
}

// ObservabilityConfig holds logging and OpenTelemetry configuration.
type ObservabilityConfig struct {
	ServiceName      string  `koanf:"service_name"`
	Environment      string  `koanf:"environment"`
	LogLevel         string  `koanf:"log_level"`
	LogFormat        string  `koanf:"log_format"`
	EnableTracing    bool    `koanf:"enable_tracing"`
	OTLPEndpoint     string  `koanf:"otlp_endpoint"`
	TraceSampleRatio float64 `koanf:"trace_sample_ratio"`
}

// PromptsConfig configures prompt lookup.
type PromptsConfig struct {
	Label string        `koanf:"label"`
	TTL   time.Duration `koanf:"ttl"`
}

// RubricsConfig points at YAML rubric overrides. Empty paths use the
// built-in rubrics.
type RubricsConfig struct {
	OutputPath string `koanf:"output_path"`
	InputPath  string `koanf:"input_path"`
}

// AuditConfig configures the per-request state log. An empty path
// disables it.
type AuditConfig struct {
	Path string `koanf:"path"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = ":8080"
	}
	if cfg.Server.GRPCAddr == "" {
		cfg.Server.GRPCAddr = ":50051"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 10 * time.Minute
	}

	// LLM defaults
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "gemini"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.LLM.JudgeModel == "" {
		cfg.LLM.JudgeModel = cfg.LLM.Model
	}

	// Tracker defaults
	if cfg.Tracker.BaseURL == "" {
		cfg.Tracker.BaseURL = "https://api.clickup.com/api/v2"
	}
	if cfg.Tracker.Timeout == 0 {
		cfg.Tracker.Timeout = 30 * time.Second
	}

	// Storage defaults
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = "changeflow-attachments"
	}

	// Web fetch defaults
	if cfg.WebFetch.Timeout == 0 {
		cfg.WebFetch.Timeout = 15 * time.Second
	}
	if cfg.WebFetch.UserAgent == "" {
		cfg.WebFetch.UserAgent = "changeflow/1.0 (+https://github.com/jeeves-cluster-organization/changeflow)"
	}
	if cfg.WebFetch.MaxBodyBytes == 0 {
		cfg.WebFetch.MaxBodyBytes = 2 << 20
	}
	if cfg.WebFetch.CacheSize == 0 {
		cfg.WebFetch.CacheSize = 128
	}
	if cfg.WebFetch.CacheTTL == 0 {
		cfg.WebFetch.CacheTTL = 10 * time.Minute
	}

	// Rate limit defaults
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 5
	}

	// Observability defaults
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "changeflow"
	}
	if cfg.Observability.Environment == "" {
		cfg.Observability.Environment = "development"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLPEndpoint == "" {
		cfg.Observability.OTLPEndpoint = "localhost:4317"
	}

	// Prompt defaults
	if cfg.Prompts.Label == "" {
		cfg.Prompts.Label = "production"
	}
	if cfg.Prompts.TTL == 0 {
		cfg.Prompts.TTL = 5 * time.Minute
	}

	applyPolicyDefaults(&cfg.Policy)
}

// applyPolicyDefaults fills zero-valued policy fields.
func applyPolicyDefaults(p *Policy) {
	d := DefaultPolicy()
	if p.MaxIterations == 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.MaxEnrichmentIterations == 0 {
		p.MaxEnrichmentIterations = d.MaxEnrichmentIterations
	}
	if p.MaxEnrichmentTokens == 0 {
		p.MaxEnrichmentTokens = d.MaxEnrichmentTokens
	}
	if p.ToolBudgets == nil {
		p.ToolBudgets = d.ToolBudgets
	} else {
		for tool, budget := range d.ToolBudgets {
			if _, ok := p.ToolBudgets[tool]; !ok {
				p.ToolBudgets[tool] = budget
			}
		}
	}
	if p.DefaultToolBudget == 0 {
		p.DefaultToolBudget = d.DefaultToolBudget
	}
	if p.NodeTimeout == 0 {
		p.NodeTimeout = d.NodeTimeout
	}
	if p.LLMTimeout == 0 {
		p.LLMTimeout = d.LLMTimeout
	}
	if p.ToolTimeout == 0 {
		p.ToolTimeout = d.ToolTimeout
	}
	if p.EnrichmentConcurrency == 0 {
		p.EnrichmentConcurrency = d.EnrichmentConcurrency
	}
	if p.SiteParametersListID == "" {
		p.SiteParametersListID = d.SiteParametersListID
	}
	if p.ProjectListID == "" {
		p.ProjectListID = d.ProjectListID
	}
	if p.ReviewListID == "" {
		p.ReviewListID = p.ProjectListID
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		return errors.New("at least one of server.http_addr or server.grpc_addr is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "gemini":
		if c.LLM.APIKey == "" {
			return errors.New("llm.api_key is required for the gemini provider")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}

	if c.Storage.Enabled() && (c.Storage.AccessKeyID == "" || c.Storage.SecretAccessKey == "") {
		return errors.New("storage credentials required when storage.endpoint is set")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.Observability.TraceSampleRatio < 0 || c.Observability.TraceSampleRatio > 1 {
		return fmt.Errorf("observability.trace_sample_ratio must be within [0, 1], got %v", c.Observability.TraceSampleRatio)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	return nil
}
