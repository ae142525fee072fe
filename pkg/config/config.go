// Package config loads and validates appforge configuration.
//
// Configuration is read once at startup from a YAML or JSON file, layered over
// defaults, then overridden from APPFORGE_* environment variables. API keys are
// never stored in the config file; they are resolved through GetSecret.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"appforge/pkg/logx"
)

//nolint:gochecknoglobals // process-wide configuration singleton
var (
	current *Config
	mu      sync.RWMutex
	logger  = logx.NewLogger("config")
)

// Provider constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// API key environment variable names.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Defaults.
const (
	DefaultMaxIterations      = 10
	DefaultHistoryWindow      = 5
	DefaultStageHistoryWindow = 3
	DefaultMaxTokens          = 8192
	DefaultStageModel         = "claude-sonnet-4-5"
	DefaultSupervisorModel    = "claude-sonnet-4-5"
	DefaultVerifierModel      = "gemini-2.5-flash"
	DefaultOllamaHost         = "http://localhost:11434"
	DefaultAddr               = "localhost:8080"
	DefaultDatabaseFile       = "appforge.db"
	DefaultNATSSubject        = "appforge.events"
	DefaultConfigDir          = ".appforge"

	PersistenceSQLite = "sqlite"
	PersistenceFile   = "file"
	PersistenceMemory = "memory"
)

// ModelInfo is static information about a known model.
type ModelInfo struct {
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels maps model names to provider metadata. Unknown models fall back to ProviderPatterns.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5":       {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-opus-4-1":         {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-3-5-haiku-latest": {Provider: ProviderAnthropic, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"gpt-4o":                  {Provider: ProviderOpenAI, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"gpt-4.1":                 {Provider: ProviderOpenAI, MaxContextTokens: 1047576, MaxOutputTokens: 32768},
	"gemini-2.5-flash":        {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"gemini-2.5-pro":          {Provider: ProviderGoogle, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
}

// ProviderPattern infers a provider from a model name prefix.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

//nolint:gochecknoglobals // inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"deepseek-chat", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"phi", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// GetModelProvider returns the provider serving modelName.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for _, p := range ProviderPatterns {
		if strings.HasPrefix(modelName, p.Prefix) {
			return p.Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match", modelName)
}

// ModelsConfig selects a model per role.
//
// Supervisor drives intent classification, Stages drives every generation
// stage, and Verifier reviews generated code.
type ModelsConfig struct {
	Supervisor string `yaml:"supervisor" json:"supervisor"`
	Stages     string `yaml:"stages" json:"stages"`
	Verifier   string `yaml:"verifier" json:"verifier"`
	MaxTokens  int    `yaml:"max_tokens" json:"max_tokens"`

	// OpenAIBaseURL points the OpenAI client at a compatible endpoint.
	OpenAIBaseURL string `yaml:"openai_base_url" json:"openai_base_url"`
	OllamaHost    string `yaml:"ollama_host" json:"ollama_host"`
}

// OrchestratorConfig bounds the orchestration loop.
//
// HistoryWindow applies to classification and chat, StageHistoryWindow to the
// generation stages.
type OrchestratorConfig struct {
	MaxIterations      int  `yaml:"max_iterations" json:"max_iterations"`
	HistoryWindow      int  `yaml:"history_window" json:"history_window"`
	StageHistoryWindow int  `yaml:"stage_history_window" json:"stage_history_window"`
	MaxHistoryTokens   int  `yaml:"max_history_tokens" json:"max_history_tokens"`
	Verify             bool `yaml:"verify" json:"verify"`
	SerializeProjects  bool `yaml:"serialize_projects" json:"serialize_projects"`
}

// CircuitBreakerConfig configures the circuit breaker middleware.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// RetryConfig configures the retry middleware.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	Jitter        bool          `yaml:"jitter" json:"jitter"`
}

// RateLimitConfig bounds concurrent and per-minute usage of a provider.
type RateLimitConfig struct {
	TokensPerMinute int `yaml:"tokens_per_minute" json:"tokens_per_minute"`
	MaxConcurrency  int `yaml:"max_concurrency" json:"max_concurrency"`
}

// ResilienceConfig bundles the LLM middleware settings.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Timeout        time.Duration        `yaml:"timeout" json:"timeout"`
}

// PersistenceConfig selects the state store backend (sqlite, file or memory).
type PersistenceConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// WebUIConfig configures the HTTP server.
type WebUIConfig struct {
	Addr        string `yaml:"addr" json:"addr"`
	AllowOrigin string `yaml:"allow_origin" json:"allow_origin"`
}

// EventsConfig configures event sinks besides the HTTP stream.
type EventsConfig struct {
	LogDir  string `yaml:"log_dir" json:"log_dir"`
	NATSURL string `yaml:"nats_url" json:"nats_url"`
	Subject string `yaml:"subject" json:"subject"`
}

// MetricsConfig configures Prometheus export and querying.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	PrometheusURL string `yaml:"prometheus_url" json:"prometheus_url"`
}

// SandboxConfig configures local preview provisioning.
type SandboxConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	WorkDir        string        `yaml:"work_dir" json:"work_dir"`
	InstallCommand string        `yaml:"install_command" json:"install_command"`
	CommandTimeout time.Duration `yaml:"command_timeout" json:"command_timeout"`
}

// Config is the full appforge configuration.
type Config struct {
	Models       ModelsConfig       `yaml:"models" json:"models"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" json:"orchestrator"`
	Resilience   ResilienceConfig   `yaml:"resilience" json:"resilience"`
	Persistence  PersistenceConfig  `yaml:"persistence" json:"persistence"`
	WebUI        WebUIConfig        `yaml:"webui" json:"webui"`
	Events       EventsConfig       `yaml:"events" json:"events"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Sandbox      SandboxConfig      `yaml:"sandbox" json:"sandbox"`
}

// Default returns a configuration with every field populated.
func Default() Config {
	return Config{
		Models: ModelsConfig{
			Supervisor: DefaultSupervisorModel,
			Stages:     DefaultStageModel,
			Verifier:   DefaultVerifierModel,
			MaxTokens:  DefaultMaxTokens,
			OllamaHost: DefaultOllamaHost,
		},
		Orchestrator: OrchestratorConfig{
			MaxIterations:      DefaultMaxIterations,
			HistoryWindow:      DefaultHistoryWindow,
			StageHistoryWindow: DefaultStageHistoryWindow,
			MaxHistoryTokens:   6000,
			Verify:             true,
			SerializeProjects:  true,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Timeout:          30 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:   3,
				InitialDelay:  500 * time.Millisecond,
				MaxDelay:      10 * time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
			RateLimit: RateLimitConfig{
				TokensPerMinute: 300000,
				MaxConcurrency:  5,
			},
			Timeout: 3 * time.Minute,
		},
		Persistence: PersistenceConfig{
			Backend: PersistenceSQLite,
			Path:    DefaultConfigDir + "/" + DefaultDatabaseFile,
		},
		WebUI: WebUIConfig{
			Addr:        DefaultAddr,
			AllowOrigin: "*",
		},
		Events: EventsConfig{
			Subject: DefaultNATSSubject,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Sandbox: SandboxConfig{
			InstallCommand: "npm install",
			CommandTimeout: 5 * time.Minute,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxIterations <= 0 {
		return fmt.Errorf("orchestrator.max_iterations must be positive, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.HistoryWindow < 0 || c.Orchestrator.StageHistoryWindow < 0 {
		return fmt.Errorf("history windows must not be negative")
	}
	for role, model := range map[string]string{
		"supervisor": c.Models.Supervisor,
		"stages":     c.Models.Stages,
		"verifier":   c.Models.Verifier,
	} {
		if model == "" {
			return fmt.Errorf("models.%s must be set", role)
		}
		if _, err := GetModelProvider(model); err != nil {
			return fmt.Errorf("models.%s: %w", role, err)
		}
	}
	switch c.Persistence.Backend {
	case PersistenceSQLite, PersistenceFile:
		if c.Persistence.Path == "" {
			return fmt.Errorf("persistence.path is required for backend %q", c.Persistence.Backend)
		}
	case PersistenceMemory:
	default:
		return fmt.Errorf("unknown persistence backend %q", c.Persistence.Backend)
	}
	if c.Resilience.Retry.MaxAttempts < 1 {
		return fmt.Errorf("resilience.retry.max_attempts must be at least 1")
	}
	return nil
}

// SetConfig installs cfg as the process-wide configuration.
func SetConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	c := *cfg
	current = &c
}

// GetConfig returns a copy of the process-wide configuration.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Config{}, fmt.Errorf("config not loaded")
	}
	return *current, nil
}

// GetAPIKey resolves the credential for provider. For Ollama the host URL is returned.
func GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		if host, err := GetSecret(EnvOllamaHost); err == nil {
			return host, nil
		}
		return DefaultOllamaHost, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err != nil {
		return "", fmt.Errorf("API key not found: %w", err)
	}
	return key, nil
}
