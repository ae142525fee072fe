package agent

import (
	"fmt"
	"sync"

	"appforge/pkg/agent/internal/llmimpl/anthropic"
	"appforge/pkg/agent/internal/llmimpl/google"
	"appforge/pkg/agent/internal/llmimpl/ollama"
	"appforge/pkg/agent/internal/llmimpl/openaiofficial"
	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/middleware/metrics"
	"appforge/pkg/agent/middleware/resilience/circuit"
	"appforge/pkg/agent/middleware/resilience/ratelimit"
	"appforge/pkg/agent/middleware/resilience/retry"
	"appforge/pkg/agent/middleware/resilience/timeout"
	"appforge/pkg/agent/middleware/validation"
	"appforge/pkg/config"
	"appforge/pkg/logx"
)

// Role names the part of the pipeline a client serves. Each role has its own
// model in config.ModelsConfig.
type Role string

const (
	RoleSupervisor Role = "supervisor"
	RoleStage      Role = "stage"
	RoleVerifier   Role = "verifier"
)

// RawClientFunc builds an unwrapped provider client.
type RawClientFunc func(provider, model string) (llm.LLMClient, error)

// LLMClientFactory builds provider clients wrapped in the resilience chain.
// Circuit breakers and rate limiters are shared per provider.
type LLMClientFactory struct {
	cfg      config.Config
	recorder metrics.Recorder
	logger   *logx.Logger
	newRaw   RawClientFunc

	mu       sync.Mutex
	breakers map[string]circuit.Breaker
	limiters map[string]*ratelimit.TokenBucketLimiter
}

// NewLLMClientFactory creates a factory. A nil recorder disables metrics.
func NewLLMClientFactory(cfg config.Config, recorder metrics.Recorder) *LLMClientFactory {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	f := &LLMClientFactory{
		cfg:      cfg,
		recorder: recorder,
		logger:   logx.NewLogger("llm-factory"),
		breakers: make(map[string]circuit.Breaker),
		limiters: make(map[string]*ratelimit.TokenBucketLimiter),
	}
	f.newRaw = f.defaultRawClient
	return f
}

// WithRawClientFunc replaces provider construction, for tests and custom backends.
func (f *LLMClientFactory) WithRawClientFunc(fn RawClientFunc) *LLMClientFactory {
	f.newRaw = fn
	return f
}

// ModelFor returns the configured model for role.
func (f *LLMClientFactory) ModelFor(role Role) (string, error) {
	switch role {
	case RoleSupervisor:
		return f.cfg.Models.Supervisor, nil
	case RoleStage:
		return f.cfg.Models.Stages, nil
	case RoleVerifier:
		return f.cfg.Models.Verifier, nil
	default:
		return "", fmt.Errorf("unsupported client role: %s", role)
	}
}

// CreateClient builds the client for role.
func (f *LLMClientFactory) CreateClient(role Role) (llm.LLMClient, error) {
	model, err := f.ModelFor(role)
	if err != nil {
		return nil, err
	}
	return f.CreateClientForModel(model)
}

// CreateClientForModel builds a wrapped client for an explicit model name.
func (f *LLMClientFactory) CreateClientForModel(model string) (llm.LLMClient, error) {
	provider, err := config.GetModelProvider(model)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", model, err)
	}
	raw, err := f.newRaw(provider, model)
	if err != nil {
		return nil, err
	}
	return f.wrap(raw, provider), nil
}

// wrap applies, outermost first: metrics, circuit breaker, retry,
// empty-response validation, rate limit, per-attempt timeout.
func (f *LLMClientFactory) wrap(raw llm.LLMClient, provider string) llm.LLMClient {
	res := f.cfg.Resilience
	return llm.Chain(raw,
		metrics.Middleware(f.recorder, nil, f.logger),
		circuit.Middleware(f.breakerFor(provider)),
		retry.Middleware(retry.NewPolicy(retry.FromConfig(res.Retry), nil)),
		validation.EmptyResponseMiddleware(),
		ratelimit.Middleware(f.limiterFor(provider), f.recorder),
		timeout.Middleware(res.Timeout),
	)
}

func (f *LLMClientFactory) breakerFor(provider string) circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[provider]
	if !ok {
		b = circuit.New(circuit.FromConfig(f.cfg.Resilience.CircuitBreaker))
		f.breakers[provider] = b
	}
	return b
}

func (f *LLMClientFactory) limiterFor(provider string) *ratelimit.TokenBucketLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[provider]
	if !ok {
		l = ratelimit.NewTokenBucketLimiter(provider, f.cfg.Resilience.RateLimit)
		f.limiters[provider] = l
	}
	return l
}

// RateLimitStats reports limiter state for every provider used so far.
func (f *LLMClientFactory) RateLimitStats() []ratelimit.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ratelimit.Stats, 0, len(f.limiters))
	for _, l := range f.limiters {
		out = append(out, l.Stats())
	}
	return out
}

func (f *LLMClientFactory) defaultRawClient(provider, model string) (llm.LLMClient, error) {
	if provider == config.ProviderOllama {
		host := f.cfg.Models.OllamaHost
		if host == "" {
			host, _ = config.GetAPIKey(config.ProviderOllama)
		}
		return ollama.NewOllamaClientWithModel(host, model), nil
	}

	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}
	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, model), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(apiKey, model, f.cfg.Models.OpenAIBaseURL), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
