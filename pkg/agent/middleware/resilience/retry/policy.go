// Package retry provides exponential-backoff retry for completion calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"appforge/pkg/agent/llmerrors"
	"appforge/pkg/agent/middleware/resilience/circuit"
	"appforge/pkg/config"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts   int           // including the first attempt
	InitialDelay  time.Duration // delay before the second attempt
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultConfig provides reasonable defaults.
//
//nolint:gochecknoglobals // default config
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// FromConfig converts the resilience section of the app config.
func FromConfig(c config.RetryConfig) Config {
	return Config{
		MaxAttempts:   c.MaxAttempts,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
		Jitter:        c.Jitter,
	}
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry retries classified retryable errors and never retries
// cancellation or an open circuit.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return false
	}
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable() && llmErr.Type != llmerrors.ErrorTypeUnknown
	}
	return false
}

// Policy pairs a Config with a Classifier.
type Policy struct {
	Classifier Classifier
	Config     Config
}

// NewPolicy creates a policy. A nil classifier uses ShouldRetry.
func NewPolicy(cfg Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Policy{Config: cfg, Classifier: classifier}
}

// CalculateDelay returns the wait before the given attempt (1-based).
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		// +/-10%
		delay += time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay))
	}
	return delay
}

// ShouldRetry applies the policy's classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
