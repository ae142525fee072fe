package retry

import (
	"context"
	"fmt"
	"time"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/llmerrors"
)

// Middleware retries failed calls per policy. Once a retryable error survives
// every attempt it is reported as ErrorTypeServiceUnavailable.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var resp llm.CompletionResponse
				err := do(ctx, policy, func() error {
					var callErr error
					resp, callErr = next.Complete(ctx, req)
					return callErr
				})
				return resp, err
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				var ch <-chan llm.StreamChunk
				err := do(ctx, policy, func() error {
					var callErr error
					ch, callErr = next.Stream(ctx, req)
					return callErr
				})
				return ch, err
			},
			next.GetModelName,
		)
	}
}

func do(ctx context.Context, policy *Policy, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
		if delay := policy.CalculateDelay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !policy.ShouldRetry(lastErr) {
			return lastErr
		}
	}
	return llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
}
