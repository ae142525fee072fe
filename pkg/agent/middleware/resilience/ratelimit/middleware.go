package ratelimit

import (
	"context"
	"time"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/middleware/metrics"
)

// Middleware acquires prompt+max-output tokens before each call. For streams
// the concurrency slot is held until the stream ends.
func Middleware(limiter Limiter, recorder metrics.Recorder) llm.Middleware {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return func(next llm.LLMClient) llm.LLMClient {
		acquire := func(ctx context.Context, req llm.CompletionRequest) (func(), error) {
			start := time.Now()
			release, err := limiter.Acquire(ctx, EstimatePrompt(req)+req.MaxTokens)
			recorder.ObserveQueueWait(next.GetModelName(), time.Since(start))
			if err != nil {
				recorder.IncThrottle(next.GetModelName(), "rate_limit")
			}
			return release, err
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				release, err := acquire(ctx, req)
				if err != nil {
					return llm.CompletionResponse{}, err
				}
				defer release()
				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				release, err := acquire(ctx, req)
				if err != nil {
					return nil, err
				}
				in, err := next.Stream(ctx, req)
				if err != nil {
					release()
					return nil, err
				}
				out := make(chan llm.StreamChunk)
				go func() {
					defer release()
					defer close(out)
					for chunk := range in {
						select {
						case out <- chunk:
						case <-ctx.Done():
							return
						}
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
