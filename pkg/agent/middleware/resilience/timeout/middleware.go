// Package timeout bounds each completion call with a deadline.
package timeout

import (
	"context"
	"time"

	"appforge/pkg/agent/llm"
)

// Middleware gives every call its own deadline. For streams the deadline
// covers the whole stream and is released when the stream ends.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				in, err := next.Stream(timeoutCtx, req)
				if err != nil {
					cancel()
					return nil, err
				}
				out := make(chan llm.StreamChunk)
				go func() {
					defer cancel()
					defer close(out)
					for {
						select {
						case chunk, ok := <-in:
							if !ok {
								return
							}
							select {
							case out <- chunk:
							case <-ctx.Done():
								return
							}
							if chunk.Done || chunk.Error != nil {
								return
							}
						case <-timeoutCtx.Done():
							select {
							case out <- llm.StreamChunk{Error: timeoutCtx.Err(), Done: true}:
							case <-ctx.Done():
							}
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
