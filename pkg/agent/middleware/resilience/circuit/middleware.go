package circuit

import (
	"context"
	"errors"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/llmerrors"
)

// Middleware rejects calls while the breaker is open. Caller-side errors
// (cancellation, auth, bad prompt) do not count as provider failures.
func Middleware(b Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !b.Allow() {
					return llm.CompletionResponse{}, &Error{State: b.GetState()}
				}
				resp, err := next.Complete(ctx, req)
				record(b, err)
				return resp, err //nolint:wrapcheck // pass-through
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if !b.Allow() {
					return nil, &Error{State: b.GetState()}
				}
				// Only stream establishment is tracked.
				ch, err := next.Stream(ctx, req)
				record(b, err)
				return ch, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}

func record(b Breaker, err error) {
	if err == nil {
		b.Record(true)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeAuth, llmerrors.ErrorTypeBadPrompt:
		return
	}
	b.Record(false)
}
