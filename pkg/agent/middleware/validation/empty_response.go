// Package validation rejects unusable LLM responses before they reach callers.
package validation

import (
	"context"
	"strings"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/llmerrors"
	"appforge/pkg/logx"
)

const maxEmptyAttempts = 2

const guidanceMessage = "Your previous response was empty. Please answer the request above with complete content."

// EmptyResponseMiddleware retries a blank completion once with a guidance
// message appended, then fails with ErrorTypeEmptyResponse. Streams pass
// through; callers detect empty stream output themselves.
func EmptyResponseMiddleware() llm.Middleware {
	logger := logx.NewLogger("empty-response-validator")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						return resp, err //nolint:wrapcheck // pass-through
					}
					if err == nil && strings.TrimSpace(resp.Content) != "" {
						return resp, nil
					}
					logger.Warn("empty response from %s (attempt %d/%d)", next.GetModelName(), attempt, maxEmptyAttempts)
					retry := req
					retry.Messages = append(append([]llm.CompletionMessage(nil), req.Messages...), llm.NewUserMessage(guidanceMessage))
					req = retry
				}
				return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
					"received empty response after guidance")
			},
			next.Stream,
			next.GetModelName,
		)
	}
}
