package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/llmerrors"
	"appforge/pkg/agent/middleware/resilience/circuit"
	"appforge/pkg/logx"
	"appforge/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor derives token usage from a request and its full response text.
type UsageExtractor func(req llm.CompletionRequest, content string) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts tokens with tiktoken.
func DefaultUsageExtractor(req llm.CompletionRequest, content string) (promptTokens, completionTokens int) {
	var sb strings.Builder
	for i := range req.Messages {
		sb.WriteString(req.Messages[i].Content)
		sb.WriteByte('\n')
	}
	return utils.CountTokens(sb.String()), utils.CountTokens(content)
}

// Middleware records request counts, latency and token usage. Stream usage
// is recorded once the stream ends.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if recorder == nil {
		recorder = Nop()
	}
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	observe := func(ctx context.Context, model string, req llm.CompletionRequest, content string, err error, start time.Time) {
		duration := time.Since(start)
		labels := LabelsFrom(ctx, model)
		var promptTokens, completionTokens int
		if err == nil {
			promptTokens, completionTokens = usageExtractor(req, content)
		}
		recorder.ObserveRequest(labels, promptTokens, completionTokens, err == nil, ErrorType(err), duration)
		if logger != nil {
			status := statusSuccess
			if err != nil {
				status = statusError
			}
			logger.Debug("LLM request: model=%s project=%s stage=%s tokens=%d+%d status=%s duration=%dms",
				model, labels.ProjectID, labels.Stage, promptTokens, completionTokens, status, duration.Milliseconds())
		}
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				observe(ctx, next.GetModelName(), req, resp.Content, err, start)
				return resp, err //nolint:wrapcheck // pass-through
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				in, err := next.Stream(ctx, req)
				if err != nil {
					observe(ctx, next.GetModelName(), req, "", err, start)
					return nil, err //nolint:wrapcheck // pass-through
				}
				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)
					var sb strings.Builder
					var streamErr error
					defer func() { observe(ctx, next.GetModelName(), req, sb.String(), streamErr, start) }()
					for chunk := range in {
						sb.WriteString(chunk.Content)
						if chunk.Error != nil {
							streamErr = chunk.Error
						}
						select {
						case out <- chunk:
						case <-ctx.Done():
							streamErr = ctx.Err()
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

// ErrorType maps err to a low-cardinality label value.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var circuitErr *circuit.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_breaker"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return llmerrors.TypeOf(err).String()
}
