package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/mocks"
	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/llmerrors"
)

func TestEmptyResponseRetriesWithGuidance(t *testing.T) {
	var lastLen int
	base := &mocks.MockLLMClient{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			lastLen = len(req.Messages)
			if len(req.Messages) == 1 {
				return llm.CompletionResponse{Content: "  "}, nil
			}
			return llm.CompletionResponse{Content: "ok"}, nil
		},
	}
	client := llm.Chain(base, EmptyResponseMiddleware())
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("q")}))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, lastLen)
	assert.Equal(t, 2, base.CompleteCallCount())
}

func TestEmptyResponseGivesUp(t *testing.T) {
	base := &mocks.MockLLMClient{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, nil
		},
	}
	client := llm.Chain(base, EmptyResponseMiddleware())
	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
	assert.Equal(t, 2, base.CompleteCallCount())
}
