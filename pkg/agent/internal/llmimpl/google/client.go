// Package google adapts the Gemini API (google.golang.org/genai) to llm.LLMClient.
package google

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/llmerrors"
	"appforge/pkg/config"
)

// GeminiClient implements llm.LLMClient. The SDK client is created lazily
// because construction needs a context.
type GeminiClient struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClientWithModel creates a raw client; middleware is applied by the factory.
func NewGeminiClientWithModel(apiKey, model string) llm.LLMClient {
	return &GeminiClient{apiKey: apiKey, model: model}
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// convertMessages maps messages to Gemini contents; system text becomes the
// system instruction and assistant turns use the "model" role.
func convertMessages(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	system, rest := llm.SplitSystem(messages)
	if len(rest) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}
	contents := make([]*genai.Content, 0, len(rest))
	for i := range rest {
		role := genai.RoleUser
		if rest[i].Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(rest[i].Content, genai.Role(role)))
	}
	return contents, system, nil
}

//nolint:gocritic // CompletionRequest passed by value to match interface
func (g *GeminiClient) prepare(ctx context.Context, in llm.CompletionRequest) (*genai.Client, []*genai.Content, *genai.GenerateContentConfig, error) {
	client, err := g.sdk(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	contents, system, err := convertMessages(in.Messages)
	if err != nil {
		return nil, nil, nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}
	temperature := in.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens), //nolint:gosec // bounded by model limits
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if in.ResponseFormat == llm.FormatJSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return client, contents, cfg, nil
}

//nolint:gocritic // CompletionRequest passed by value to match interface
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	client, contents, cfg, err := g.prepare(ctx, in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}
	result, err := client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(err, 0, config.ProviderGoogle)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}
	return llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: string(result.Candidates[0].FinishReason),
	}, nil
}

//nolint:gocritic // CompletionRequest passed by value to match interface
func (g *GeminiClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	client, contents, cfg, err := g.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		send := func(chunk llm.StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for resp, err := range client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
			if err != nil {
				send(llm.StreamChunk{Error: llmerrors.Classify(err, 0, config.ProviderGoogle)})
				return
			}
			if text := resp.Text(); text != "" {
				if !send(llm.StreamChunk{Content: text}) {
					return
				}
			}
		}
		send(llm.StreamChunk{Done: true})
	}()
	return ch, nil
}

func (g *GeminiClient) GetModelName() string {
	return g.model
}
