// Package ollama adapts a local Ollama server to llm.LLMClient.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/llmerrors"
	"appforge/pkg/config"
)

// Client implements llm.LLMClient over the Ollama chat API.
type Client struct {
	client *api.Client
	model  string
}

// NewOllamaClientWithModel creates a raw client. An unparseable hostURL
// falls back to the default local server.
func NewOllamaClientWithModel(hostURL, model string) llm.LLMClient {
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Host == "" {
		parsed, _ = url.Parse(config.DefaultOllamaHost)
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

func convertMessages(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, errors.New("message list cannot be empty")
	}
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		out = append(out, api.Message{Role: string(messages[i].Role), Content: messages[i].Content})
	}
	return out, nil
}

//nolint:gocritic // CompletionRequest passed by value to match interface
func (o *Client) request(in llm.CompletionRequest, stream bool) (*api.ChatRequest, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}
	if in.ResponseFormat == llm.FormatJSON {
		req.Format = json.RawMessage(`"json"`)
	}
	return req, nil
}

//nolint:gocritic // CompletionRequest passed by value to match interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	req, err := o.request(in, false)
	if err != nil {
		return llm.CompletionResponse{}, err
	}
	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	return llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
	}, nil
}

// Stream runs the chat call in a goroutine and forwards each callback
// fragment as a chunk.
//
//nolint:gocritic // CompletionRequest passed by value to match interface
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	req, err := o.request(in, true)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content == "" {
				return nil
			}
			select {
			case ch <- llm.StreamChunk{Content: resp.Message.Content}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		final := llm.StreamChunk{Done: true}
		if err != nil {
			final = llm.StreamChunk{Error: classifyError(err)}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (o *Client) GetModelName() string {
	return o.model
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusNotFound {
			return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Ollama model not found")
		}
		return llmerrors.Classify(err, statusErr.StatusCode, config.ProviderOllama)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Ollama server not reachable")
	}
	return llmerrors.Classify(err, 0, config.ProviderOllama)
}
