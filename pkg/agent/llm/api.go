// Package llm defines the completion port used by every stage of the pipeline.
package llm

import (
	"context"
	"fmt"
	"io"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault is used for planning, review and classification.
	TemperatureDefault = 0.3

	// TemperatureDeterministic is used for code generation.
	TemperatureDeterministic = 0.2

	// TemperatureCreative is used for free-form conversation.
	TemperatureCreative = 0.7

	// DefaultMaxTokens caps a response when the request does not.
	DefaultMaxTokens = 4096
)

// ResponseFormat selects plain text or a JSON object response.
type ResponseFormat string

const (
	FormatText ResponseFormat = ""
	FormatJSON ResponseFormat = "json_object"
)

// CompletionMessage is one message of a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // value semantics preferred over field packing
type CompletionRequest struct {
	Messages       []CompletionMessage
	ResponseFormat ResponseFormat
	MaxTokens      int
	Temperature    float32
}

// CompletionResponse is a whole completion.
type CompletionResponse struct {
	Content    string
	StopReason string
}

// StreamChunk is one fragment of a streamed completion. The producer closes the
// channel after a chunk with Done or Error set.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient is the completion port.
type LLMClient interface { //nolint:revive // name shared with provider packages
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a sequence of text fragments.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content}
}

// SplitSystem separates system messages (joined) from the conversational ones.
// Providers with a dedicated system field use this.
func SplitSystem(messages []CompletionMessage) (string, []CompletionMessage) {
	var system string
	rest := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// StreamToReader converts a stream channel to an io.Reader.
func StreamToReader(stream <-chan StreamChunk) io.Reader {
	pr, pw := io.Pipe()

	go func() {
		defer func() { _ = pw.Close() }()
		for chunk := range stream {
			if chunk.Error != nil {
				pw.CloseWithError(chunk.Error)
				return
			}
			if _, err := pw.Write([]byte(chunk.Content)); err != nil {
				pw.CloseWithError(err)
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return pr
}

// StreamFromComplete adapts a Complete call into a single-chunk stream for
// providers without native streaming.
func StreamFromComplete(ctx context.Context, c LLMClient, req CompletionRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 1)
	go func() {
		defer close(ch)
		resp, err := c.Complete(ctx, req)
		if err != nil {
			ch <- StreamChunk{Error: err, Done: true}
			return
		}
		ch <- StreamChunk{Content: resp.Content, Done: true}
	}()
	return ch, nil
}

// CollectStream drains a stream, calling onText with the cumulative text after
// every non-empty fragment. It returns the full text, or the text so far plus
// the first error encountered (stream error or context cancellation).
func CollectStream(ctx context.Context, stream <-chan StreamChunk, onText func(cumulative string)) (string, error) {
	var full []byte
	for {
		select {
		case <-ctx.Done():
			return string(full), fmt.Errorf("stream interrupted: %w", ctx.Err())
		case chunk, ok := <-stream:
			if !ok {
				return string(full), nil
			}
			if chunk.Error != nil {
				return string(full), chunk.Error
			}
			if chunk.Content != "" {
				full = append(full, chunk.Content...)
				if onText != nil {
					onText(string(full))
				}
			}
			if chunk.Done {
				return string(full), nil
			}
		}
	}
}
