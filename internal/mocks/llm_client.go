package mocks

import (
	"context"
	"sync"

	"appforge/pkg/agent/llm"
)

// DefaultMockModel is returned by GetModelName when ModelName is empty.
const DefaultMockModel = "mock-model"

// MockLLMClient implements llm.LLMClient for testing. Nil funcs fall back to
// a canned response.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockLLMClient struct {
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)
	StreamFunc   func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error)
	ModelName    string

	mu            sync.Mutex
	completeCalls []llm.CompletionRequest
	streamCalls   []llm.CompletionRequest
}

// NewMockLLMClient creates a mock that answers every call with response.
func NewMockLLMClient(response string) *MockLLMClient {
	return &MockLLMClient{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: response, StopReason: "end_turn"}, nil
		},
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return StreamOf(response), nil
		},
	}
}

func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.completeCalls = append(m.completeCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()
	if fn == nil {
		return llm.CompletionResponse{Content: "Mock response", StopReason: "end_turn"}, nil
	}
	return fn(ctx, req)
}

func (m *MockLLMClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.streamCalls = append(m.streamCalls, req)
	fn := m.StreamFunc
	m.mu.Unlock()
	if fn == nil {
		return StreamOf("Mock streamed response"), nil
	}
	return fn(ctx, req)
}

func (m *MockLLMClient) GetModelName() string {
	if m.ModelName == "" {
		return DefaultMockModel
	}
	return m.ModelName
}

// CompleteCalls returns a copy of every request passed to Complete.
func (m *MockLLMClient) CompleteCalls() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.CompletionRequest(nil), m.completeCalls...)
}

// StreamCalls returns a copy of every request passed to Stream.
func (m *MockLLMClient) StreamCalls() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.CompletionRequest(nil), m.streamCalls...)
}

func (m *MockLLMClient) CompleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completeCalls)
}

func (m *MockLLMClient) StreamCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streamCalls)
}

// StreamOf returns a closed channel that yields parts followed by Done.
func StreamOf(parts ...string) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk, len(parts)+1)
	for _, p := range parts {
		ch <- llm.StreamChunk{Content: p}
	}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch
}

// ScriptedClient answers calls in order from Responses. Each response is
// used for Complete and streamed in one chunk for Stream. Once Responses is
// exhausted the last entry repeats.
type ScriptedClient struct {
	MockLLMClient

	Responses []string
	// Errors, when non-nil at index i, fail call i instead.
	Errors []error

	next int
}

// NewScriptedClient creates a ScriptedClient.
func NewScriptedClient(responses ...string) *ScriptedClient {
	s := &ScriptedClient{Responses: responses}
	s.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		content, err := s.take()
		if err != nil {
			return llm.CompletionResponse{}, err
		}
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	}
	s.StreamFunc = func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
		content, err := s.take()
		if err != nil {
			return nil, err
		}
		return StreamOf(content), nil
	}
	return s
}

func (s *ScriptedClient) take() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.next
	s.next++
	if i < len(s.Errors) && s.Errors[i] != nil {
		return "", s.Errors[i]
	}
	if len(s.Responses) == 0 {
		return "", nil
	}
	if i >= len(s.Responses) {
		i = len(s.Responses) - 1
	}
	return s.Responses[i], nil
}
