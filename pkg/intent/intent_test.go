package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"appforge/internal/mocks"
	"appforge/pkg/agent/llm"
	"appforge/pkg/proto"
	"appforge/pkg/templates"
)

func withCode() *proto.ProjectState {
	return &proto.ProjectState{
		UserMessage: "change the button color to blue",
		Code:        proto.FileMap{"App.tsx": "export default function App() {}"},
	}
}

func TestFallback(t *testing.T) {
	assert.Equal(t, Result{Intent: proto.IntentNewProject, Reason: FallbackReason},
		Fallback(&proto.ProjectState{UserMessage: "make a calculator"}))
	assert.Equal(t, Result{Intent: proto.IntentCodeOptimization, NeedsFix: true, Reason: FallbackReason},
		Fallback(withCode()))
}

func TestLLMClassifierFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		client *mocks.MockLLMClient
	}{
		{"port error", &mocks.MockLLMClient{
			CompleteFunc: func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
				return llm.CompletionResponse{}, errUnavailable
			},
		}},
		{"no json", mocks.NewMockLLMClient("I think this is a new project")},
		{"malformed json", mocks.NewMockLLMClient(`{"intent": "chat", `)},
		{"unknown intent", mocks.NewMockLLMClient(`{"intent": "dance", "needsCodeFix": false}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewLLMClassifier(tt.client, templates.MustRenderer(), 5)

			fresh := c.Classify(context.Background(), &proto.ProjectState{UserMessage: "make a calculator"})
			assert.Equal(t, proto.IntentNewProject, fresh.Intent)
			assert.False(t, fresh.NeedsFix)

			existing := c.Classify(context.Background(), withCode())
			assert.Equal(t, proto.IntentCodeOptimization, existing.Intent)
			assert.True(t, existing.NeedsFix)
		})
	}
}

func TestLLMClassifierParsesResponse(t *testing.T) {
	client := mocks.NewMockLLMClient("```json\n{\"intent\": \"code_optimization\", \"needsCodeFix\": true, \"reason\": \"color change\"}\n```")
	c := NewLLMClassifier(client, templates.MustRenderer(), 5)

	got := c.Classify(context.Background(), withCode())
	assert.Equal(t, Result{Intent: proto.IntentCodeOptimization, NeedsFix: true, Reason: "color change"}, got)

	calls := client.CompleteCalls()
	if assert.Len(t, calls, 1) {
		assert.Contains(t, calls[0].Messages[0].Content, "App.tsx")
	}
}

func TestNeedsFixRequiresCode(t *testing.T) {
	client := mocks.NewMockLLMClient(`{"intent": "code_optimization", "needsCodeFix": true, "reason": "x"}`)
	c := NewLLMClassifier(client, templates.MustRenderer(), 5)

	got := c.Classify(context.Background(), &proto.ProjectState{UserMessage: "fix it", Requirements: "prd"})
	assert.Equal(t, proto.IntentCodeOptimization, got.Intent)
	assert.False(t, got.NeedsFix)
}

func TestClassifierForwardsHistoryWindow(t *testing.T) {
	client := mocks.NewMockLLMClient(`{"intent": "chat", "needsCodeFix": false}`)
	c := NewLLMClassifier(client, templates.MustRenderer(), 2)

	s := &proto.ProjectState{
		UserMessage: "hello",
		ConversationHistory: []proto.HistoryEntry{
			{Role: proto.RoleUser, Content: "first"},
			{Role: proto.RoleAssistant, Content: "second"},
			{Role: proto.RoleUser, Content: "third"},
		},
	}
	assert.Equal(t, proto.IntentChat, c.Classify(context.Background(), s).Intent)

	prompt := client.CompleteCalls()[0].Messages[0].Content
	assert.NotContains(t, prompt, "first")
	assert.Contains(t, prompt, "second")
	assert.Contains(t, prompt, "third")
}

func TestQuickCheckModification(t *testing.T) {
	for msg, want := range map[string]bool{
		"Fix the layout":          true,
		"please ADD a dark mode":  true,
		"把按钮改成蓝色":                 true,
		"优化性能":                    true,
		"make a calculator":       false,
		"what can you build?":     false,
		"build me a todo manager": false,
	} {
		assert.Equal(t, want, QuickCheckModification(msg), msg)
	}
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier()
	ctx := context.Background()

	assert.Equal(t, proto.IntentNewProject, c.Classify(ctx, &proto.ProjectState{UserMessage: "fix a calculator"}).Intent)

	got := c.Classify(ctx, withCode())
	assert.Equal(t, proto.IntentCodeOptimization, got.Intent)
	assert.True(t, got.NeedsFix)

	s := withCode()
	s.UserMessage = "thanks"
	assert.False(t, c.Classify(ctx, s).NeedsFix)
}

var errUnavailable = errors.New("service unavailable")
