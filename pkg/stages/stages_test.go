package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/mocks"
	"appforge/pkg/agent/llm"
	"appforge/pkg/proto"
	"appforge/pkg/state"
	"appforge/pkg/templates"
)

const validCode = `{"files": {"App.tsx": "export default function App() { return <div>Calculator</div>; }"}}`

func streamingClient(parts ...string) *mocks.MockLLMClient {
	return &mocks.MockLLMClient{
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return mocks.StreamOf(parts...), nil
		},
	}
}

func failingClient(err error) *mocks.MockLLMClient {
	return &mocks.MockLLMClient{
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return nil, err
		},
	}
}

func collect() (Emit, *[]string) {
	var updates []string
	return func(c string) { updates = append(updates, c) }, &updates
}

func TestRequirementsStageStreamsCumulativeText(t *testing.T) {
	stage := NewRequirementsStage(streamingClient("- Overview", ": calculator", "\n- Features"), templates.MustRenderer(), DefaultOptions())
	emit, updates := collect()
	s := &proto.ProjectState{UserMessage: "make a calculator", Status: proto.StatusPlanning}

	text, err := stage.Run(context.Background(), s, emit)
	require.NoError(t, err)
	assert.Equal(t, "- Overview: calculator\n- Features", text)
	assert.Equal(t, []string{"- Overview", "- Overview: calculator", "- Overview: calculator\n- Features"}, *updates)

	next := state.Apply(*s, stage.Finalize(s, text))
	assert.Equal(t, text, next.Requirements)
	assert.Equal(t, proto.StatusDesigning, next.Status)
}

func TestStageFailureBecomesPlaceholder(t *testing.T) {
	boom := errors.New("quota exceeded")
	tests := []struct {
		exec   Executor
		prefix string
	}{
		{NewRequirementsStage(failingClient(boom), templates.MustRenderer(), DefaultOptions()), RequirementsFailurePrefix},
		{NewArchitectureStage(failingClient(boom), templates.MustRenderer(), DefaultOptions()), ArchitectureFailurePrefix},
		{NewConversationStage(failingClient(boom), templates.MustRenderer(), DefaultOptions()), ConversationFailurePrefix},
	}
	for _, tt := range tests {
		t.Run(string(tt.exec.Stage()), func(t *testing.T) {
			emit, updates := collect()
			text, err := tt.exec.Run(context.Background(), &proto.ProjectState{UserMessage: "x"}, emit)
			require.NoError(t, err)
			assert.Equal(t, tt.prefix+": quota exceeded", text)
			assert.Equal(t, []string{text}, *updates)
		})
	}
}

func TestStageCancellationReturnsError(t *testing.T) {
	client := &mocks.MockLLMClient{
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 1)
			ch <- llm.StreamChunk{Content: `{"files": {"App.tsx": "partial`}
			return ch, nil
		},
	}
	stage := NewCodeStage(client, templates.MustRenderer(), DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	emit := func(string) { cancel() }
	text, err := stage.Run(ctx, &proto.ProjectState{UserMessage: "x"}, emit)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, text)
}

func TestCodeStagePromptVariants(t *testing.T) {
	client := streamingClient(validCode)
	stage := NewCodeStage(client, templates.MustRenderer(), DefaultOptions())

	fresh := &proto.ProjectState{UserMessage: "make a calculator", OriginalUserMessage: "make a calculator"}
	_, err := stage.Run(context.Background(), fresh, nil)
	require.NoError(t, err)

	existing := &proto.ProjectState{
		UserMessage:         "make the buttons blue",
		OriginalUserMessage: "make the buttons blue",
		IsModification:      true,
		Code:                proto.FileMap{"App.tsx": "old app source"},
	}
	_, err = stage.Run(context.Background(), existing, nil)
	require.NoError(t, err)

	calls := client.StreamCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, llm.FormatJSON, calls[0].ResponseFormat)
	assert.NotContains(t, calls[0].Messages[0].Content, "Current files")
	assert.Contains(t, calls[1].Messages[0].Content, "Current files")
	assert.Contains(t, calls[1].Messages[0].Content, "old app source")
}

func TestCodeStageRepairPromptUsesOriginalRequest(t *testing.T) {
	client := streamingClient(validCode)
	stage := NewCodeStage(client, templates.MustRenderer(), DefaultOptions())

	s := &proto.ProjectState{
		UserMessage:         "make a calculator\n\nFix the following issues:\n1. no divide",
		OriginalUserMessage: "make a calculator",
		IsModification:      true,
		Issues:              []string{"no divide"},
		Code:                proto.FileMap{"App.tsx": "old"},
	}
	_, err := stage.Run(context.Background(), s, nil)
	require.NoError(t, err)

	prompt := client.StreamCalls()[0].Messages[0].Content
	assert.Contains(t, prompt, "Original request: make a calculator")
	assert.Contains(t, prompt, "1. no divide")
}

func TestCodeStageFinalize(t *testing.T) {
	stage := NewCodeStage(streamingClient(), templates.MustRenderer(), DefaultOptions())
	previous := proto.FileMap{"App.x": "old"}
	s := &proto.ProjectState{UserMessage: "x", Code: previous, Status: proto.StatusCoding}

	next := state.Apply(*s, stage.Finalize(s, "this is not json"))
	assert.Equal(t, previous, next.Code)

	next = state.Apply(*s, stage.Finalize(s, validCode))
	assert.Equal(t, []string{"App.tsx"}, next.Code.Paths())

	empty := &proto.ProjectState{UserMessage: "make a calculator"}
	next = state.Apply(*empty, stage.Finalize(empty, fmt.Sprintf("%s: timeout", CodeFailurePrefix)))
	assert.ElementsMatch(t, []string{"App.tsx", "index.css", "package.json"}, next.Code.Paths())
}

func TestConversationUsesChatWindow(t *testing.T) {
	client := streamingClient("Hello!")
	stage := NewConversationStage(client, templates.MustRenderer(), DefaultOptions())

	s := &proto.ProjectState{UserMessage: "hi"}
	for i := 1; i <= 7; i++ {
		s.ConversationHistory = append(s.ConversationHistory, proto.HistoryEntry{Role: proto.RoleUser, Content: fmt.Sprintf("message-%d", i)})
	}
	text, err := stage.Run(context.Background(), s, nil)
	require.NoError(t, err)

	prompt := client.StreamCalls()[0].Messages[0].Content
	assert.NotContains(t, prompt, "message-2\n")
	assert.Contains(t, prompt, "message-3")
	assert.Contains(t, prompt, "message-7")
	assert.Equal(t, float32(llm.TemperatureCreative), client.StreamCalls()[0].Temperature)

	next := state.Apply(*s, stage.Finalize(s, text))
	assert.Equal(t, proto.StatusComplete, next.Status)
	assert.True(t, strings.HasSuffix(next.ConversationHistory[len(next.ConversationHistory)-1].Content, "Hello!"))
}

func TestSetFor(t *testing.T) {
	set := NewSet(streamingClient(), templates.MustRenderer(), DefaultOptions())
	for _, stage := range []proto.Stage{proto.StageRequirements, proto.StageArchitecture, proto.StageCode, proto.StageConversation} {
		exec := set.For(stage)
		require.NotNil(t, exec)
		assert.Equal(t, stage, exec.Stage())
	}
	assert.Nil(t, set.For(proto.StageComplete))
}
