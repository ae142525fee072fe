package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/pkg/agent/llm"
)

func TestEnsureAlternationMergesUserTurns(t *testing.T) {
	system, msgs, err := ensureAlternation([]llm.CompletionMessage{
		llm.NewSystemMessage("sys"),
		llm.NewUserMessage("a"),
		llm.NewUserMessage("b"),
		llm.NewAssistantMessage("c"),
		llm.NewUserMessage("d"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sys", system)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a\n\nb", msgs[0].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
}

func TestEnsureAlternationLeadingAssistant(t *testing.T) {
	_, msgs, err := ensureAlternation([]llm.CompletionMessage{
		llm.NewAssistantMessage("hello"),
		llm.NewUserMessage("hi"),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
}

func TestEnsureAlternationErrors(t *testing.T) {
	_, _, err := ensureAlternation([]llm.CompletionMessage{llm.NewSystemMessage("only")})
	assert.Error(t, err)
	_, _, err = ensureAlternation([]llm.CompletionMessage{llm.NewUserMessage("q"), llm.NewAssistantMessage("a")})
	assert.Error(t, err)
}

func TestParamsJSONMode(t *testing.T) {
	c := NewClaudeClientWithModel("k", "claude-sonnet-4-5").(*ClaudeClient)
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("q")})
	req.ResponseFormat = llm.FormatJSON
	p, err := c.params(req)
	require.NoError(t, err)
	require.Len(t, p.System, 1)
	assert.Contains(t, p.System[0].Text, "JSON")
}
