package stages

import (
	"context"

	"appforge/pkg/agent/llm"
	"appforge/pkg/proto"
	"appforge/pkg/state"
	"appforge/pkg/templates"
)

// ConversationFailurePrefix starts the reply written when chat fails.
const ConversationFailurePrefix = "Sorry, I could not answer right now"

// ConversationStage answers free-form chat. It is always terminal.
type ConversationStage struct {
	base
}

// NewConversationStage creates a ConversationStage.
func NewConversationStage(client llm.LLMClient, renderer *templates.Renderer, opts Options) *ConversationStage {
	return &ConversationStage{base: newBase(proto.StageConversation, client, renderer, opts)}
}

func (c *ConversationStage) Run(ctx context.Context, s *proto.ProjectState, emit Emit) (string, error) {
	text, cause, err := c.stream(ctx, s, templates.ConversationTemplate, &templates.TemplateData{
		UserMessage: s.UserMessage,
		HasProject:  s.HasArtifacts(),
		Files:       templates.FilesOf(s.Code),
		History:     c.history(s),
	}, llm.TemperatureCreative, llm.FormatText, emit)
	if err != nil {
		return "", err
	}
	if cause != nil {
		return c.failure(ConversationFailurePrefix, cause, emit), nil
	}
	return text, nil
}

func (c *ConversationStage) Finalize(_ *proto.ProjectState, text string) state.Event {
	return state.ConversationDone{Text: text}
}
