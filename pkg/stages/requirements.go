package stages

import (
	"context"

	"appforge/pkg/agent/llm"
	"appforge/pkg/proto"
	"appforge/pkg/state"
	"appforge/pkg/templates"
)

// RequirementsFailurePrefix starts the placeholder PRD written on failure.
const RequirementsFailurePrefix = "PRD generation failed"

// RequirementsStage writes the PRD.
type RequirementsStage struct {
	base
}

// NewRequirementsStage creates a RequirementsStage.
func NewRequirementsStage(client llm.LLMClient, renderer *templates.Renderer, opts Options) *RequirementsStage {
	return &RequirementsStage{base: newBase(proto.StageRequirements, client, renderer, opts)}
}

func (r *RequirementsStage) Run(ctx context.Context, s *proto.ProjectState, emit Emit) (string, error) {
	text, cause, err := r.stream(ctx, s, templates.RequirementsTemplate, &templates.TemplateData{
		UserMessage:    s.UserMessage,
		Requirements:   s.Requirements,
		IsModification: s.IsModification,
		History:        r.history(s),
	}, llm.TemperatureDefault, llm.FormatText, emit)
	if err != nil {
		return "", err
	}
	if cause != nil {
		return r.failure(RequirementsFailurePrefix, cause, emit), nil
	}
	return text, nil
}

func (r *RequirementsStage) Finalize(_ *proto.ProjectState, text string) state.Event {
	return state.RequirementsDone{Text: text}
}
