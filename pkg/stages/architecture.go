package stages

import (
	"context"

	"appforge/pkg/agent/llm"
	"appforge/pkg/proto"
	"appforge/pkg/state"
	"appforge/pkg/templates"
)

// ArchitectureFailurePrefix starts the placeholder architecture written on failure.
const ArchitectureFailurePrefix = "Architecture generation failed"

// ArchitectureStage writes the technical architecture from the PRD.
type ArchitectureStage struct {
	base
}

// NewArchitectureStage creates an ArchitectureStage.
func NewArchitectureStage(client llm.LLMClient, renderer *templates.Renderer, opts Options) *ArchitectureStage {
	return &ArchitectureStage{base: newBase(proto.StageArchitecture, client, renderer, opts)}
}

func (a *ArchitectureStage) Run(ctx context.Context, s *proto.ProjectState, emit Emit) (string, error) {
	text, cause, err := a.stream(ctx, s, templates.ArchitectureTemplate, &templates.TemplateData{
		UserMessage:    s.UserMessage,
		Requirements:   s.Requirements,
		Architecture:   s.Architecture,
		IsModification: s.IsModification,
		History:        a.history(s),
	}, llm.TemperatureDefault, llm.FormatText, emit)
	if err != nil {
		return "", err
	}
	if cause != nil {
		return a.failure(ArchitectureFailurePrefix, cause, emit), nil
	}
	return text, nil
}

func (a *ArchitectureStage) Finalize(_ *proto.ProjectState, text string) state.Event {
	return state.ArchitectureDone{Text: text}
}
