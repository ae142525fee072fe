package stages

import (
	"context"

	"appforge/pkg/agent/llm"
	"appforge/pkg/filemap"
	"appforge/pkg/proto"
	"appforge/pkg/state"
	"appforge/pkg/templates"
)

// CodeFailurePrefix starts the text reported when code generation fails.
const CodeFailurePrefix = "Code generation failed"

// CodeStage generates or rewrites the complete file map.
type CodeStage struct {
	base
}

// NewCodeStage creates a CodeStage.
func NewCodeStage(client llm.LLMClient, renderer *templates.Renderer, opts Options) *CodeStage {
	return &CodeStage{base: newBase(proto.StageCode, client, renderer, opts)}
}

// Modifying reports whether the modification prompt applies to s.
func Modifying(s *proto.ProjectState) bool {
	return s.IsModification && s.HasCode()
}

func (c *CodeStage) Run(ctx context.Context, s *proto.ProjectState, emit Emit) (string, error) {
	original := s.OriginalUserMessage
	if original == "" {
		original = s.UserMessage
	}
	data := &templates.TemplateData{
		UserMessage:     s.UserMessage,
		OriginalRequest: original,
		RepairIssues:    s.Issues,
		Requirements:    s.Requirements,
		Architecture:    s.Architecture,
		IsModification:  s.IsModification,
		History:         c.history(s),
	}
	tmpl := templates.CodeTemplate
	if Modifying(s) {
		tmpl = templates.CodeModifyTemplate
		data.Files = templates.FilesOf(s.Code)
	}

	text, cause, err := c.stream(ctx, s, tmpl, data, llm.TemperatureDeterministic, llm.FormatJSON, emit)
	if err != nil {
		return "", err
	}
	if cause != nil {
		return c.failure(CodeFailurePrefix, cause, emit), nil
	}
	return text, nil
}

// Finalize parses text into a complete file map, falling back to the previous
// code or the placeholder set.
func (c *CodeStage) Finalize(s *proto.ProjectState, text string) state.Event {
	original := s.OriginalUserMessage
	if original == "" {
		original = s.UserMessage
	}
	res := filemap.Parse(text, s.Code, original)
	if res.Source != filemap.SourceParsed {
		c.logger.Warn("code output rejected (%v), using %s files", res.Err, res.Source)
	} else {
		c.logger.Info("parsed %d files", len(res.Files))
	}
	return state.CodeDone{Files: res.Files}
}
