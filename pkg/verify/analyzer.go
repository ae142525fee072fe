package verify

import (
	"context"
	"fmt"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/middleware/metrics"
	"appforge/pkg/templates"
)

const analyzerMaxTokens = 4096

// LLMAnalyzer reviews code through the completion port.
type LLMAnalyzer struct {
	client   llm.LLMClient
	renderer *templates.Renderer
}

// NewLLMAnalyzer creates an LLMAnalyzer.
func NewLLMAnalyzer(client llm.LLMClient, renderer *templates.Renderer) *LLMAnalyzer {
	return &LLMAnalyzer{client: client, renderer: renderer}
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, req Request) (Analysis, error) {
	prompt, err := a.renderer.Render(templates.VerifierTemplate, &templates.TemplateData{
		OriginalRequest: req.Requirement,
		Requirements:    req.Requirements,
		Architecture:    req.Architecture,
		Files:           templates.FilesOf(req.Code),
	})
	if err != nil {
		return Analysis{}, err
	}

	creq := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage(prompt)})
	creq.MaxTokens = analyzerMaxTokens
	var out struct {
		Issues           []string `json:"issues"`
		Suggestions      []string `json:"suggestions"`
		NeedsImprovement bool     `json:"needsImprovement"`
	}
	if _, err := llm.CompleteJSON(metrics.WithStage(ctx, "verify"), a.client, creq, &out); err != nil {
		return Analysis{}, fmt.Errorf("code analysis: %w", err)
	}
	return Analysis{Issues: out.Issues, Suggestions: out.Suggestions, NeedsImprovement: out.NeedsImprovement}, nil
}
