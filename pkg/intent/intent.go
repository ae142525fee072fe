// Package intent classifies a user message into new_project, code_optimization
// or chat, with a deterministic fallback when the model cannot answer.
package intent

import (
	"context"
	"strings"

	"appforge/pkg/agent/llm"
	"appforge/pkg/logx"
	"appforge/pkg/proto"
	"appforge/pkg/templates"
)

// FallbackReason is the Reason reported by Fallback.
const FallbackReason = "classification unavailable, using default"

const classifierMaxTokens = 512

// Result is a classification outcome.
type Result struct {
	Intent   proto.Intent `json:"intent"`
	NeedsFix bool         `json:"needs_fix"`
	Reason   string       `json:"reason"`
}

// Classifier reads the intent of state.UserMessage. Implementations never
// fail; they fall back instead.
type Classifier interface {
	Classify(ctx context.Context, s *proto.ProjectState) Result
}

// Fallback is the deterministic classification used whenever the model's
// answer is missing or unusable.
func Fallback(s *proto.ProjectState) Result {
	if s.HasCode() {
		return Result{Intent: proto.IntentCodeOptimization, NeedsFix: true, Reason: FallbackReason}
	}
	return Result{Intent: proto.IntentNewProject, Reason: FallbackReason}
}

// LLMClassifier asks the completion port for a JSON classification.
type LLMClassifier struct {
	client        llm.LLMClient
	renderer      *templates.Renderer
	logger        *logx.Logger
	historyWindow int
}

// NewLLMClassifier creates a classifier that forwards the last historyWindow
// history entries.
func NewLLMClassifier(client llm.LLMClient, renderer *templates.Renderer, historyWindow int) *LLMClassifier {
	return &LLMClassifier{
		client:        client,
		renderer:      renderer,
		logger:        logx.NewLogger("intent"),
		historyWindow: historyWindow,
	}
}

type classifierResponse struct {
	Intent       string `json:"intent"`
	NeedsCodeFix bool   `json:"needsCodeFix"`
	Reason       string `json:"reason"`
}

func (c *LLMClassifier) Classify(ctx context.Context, s *proto.ProjectState) Result {
	prompt, err := c.renderer.Render(templates.ClassifierTemplate, &templates.TemplateData{
		UserMessage: s.UserMessage,
		HasProject:  s.HasArtifacts(),
		Files:       templates.PathsOf(s.Code),
		History:     s.RecentHistory(c.historyWindow),
	})
	if err != nil {
		c.logger.Warn("classifier prompt failed: %v", err)
		return Fallback(s)
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage(prompt)})
	req.MaxTokens = classifierMaxTokens
	var resp classifierResponse
	if _, err := llm.CompleteJSON(ctx, c.client, req, &resp); err != nil {
		c.logger.Warn("intent classification failed, using fallback: %v", err)
		return Fallback(s)
	}

	in, err := proto.ParseIntent(resp.Intent)
	if err != nil {
		c.logger.Warn("classifier returned %v, using fallback", err)
		return Fallback(s)
	}
	result := Result{Intent: in, NeedsFix: resp.NeedsCodeFix && s.HasCode(), Reason: resp.Reason}
	logx.Debug(ctx, "intent", "intent=%s needsFix=%t reason=%s", result.Intent, result.NeedsFix, result.Reason)
	return result
}

//nolint:gochecknoglobals // fixed keyword list
var modificationKeywords = []string{
	"fix", "repair", "change", "modify", "update", "adjust", "add", "remove", "delete",
	"optimize", "optimise", "improve", "replace",
	"修复", "修改", "改成", "改为", "调整", "更新", "添加", "删除", "优化", "改", "换", "修",
}

// QuickCheckModification reports whether msg reads like a request to change
// existing work.
func QuickCheckModification(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range modificationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// KeywordClassifier classifies with QuickCheckModification alone. It is used
// when no model is configured for the supervisor role.
type KeywordClassifier struct{}

// NewKeywordClassifier creates a KeywordClassifier.
func NewKeywordClassifier() KeywordClassifier {
	return KeywordClassifier{}
}

func (KeywordClassifier) Classify(_ context.Context, s *proto.ProjectState) Result {
	if s.HasCode() && QuickCheckModification(s.UserMessage) {
		return Result{Intent: proto.IntentCodeOptimization, NeedsFix: true, Reason: "modification keywords"}
	}
	if s.HasArtifacts() {
		return Result{Intent: proto.IntentCodeOptimization, Reason: "existing project"}
	}
	return Result{Intent: proto.IntentNewProject, Reason: "no existing project"}
}
