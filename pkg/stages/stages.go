// Package stages implements the four pipeline stages: requirements,
// architecture, code and conversation.
//
// Every stage streams its output and then turns the full text into a
// state.Event. Completion failures never escape a stage; they become inline
// placeholder text. Only context cancellation is returned as an error so the
// caller can discard partial output.
package stages

import (
	"context"
	"errors"
	"fmt"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/middleware/metrics"
	"appforge/pkg/contextmgr"
	"appforge/pkg/logx"
	"appforge/pkg/proto"
	"appforge/pkg/state"
	"appforge/pkg/templates"
)

// Emit receives the cumulative text of a stage after every fragment.
type Emit func(cumulative string)

// Executor is one pipeline stage.
type Executor interface {
	Stage() proto.Stage
	// Run streams the stage output. The returned text is final unless err is
	// non-nil, in which case the caller must not apply it.
	Run(ctx context.Context, s *proto.ProjectState, emit Emit) (string, error)
	// Finalize turns the full text into a state change.
	Finalize(s *proto.ProjectState, text string) state.Event
}

// Options configures every executor.
type Options struct {
	// HistoryWindow is the number of trailing history entries forwarded to
	// the generation stages.
	HistoryWindow int
	// ChatHistoryWindow is the same for the conversation stage.
	ChatHistoryWindow int
	// MaxHistoryTokens bounds the forwarded history; zero disables the bound.
	MaxHistoryTokens int
	MaxTokens        int
}

// DefaultOptions matches the configuration defaults.
func DefaultOptions() Options {
	return Options{HistoryWindow: 3, ChatHistoryWindow: 5, MaxTokens: llm.DefaultMaxTokens}
}

type base struct {
	client   llm.LLMClient
	renderer *templates.Renderer
	logger   *logx.Logger
	opts     Options
	stage    proto.Stage
}

func newBase(stage proto.Stage, client llm.LLMClient, renderer *templates.Renderer, opts Options) base {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = llm.DefaultMaxTokens
	}
	return base{
		client:   client,
		renderer: renderer,
		logger:   logx.NewLogger("stage-" + string(stage)),
		opts:     opts,
		stage:    stage,
	}
}

func (b *base) Stage() proto.Stage { return b.stage }

func (b *base) history(s *proto.ProjectState) []proto.HistoryEntry {
	n := b.opts.HistoryWindow
	if b.stage == proto.StageConversation {
		n = b.opts.ChatHistoryWindow
	}
	return contextmgr.Window(s.ConversationHistory, n, b.opts.MaxHistoryTokens)
}

// stream renders the prompt and streams the completion. A non-cancellation
// failure is returned as failed=true with the cause; ctx errors are returned
// as err.
func (b *base) stream(ctx context.Context, s *proto.ProjectState, tmpl templates.PromptTemplate,
	data *templates.TemplateData, temperature float32, format llm.ResponseFormat, emit Emit,
) (text string, cause error, err error) {
	prompt, rerr := b.renderer.Render(tmpl, data)
	if rerr != nil {
		return "", rerr, nil
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage(prompt)})
	req.Temperature = temperature
	req.MaxTokens = b.opts.MaxTokens
	req.ResponseFormat = format

	ctx = metrics.WithLabels(ctx, s.ProjectID, string(b.stage))
	ch, serr := b.client.Stream(ctx, req)
	if serr != nil {
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("%s stage cancelled: %w", b.stage, ctx.Err())
		}
		return "", serr, nil
	}

	full, cerr := llm.CollectStream(ctx, ch, func(cumulative string) {
		if emit != nil {
			emit(cumulative)
		}
	})
	if cerr != nil {
		if ctx.Err() != nil || errors.Is(cerr, context.Canceled) || errors.Is(cerr, context.DeadlineExceeded) {
			return "", nil, fmt.Errorf("%s stage cancelled: %w", b.stage, cerr)
		}
		return full, cerr, nil
	}
	return full, nil, nil
}

// failure reports a stage failure inline and returns the placeholder text.
func (b *base) failure(prefix string, cause error, emit Emit) string {
	b.logger.Error("%s: %v", prefix, cause)
	text := fmt.Sprintf("%s: %v", prefix, cause)
	if emit != nil {
		emit(text)
	}
	return text
}

// Set bundles the executors the loop dispatches to.
type Set struct {
	Requirements Executor
	Architecture Executor
	Code         Executor
	Conversation Executor
}

// NewSet creates all four executors over one client.
func NewSet(client llm.LLMClient, renderer *templates.Renderer, opts Options) Set {
	return Set{
		Requirements: NewRequirementsStage(client, renderer, opts),
		Architecture: NewArchitectureStage(client, renderer, opts),
		Code:         NewCodeStage(client, renderer, opts),
		Conversation: NewConversationStage(client, renderer, opts),
	}
}

// For returns the executor for stage, or nil for complete.
func (s Set) For(stage proto.Stage) Executor {
	switch stage {
	case proto.StageRequirements:
		return s.Requirements
	case proto.StageArchitecture:
		return s.Architecture
	case proto.StageCode:
		return s.Code
	case proto.StageConversation:
		return s.Conversation
	case proto.StageComplete:
		return nil
	}
	return nil
}
