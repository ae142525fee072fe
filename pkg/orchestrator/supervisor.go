package orchestrator

import (
	"context"

	"appforge/pkg/agent/llm"
	"appforge/pkg/agent/middleware/metrics"
	"appforge/pkg/intent"
	"appforge/pkg/logx"
	"appforge/pkg/proto"
	"appforge/pkg/templates"
)

// Decision is the supervisor's routing outcome for one iteration.
type Decision struct {
	Stage          proto.Stage
	Status         proto.Status
	IsModification bool
	Reason         string
}

// InRepairCycle reports whether s is waiting for a repaired code stage.
func InRepairCycle(s *proto.ProjectState) bool {
	return len(s.Issues) > 0 && s.Status == proto.StatusCoding
}

// Decide is the deterministic routing policy:
//  1. chat goes to the conversation stage
//  2. a repair cycle, or a fix request on existing code, goes straight to code
//  3. otherwise the first missing artifact in requirements, architecture,
//     code order; complete when all three exist
func Decide(s *proto.ProjectState, c intent.Result) Decision {
	if InRepairCycle(s) {
		return routeTo(proto.StageCode, true, "repair cycle")
	}
	if c.Intent == proto.IntentChat {
		return routeTo(proto.StageConversation, s.IsModification, "chat")
	}
	if c.NeedsFix && s.HasCode() {
		return routeTo(proto.StageCode, true, "fix existing code")
	}
	switch {
	case s.Requirements == "":
		return routeTo(proto.StageRequirements, s.IsModification, "requirements missing")
	case s.Architecture == "":
		return routeTo(proto.StageArchitecture, s.IsModification, "architecture missing")
	case !s.HasCode():
		return routeTo(proto.StageCode, s.IsModification, "code missing")
	default:
		return routeTo(proto.StageComplete, s.IsModification, "all artifacts present")
	}
}

// StatusFor maps a stage to the status the project enters when it runs.
func StatusFor(stage proto.Stage) proto.Status {
	switch stage {
	case proto.StageRequirements:
		return proto.StatusPlanning
	case proto.StageArchitecture:
		return proto.StatusDesigning
	case proto.StageCode:
		return proto.StatusCoding
	case proto.StageConversation:
		return proto.StatusChatting
	case proto.StageComplete:
		return proto.StatusComplete
	}
	return proto.StatusPlanning
}

func routeTo(stage proto.Stage, modification bool, reason string) Decision {
	return Decision{Stage: stage, Status: StatusFor(stage), IsModification: modification, Reason: reason}
}

// Router may override the pipeline order for a modification request.
// Returning ok=false abstains.
type Router interface {
	Route(ctx context.Context, s *proto.ProjectState) (stage proto.Stage, ok bool)
}

// Supervisor wraps Decide with an optional Router.
type Supervisor struct {
	router Router
	logger *logx.Logger
}

// NewSupervisor creates a Supervisor. router may be nil.
func NewSupervisor(router Router) *Supervisor {
	return &Supervisor{router: router, logger: logx.NewLogger("supervisor")}
}

// Next decides the stage for this iteration. ran lists the stages already
// executed in the current run, in order.
//
// The router is consulted once per run, before any stage ran, and only for
// modifications the deterministic policy would not send to code or
// conversation anyway. A modification that regenerated requirements or
// architecture continues through the following stages down to code.
func (s *Supervisor) Next(ctx context.Context, st *proto.ProjectState, c intent.Result, ran []proto.Stage) Decision {
	d := Decide(st, c)
	if d.Stage == proto.StageCode || d.Stage == proto.StageConversation || !st.IsModification {
		return d
	}

	if len(ran) > 0 {
		switch ran[len(ran)-1] {
		case proto.StageRequirements:
			return routeTo(proto.StageArchitecture, true, "continue modification")
		case proto.StageArchitecture:
			return routeTo(proto.StageCode, true, "continue modification")
		case proto.StageCode, proto.StageConversation, proto.StageComplete:
		}
		return d
	}

	if s.router == nil {
		return d
	}
	stage, ok := s.router.Route(ctx, st)
	if !ok {
		return d
	}
	switch stage {
	case proto.StageRequirements, proto.StageArchitecture, proto.StageCode:
		s.logger.Info("router sent modification to %s", stage)
		return routeTo(stage, true, "router")
	case proto.StageConversation, proto.StageComplete:
	}
	return d
}

// LLMRouter asks the completion port which stage a modification needs.
type LLMRouter struct {
	client        llm.LLMClient
	renderer      *templates.Renderer
	logger        *logx.Logger
	historyWindow int
}

// NewLLMRouter creates an LLMRouter.
func NewLLMRouter(client llm.LLMClient, renderer *templates.Renderer, historyWindow int) *LLMRouter {
	return &LLMRouter{
		client:        client,
		renderer:      renderer,
		logger:        logx.NewLogger("router"),
		historyWindow: historyWindow,
	}
}

type routerResponse struct {
	NextStage string `json:"nextStage"`
	Reason    string `json:"reason"`
}

func (r *LLMRouter) Route(ctx context.Context, s *proto.ProjectState) (proto.Stage, bool) {
	prompt, err := r.renderer.Render(templates.RouterTemplate, &templates.TemplateData{
		UserMessage:    s.UserMessage,
		Requirements:   s.Requirements,
		Architecture:   s.Architecture,
		Status:         s.Status,
		IsModification: s.IsModification,
		Files:          templates.PathsOf(s.Code),
		History:        s.RecentHistory(r.historyWindow),
	})
	if err != nil {
		r.logger.Warn("router prompt failed: %v", err)
		return "", false
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage(prompt)})
	req.MaxTokens = 256
	var resp routerResponse
	if _, err := llm.CompleteJSON(metrics.WithStage(ctx, "router"), r.client, req, &resp); err != nil {
		r.logger.Warn("routing failed, using default order: %v", err)
		return "", false
	}
	if resp.NextStage == "" {
		return "", false
	}
	stage, err := proto.ParseStage(resp.NextStage)
	if err != nil {
		r.logger.Warn("router returned %v", err)
		return "", false
	}
	logx.Debug(ctx, "router", "nextStage=%s reason=%s", stage, resp.Reason)
	return stage, true
}
