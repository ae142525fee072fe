// Package orchestrator drives a project through the generation pipeline:
// classify the request, pick a stage, stream it, apply its result, verify
// generated code and repair it when verification fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"appforge/pkg/intent"
	"appforge/pkg/logx"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
	"appforge/pkg/stages"
	"appforge/pkg/state"
	"appforge/pkg/verify"
)

// DefaultMaxIterations bounds a run when Options.MaxIterations is unset.
const DefaultMaxIterations = 10

// ErrIncomplete is returned by Run when the iteration budget runs out.
var ErrIncomplete = errors.New("iteration budget exhausted before completion")

// Request is one user turn.
type Request struct {
	ProjectID string
	UserID    string
	Message   string
	// History is the prior conversation, oldest first.
	History []proto.HistoryEntry
	// Code replaces the stored files when set, for clients reporting the
	// code they are running.
	Code proto.FileMap
	// Fix skips the first classification and treats the message as a fix
	// request on the current code.
	Fix bool
}

// EventSink receives the events of a run in order. A Send error aborts the
// run.
type EventSink interface {
	Send(e proto.Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(e proto.Event) error

func (f SinkFunc) Send(e proto.Event) error { return f(e) }

// Options configures a Loop. Every field is optional.
type Options struct {
	MaxIterations int
	// Verifier checks generated code. Nil completes right after the code stage.
	Verifier verify.Checker
	// Router lets a model route modification requests.
	Router Router
	// Provisioner deploys generated code so the verifier gets a preview URL.
	Provisioner sandbox.Provisioner
	Deploy      sandbox.DeployOptions
	// Locks serializes runs per project and user.
	Locks   *KeyedMutex
	Metrics *Metrics
}

// Loop runs requests against one classifier, one set of stages and one
// store. It is safe for concurrent use.
type Loop struct {
	classifier intent.Classifier
	stages     stages.Set
	store      state.Store
	supervisor *Supervisor
	opts       Options
	logger     *logx.Logger

	// previews holds the live sandbox of each project/user key. A deploy
	// replaces it, so at most one preview per key outlives its run.
	previewMu sync.Mutex
	previews  map[string]sandbox.Handle
}

// NewLoop creates a Loop. store may be nil, in which case nothing is loaded
// or persisted.
func NewLoop(classifier intent.Classifier, set stages.Set, store state.Store, opts Options) *Loop {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Deploy.IndexHTML == nil {
		opts.Deploy.IndexHTML = verify.PreviewHTML
	}
	return &Loop{
		classifier: classifier,
		stages:     set,
		store:      store,
		supervisor: NewSupervisor(opts.Router),
		opts:       opts,
		logger:     logx.NewLogger("orchestrator"),
		previews:   make(map[string]sandbox.Handle),
	}
}

// MaxIterations returns the configured iteration budget.
func (l *Loop) MaxIterations() int {
	return l.opts.MaxIterations
}

// Run processes req and reports progress to sink. It sends exactly one
// terminal event (complete, incomplete or error) and returns the final
// state. Errors are ErrIncomplete, a load failure, a sink failure or the
// context error.
func (l *Loop) Run(ctx context.Context, req Request, sink EventSink) (*proto.ProjectState, error) {
	if l.opts.Locks != nil {
		unlock := l.opts.Locks.Lock(runKey(req.ProjectID, req.UserID))
		defer unlock()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{loop: l, sink: sink, cancel: cancel, projectID: req.ProjectID, key: runKey(req.ProjectID, req.UserID), fix: req.Fix}

	if req.ProjectID == "" {
		err := errors.New("project id is required")
		r.fail("invalid request", err)
		l.opts.Metrics.observeRun(OutcomeError, 0)
		return nil, err
	}

	st, err := l.initialize(ctx, req)
	if err != nil {
		r.fail("failed to load project state", err)
		l.opts.Metrics.observeRun(OutcomeError, 0)
		return nil, err
	}
	r.state = st
	l.logger.Info("run started for project %s (status=%s, hasCode=%t)", req.ProjectID, st.Status, st.HasCode())

	for r.iteration = 1; r.iteration <= l.opts.MaxIterations; r.iteration++ {
		done, err := r.step(ctx)
		if err != nil {
			cause := context.Cause(ctx)
			if cause == nil {
				cause = err
			}
			r.fail("generation interrupted", cause)
			l.opts.Metrics.observeRun(OutcomeError, r.iteration)
			return &r.state, cause
		}
		l.persist(ctx, &r.state)
		if done {
			l.logger.Info("project %s complete after %d iteration(s)", req.ProjectID, r.iteration)
			l.opts.Metrics.observeRun(OutcomeComplete, r.iteration)
			return &r.state, nil
		}
	}

	l.logger.Warn("project %s stopped after %d iterations without completing", req.ProjectID, l.opts.MaxIterations)
	reason := fmt.Sprintf("stopped after %d iterations without completing", l.opts.MaxIterations)
	_ = r.terminal(proto.NewIncomplete(summary(&r.state, ""), reason))
	l.opts.Metrics.observeRun(OutcomeIncomplete, l.opts.MaxIterations)
	return &r.state, ErrIncomplete
}

// initialize builds the starting state from the request and the persisted
// snapshot.
func (l *Loop) initialize(ctx context.Context, req Request) (proto.ProjectState, error) {
	st := proto.ProjectState{
		ProjectID:           req.ProjectID,
		UserID:              req.UserID,
		UserMessage:         req.Message,
		OriginalUserMessage: req.Message,
		Status:              proto.StatusPlanning,
		ConversationHistory: append([]proto.HistoryEntry(nil), req.History...),
	}
	if l.store != nil {
		snap, err := l.store.Load(ctx, req.ProjectID, req.UserID)
		switch {
		case err == nil:
			st.Restore(snap)
			if st.Status == "" {
				st.Status = proto.StatusPlanning
			}
		case errors.Is(err, state.ErrNotFound):
		default:
			return proto.ProjectState{}, fmt.Errorf("load state for project %s: %w", req.ProjectID, err)
		}
	}
	if len(req.Code) > 0 {
		st.Code = req.Code.Clone()
	}
	if req.Fix && st.HasCode() {
		st.IsModification = true
		st.Status = proto.StatusCoding
	}
	if st.HasArtifacts() && intent.QuickCheckModification(req.Message) {
		st.IsModification = true
		if st.HasCode() {
			st.Status = proto.StatusCoding
		}
	}
	return st, nil
}

func (l *Loop) persist(ctx context.Context, s *proto.ProjectState) {
	if l.store == nil {
		return
	}
	if err := l.store.Save(ctx, s.ProjectID, s.UserID, s.Snapshot()); err != nil {
		l.opts.Metrics.incSaveFailures()
		l.logger.Warn("failed to persist state for project %s, continuing in memory: %v", s.ProjectID, err)
	}
}

// run is the mutable state of one Run call.
type run struct {
	loop      *Loop
	sink      EventSink
	cancel    context.CancelCauseFunc
	projectID string
	key       string

	state     proto.ProjectState
	iteration int
	ran       []proto.Stage
	feedback  string
	// previewURL is the sandbox deployed by this run.
	previewURL string
	finished   bool
	fix        bool
}

// step runs one iteration and reports whether the run is complete.
func (r *run) step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l := r.loop

	var c intent.Result
	switch {
	case InRepairCycle(&r.state):
	case r.fix:
		r.fix = false
		c = intent.Result{Intent: proto.IntentCodeOptimization, NeedsFix: true}
		r.state = state.Apply(r.state, state.Classified{Intent: c.Intent, NeedsFix: c.NeedsFix})
	default:
		c = l.classifier.Classify(ctx, &r.state)
		r.state = state.Apply(r.state, state.Classified{Intent: c.Intent, NeedsFix: c.NeedsFix})
	}
	d := l.supervisor.Next(ctx, &r.state, c, r.ran)
	logx.Debug(ctx, "orchestrator", "iteration %d: intent=%s stage=%s (%s)", r.iteration, c.Intent, d.Stage, d.Reason)
	r.state = state.Apply(r.state, state.Routed{Stage: d.Stage, Status: d.Status, IsModification: d.IsModification})

	if d.Stage == proto.StageComplete {
		return true, r.complete("")
	}

	exec := l.stages.For(d.Stage)
	if exec == nil {
		return false, fmt.Errorf("no executor for stage %s", d.Stage)
	}
	if err := r.emit(proto.NewAgentStart(d.Stage, r.startMessage(d.Stage))); err != nil {
		return false, err
	}

	started := time.Now()
	text, err := exec.Run(ctx, &r.state, func(cumulative string) {
		_ = r.emit(proto.NewContentUpdate(d.Stage, cumulative))
	})
	l.opts.Metrics.observeStage(d.Stage, time.Since(started))
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.state = state.Apply(r.state, exec.Finalize(&r.state, text))
	r.ran = append(r.ran, d.Stage)
	r.feedback = ""

	switch d.Stage {
	case proto.StageRequirements:
		return false, r.emit(proto.NewAgentComplete(d.Stage, text,
			proto.Artifact{Type: proto.ArtifactRequirements, Content: r.state.Requirements}))
	case proto.StageArchitecture:
		return false, r.emit(proto.NewAgentComplete(d.Stage, text,
			proto.Artifact{Type: proto.ArtifactArchitecture, Content: r.state.Architecture}))
	case proto.StageConversation:
		if err := r.emit(proto.NewAgentComplete(d.Stage, text)); err != nil {
			return false, err
		}
		return true, r.terminal(proto.NewComplete(text, nil))
	case proto.StageCode:
		msg := fmt.Sprintf("Generated %d file(s).", len(r.state.Code))
		if err := r.emit(proto.NewAgentComplete(d.Stage, msg,
			proto.Artifact{Type: proto.ArtifactCode, Content: r.state.Code.Clone()})); err != nil {
			return false, err
		}
		return r.verify(ctx)
	case proto.StageComplete:
	}
	return false, nil
}

// verify checks fresh code and either completes the run or starts a repair
// cycle.
func (r *run) verify(ctx context.Context) (bool, error) {
	l := r.loop
	if l.opts.Verifier == nil || !r.state.HasCode() {
		return true, r.complete("")
	}

	result := l.opts.Verifier.Verify(ctx, verify.Request{
		Code:         r.state.Code,
		Requirement:  r.state.OriginalUserMessage,
		Requirements: r.state.Requirements,
		Architecture: r.state.Architecture,
		PreviewURL:   r.deploy(ctx),
	})
	if err := ctx.Err(); err != nil {
		return false, err
	}

	feedback := verify.Feedback(result)
	if !result.NeedsRepair() {
		return true, r.complete(feedback)
	}

	l.logger.Info("verification of project %s found %d issue(s), starting repair", r.projectID, len(result.Issues))
	l.opts.Metrics.incRepairs()
	r.state = state.Apply(r.state, state.VerificationFailed{
		Issues:        result.Issues,
		RepairMessage: BuildMessage(r.state.OriginalUserMessage, result.Issues),
	})
	r.feedback = feedback
	return false, nil
}

// deploy provisions a sandbox for the current code and returns its preview
// URL, or "" without a provisioner. The previous sandbox of the same project
// and user, from this run or an earlier one, is deleted first.
func (r *run) deploy(ctx context.Context) string {
	l := r.loop
	if l.opts.Provisioner == nil {
		return ""
	}
	l.releasePreview(ctx, r.key)
	h, err := sandbox.Deploy(ctx, l.opts.Provisioner, r.state.Code, l.opts.Deploy)
	if err != nil {
		l.logger.Warn("sandbox deploy failed for project %s, verifying code only: %v", r.projectID, err)
		r.previewURL = ""
		return ""
	}
	l.previewMu.Lock()
	stale, ok := l.previews[r.key]
	l.previews[r.key] = h
	l.previewMu.Unlock()
	if ok {
		l.deleteSandbox(ctx, stale)
	}
	r.previewURL = h.URL
	return h.URL
}

// releasePreview deletes the live sandbox of key, if any.
func (l *Loop) releasePreview(ctx context.Context, key string) {
	l.previewMu.Lock()
	h, ok := l.previews[key]
	delete(l.previews, key)
	l.previewMu.Unlock()
	if ok {
		l.deleteSandbox(ctx, h)
	}
}

func (l *Loop) deleteSandbox(ctx context.Context, h sandbox.Handle) {
	if err := l.opts.Provisioner.Delete(context.WithoutCancel(ctx), h); err != nil {
		l.logger.Warn("failed to delete sandbox %s: %v", h.ID, err)
	}
}

// Preview returns the live sandbox of a project and user.
func (l *Loop) Preview(projectID, userID string) (sandbox.Handle, bool) {
	l.previewMu.Lock()
	defer l.previewMu.Unlock()
	h, ok := l.previews[runKey(projectID, userID)]
	return h, ok
}

func runKey(projectID, userID string) string {
	return projectID + "/" + userID
}

func (r *run) startMessage(stage proto.Stage) string {
	switch stage {
	case proto.StageRequirements:
		return "Analyzing the request and writing the product requirements..."
	case proto.StageArchitecture:
		return "Designing the technical architecture..."
	case proto.StageCode:
		if r.feedback != "" {
			return r.feedback
		}
		if stages.Modifying(&r.state) {
			return "Updating the existing code..."
		}
		return "Writing the code..."
	case proto.StageConversation:
		return "Thinking about your question..."
	case proto.StageComplete:
	}
	return ""
}

func (r *run) complete(feedback string) error {
	r.state = state.Apply(r.state, state.Completed{})
	content := summary(&r.state, r.previewURL)
	if feedback != "" {
		content += "\n\n" + feedback
	}
	return r.terminal(proto.NewComplete(content, proto.ArtifactsOf(&r.state)))
}

// summary describes the artifacts of s for terminal events.
func summary(s *proto.ProjectState, previewURL string) string {
	var b strings.Builder
	if s.Status == proto.StatusComplete {
		b.WriteString("Project complete.\n")
	} else {
		b.WriteString("Project not finished.\n")
	}
	mark := func(label string, ok bool) {
		word := "missing"
		if ok {
			word = "ready"
		}
		fmt.Fprintf(&b, "\n- %s: %s", label, word)
	}
	mark("Requirements", s.Requirements != "")
	mark("Architecture", s.Architecture != "")
	if s.HasCode() {
		fmt.Fprintf(&b, "\n- Code: %d file(s)", len(s.Code))
	} else {
		mark("Code", false)
	}
	if previewURL != "" {
		fmt.Fprintf(&b, "\n\nPreview: %s", previewURL)
	}
	return b.String()
}

// emit stamps and sends e. A sink failure cancels the run.
func (r *run) emit(e proto.Event) error {
	e.ProjectID = r.projectID
	e.Iteration = r.iteration
	if err := r.sink.Send(e); err != nil {
		err = fmt.Errorf("send %s event: %w", e.Type, err)
		r.cancel(err)
		return err
	}
	return nil
}

// terminal sends the single terminal event of the run.
func (r *run) terminal(e proto.Event) error {
	if r.finished {
		return nil
	}
	r.finished = true
	return r.emit(e)
}

func (r *run) fail(message string, err error) {
	r.loop.logger.Error("%s for project %s: %v", message, r.projectID, err)
	_ = r.terminal(proto.NewError(message, err.Error()))
}
