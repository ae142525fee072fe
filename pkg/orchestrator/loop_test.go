package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appforge/internal/mocks"
	"appforge/pkg/agent/llm"
	"appforge/pkg/intent"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
	"appforge/pkg/stages"
	"appforge/pkg/templates"
	"appforge/pkg/verify"
)

const (
	testProject = "p1"
	testUser    = "u1"
	validCode   = `{"files": {"App.tsx": "export default function App() { return <div>Calculator</div>; }"}}`
	repairedApp = `{"files": {"App.tsx": "export default function App() { return <div>Calculator v2</div>; }"}}`
)

type stubClassifier struct {
	mu      sync.Mutex
	results []intent.Result
	calls   int
}

func classifyAs(results ...intent.Result) *stubClassifier {
	return &stubClassifier{results: results}
}

func (c *stubClassifier) Classify(_ context.Context, _ *proto.ProjectState) intent.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	return c.results[i]
}

func (c *stubClassifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type scriptedVerifier struct {
	results  []verify.Result
	requests []verify.Request
}

func (v *scriptedVerifier) Verify(_ context.Context, req verify.Request) verify.Result {
	i := len(v.requests)
	v.requests = append(v.requests, req)
	if i >= len(v.results) {
		i = len(v.results) - 1
	}
	return v.results[i]
}

type recordingSink struct {
	events []proto.Event
}

func (s *recordingSink) Send(e proto.Event) error {
	s.events = append(s.events, e)
	return nil
}

// milestones drops content updates.
func (s *recordingSink) milestones() []string {
	var out []string
	for _, e := range s.events {
		if e.Type == proto.EventContentUpdate {
			continue
		}
		if e.Stage != "" {
			out = append(out, string(e.Type)+":"+string(e.Stage))
		} else {
			out = append(out, string(e.Type))
		}
	}
	return out
}

func (s *recordingSink) terminals() []proto.Event {
	var out []proto.Event
	for _, e := range s.events {
		if e.Type.IsTerminal() {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) count(t proto.EventType, stage proto.Stage) int {
	n := 0
	for _, e := range s.events {
		if e.Type == t && e.Stage == stage {
			n++
		}
	}
	return n
}

func stageSet(client llm.LLMClient) stages.Set {
	return stages.NewSet(client, templates.MustRenderer(), stages.DefaultOptions())
}

func existingProject() proto.Snapshot {
	return proto.Snapshot{
		Requirements: "PRD: a calculator",
		Architecture: "React single page",
		Code:         proto.FileMap{"App.tsx": "export default function App() { return <button>=</button>; }"},
		Status:       proto.StatusComplete,
	}
}

func newProject() intent.Result { return intent.Result{Intent: proto.IntentNewProject} }

func fixCode() intent.Result {
	return intent.Result{Intent: proto.IntentCodeOptimization, NeedsFix: true}
}

func TestRunFullPipeline(t *testing.T) {
	client := mocks.NewScriptedClient("# PRD\nA calculator", "# Architecture\nReact", validCode)
	store := mocks.NewMockStore()
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(newProject()), stageSet(client), store, Options{})

	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "make a calculator"}, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"agent_start:requirements", "agent_complete:requirements",
		"agent_start:architecture", "agent_complete:architecture",
		"agent_start:code", "agent_complete:code",
		"complete",
	}, sink.milestones())

	final := sink.events[len(sink.events)-1]
	require.Len(t, final.Artifacts, 3)
	assert.Equal(t, proto.ArtifactRequirements, final.Artifacts[0].Type)
	assert.Equal(t, proto.ArtifactArchitecture, final.Artifacts[1].Type)
	assert.Equal(t, proto.ArtifactCode, final.Artifacts[2].Type)

	assert.Equal(t, proto.StatusComplete, st.Status)
	assert.Equal(t, "# PRD\nA calculator", st.Requirements)
	assert.Contains(t, st.Code["App.tsx"], "Calculator")

	// One save per iteration.
	assert.Equal(t, 3, store.SaveCount())
	saves := store.Saves()
	assert.Equal(t, proto.StatusDesigning, saves[0].Status)
	assert.Equal(t, proto.StatusComplete, saves[2].Status)

	for _, e := range sink.events {
		assert.Equal(t, testProject, e.ProjectID)
	}
}

func TestContentUpdatesAreCumulative(t *testing.T) {
	client := &mocks.MockLLMClient{
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return mocks.StreamOf("Hel", "lo ", "there"), nil
		},
	}
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(intent.Result{Intent: proto.IntentChat}), stageSet(client), nil, Options{})

	_, err := loop.Run(context.Background(), Request{ProjectID: testProject, Message: "hi"}, sink)
	require.NoError(t, err)

	var updates []string
	for _, e := range sink.events {
		if e.Type == proto.EventContentUpdate {
			updates = append(updates, e.Content)
		}
	}
	assert.Equal(t, []string{"Hel", "Hello ", "Hello there"}, updates)
}

func TestRunFixSkipsToCode(t *testing.T) {
	client := mocks.NewScriptedClient(validCode)
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(fixCode()), stageSet(client), store, Options{})

	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "change the button color to blue"}, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"agent_start:code", "agent_complete:code", "complete"}, sink.milestones())
	assert.True(t, st.IsModification)
	assert.Equal(t, "PRD: a calculator", st.Requirements)

	calls := client.StreamCalls()
	require.Len(t, calls, 1)
	prompt := calls[0].Messages[0].Content
	assert.Contains(t, prompt, "<button>=</button>", "modification prompt carries the current files")
}

func TestRunFixRequestSkipsClassifier(t *testing.T) {
	client := mocks.NewScriptedClient(repairedApp)
	classifier := classifyAs(intent.Result{Intent: proto.IntentChat})
	sink := &recordingSink{}
	loop := NewLoop(classifier, stageSet(client), mocks.NewMockStore(), Options{})

	reported := proto.FileMap{"App.tsx": "export default function App() { return x.y; }"}
	st, err := loop.Run(context.Background(), Request{
		ProjectID: testProject,
		UserID:    testUser,
		Message:   BuildFixMessage(RuntimeError{Type: "TypeError", Message: "x is undefined"}),
		Code:      reported,
		Fix:       true,
	}, sink)
	require.NoError(t, err)

	assert.Equal(t, 0, classifier.Calls())
	assert.Equal(t, []string{"agent_start:code", "agent_complete:code", "complete"}, sink.milestones())
	assert.True(t, st.IsModification)
	assert.Contains(t, st.Code["App.tsx"], "v2")

	calls := client.StreamCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Messages[0].Content, "return x.y;", "reported files replace the stored code")
}

func TestRunFixRequestWithoutCodeClassifiesNormally(t *testing.T) {
	client := mocks.NewScriptedClient("# PRD", "# Architecture", validCode)
	loop := NewLoop(classifyAs(newProject()), stageSet(client), nil, Options{})

	_, err := loop.Run(context.Background(), Request{ProjectID: testProject, Message: "fix it", Fix: true}, &recordingSink{})
	require.NoError(t, err)
	assert.Len(t, client.StreamCalls(), 3)
}

func TestRunRepairCycle(t *testing.T) {
	client := mocks.NewScriptedClient("# PRD", "# Architecture", validCode, repairedApp)
	verifier := &scriptedVerifier{results: []verify.Result{
		{Passed: false, Issues: []string{"The page is blank"}, NeedsImprovement: true},
		{Passed: true},
	}}
	classifier := classifyAs(newProject())
	sink := &recordingSink{}
	loop := NewLoop(classifier, stageSet(client), mocks.NewMockStore(), Options{Verifier: verifier})

	const ask = "make a calculator"
	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, Message: ask}, sink)
	require.NoError(t, err)

	assert.Equal(t, 2, sink.count(proto.EventAgentStart, proto.StageCode))
	assert.Equal(t, 1, sink.count(proto.EventAgentStart, proto.StageRequirements))
	assert.Equal(t, 1, sink.count(proto.EventAgentStart, proto.StageArchitecture))
	require.Len(t, sink.terminals(), 1)
	assert.Equal(t, proto.EventComplete, sink.terminals()[0].Type)

	assert.Equal(t, ask, st.OriginalUserMessage)
	assert.Equal(t, BuildMessage(ask, []string{"The page is blank"}), st.UserMessage)
	assert.Equal(t, 1, st.RepairCount)
	assert.Empty(t, st.Issues)
	assert.Contains(t, st.Code["App.tsx"], "v2")

	require.Len(t, verifier.requests, 2)
	for _, req := range verifier.requests {
		assert.Equal(t, ask, req.Requirement)
	}
	assert.Equal(t, 3, classifier.Calls(), "repair iterations skip classification")

	// The repair stage starts with the verification feedback.
	var repairStart proto.Event
	for _, e := range sink.events {
		if e.Type == proto.EventAgentStart && e.Stage == proto.StageCode {
			repairStart = e
		}
	}
	assert.Contains(t, repairStart.Content, "The page is blank")

	calls := client.StreamCalls()
	require.Len(t, calls, 4)
	assert.Contains(t, calls[3].Messages[0].Content, "The page is blank")
}

func TestPassedWithSuggestionsDoesNotRepair(t *testing.T) {
	client := mocks.NewScriptedClient(validCode)
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	verifier := &scriptedVerifier{results: []verify.Result{
		{Passed: false, Issues: []string{"colors could be nicer"}, NeedsImprovement: false},
	}}
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(fixCode()), stageSet(client), store, Options{Verifier: verifier})

	_, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "fix it"}, sink)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count(proto.EventAgentStart, proto.StageCode))
	assert.Contains(t, sink.terminals()[0].Content, "colors could be nicer")
}

func TestRunUnparsableCodeKeepsPrevious(t *testing.T) {
	client := mocks.NewScriptedClient("I could not produce JSON, sorry")
	store := mocks.NewMockStore()
	prior := proto.Snapshot{Requirements: "r", Architecture: "a", Code: proto.FileMap{"App.x": "old"}}
	store.Seed(testProject, testUser, prior)
	loop := NewLoop(classifyAs(fixCode()), stageSet(client), store, Options{})

	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "fix the bug"}, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, proto.FileMap{"App.x": "old"}, st.Code)

	saves := store.Saves()
	require.NotEmpty(t, saves)
	assert.Equal(t, proto.FileMap{"App.x": "old"}, saves[len(saves)-1].Code)
}

func TestRunCodeStageFailureUsesPlaceholder(t *testing.T) {
	client := mocks.NewScriptedClient("# PRD", "# Architecture", "")
	client.Errors = []error{nil, nil, errors.New("quota exceeded")}
	loop := NewLoop(classifyAs(newProject()), stageSet(client), nil, Options{})

	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, Message: "make a timer"}, &recordingSink{})
	require.NoError(t, err)
	require.Contains(t, st.Code, "App.tsx")
	assert.Contains(t, st.Code["App.tsx"], "make a timer")
	assert.Len(t, st.Code, 3)
}

func TestRunClassifierFailureFallsBack(t *testing.T) {
	classifierDown := errors.New("classifier unavailable")

	t.Run("no prior code starts the pipeline", func(t *testing.T) {
		client := mocks.NewScriptedClient("# PRD", "# Architecture", validCode)
		client.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, classifierDown
		}
		classifier := intent.NewLLMClassifier(client, templates.MustRenderer(), 5)
		sink := &recordingSink{}
		loop := NewLoop(classifier, stageSet(client), nil, Options{})

		st, err := loop.Run(context.Background(), Request{ProjectID: testProject, Message: "make a calculator"}, sink)
		require.NoError(t, err)
		assert.Equal(t, "agent_start:requirements", sink.milestones()[0])
		assert.Equal(t, proto.IntentNewProject, st.Intent)
	})

	t.Run("prior code goes straight to code", func(t *testing.T) {
		client := mocks.NewScriptedClient(validCode)
		client.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, classifierDown
		}
		store := mocks.NewMockStore()
		store.Seed(testProject, testUser, existingProject())
		classifier := intent.NewLLMClassifier(client, templates.MustRenderer(), 5)
		sink := &recordingSink{}
		loop := NewLoop(classifier, stageSet(client), store, Options{})

		st, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "make it better"}, sink)
		require.NoError(t, err)
		assert.Equal(t, []string{"agent_start:code", "agent_complete:code", "complete"}, sink.milestones())
		assert.Equal(t, proto.IntentCodeOptimization, st.Intent)
		assert.True(t, st.NeedsFix)
	})
}

func TestRunTerminatesWithinBudget(t *testing.T) {
	client := mocks.NewScriptedClient(validCode)
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	verifier := &scriptedVerifier{results: []verify.Result{
		{Passed: false, Issues: []string{"still broken"}, NeedsImprovement: true},
	}}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(fixCode()), stageSet(client), store, Options{
		MaxIterations: 4,
		Verifier:      verifier,
		Metrics:       m,
	})

	const ask = "fix the layout"
	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: ask}, sink)
	require.ErrorIs(t, err, ErrIncomplete)

	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, proto.EventIncomplete, terminals[0].Type)
	assert.Equal(t, proto.EventIncomplete, sink.events[len(sink.events)-1].Type)

	assert.Equal(t, 4, sink.count(proto.EventAgentStart, proto.StageCode))
	assert.Zero(t, sink.count(proto.EventAgentStart, proto.StageRequirements))
	assert.Zero(t, sink.count(proto.EventAgentStart, proto.StageArchitecture))
	assert.Equal(t, 4, store.SaveCount())

	assert.Equal(t, ask, st.OriginalUserMessage)
	assert.Equal(t, 1, strings.Count(st.UserMessage, "Repair required"))
	assert.Equal(t, 4, st.RepairCount)

	assert.InDelta(t, 1, testutil.ToFloat64(m.runsTotal.WithLabelValues(OutcomeIncomplete)), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.repairsTotal), 0)
}

func TestRunResumesCompletedProject(t *testing.T) {
	client := mocks.NewScriptedClient("should not be used")
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(newProject()), stageSet(client), store, Options{})

	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "show me the project"}, sink)
	require.NoError(t, err)
	assert.Zero(t, client.StreamCallCount())
	assert.Equal(t, []string{"complete"}, sink.milestones())
	assert.Len(t, sink.events[0].Artifacts, 3)
	assert.Equal(t, proto.StatusComplete, st.Status)
}

func TestRunNewProjectIntentClearsKeywordModification(t *testing.T) {
	client := mocks.NewScriptedClient("should not be used")
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	router := &stubRouter{stage: proto.StageRequirements, ok: true}
	loop := NewLoop(classifyAs(newProject()), stageSet(client), store, Options{Router: router})

	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "add this to my list of finished apps"}, &recordingSink{})
	require.NoError(t, err)
	assert.False(t, st.IsModification)
	assert.Zero(t, router.calls, "a new_project request is not routed as a modification")
	assert.Zero(t, client.StreamCallCount())
	assert.Equal(t, proto.StatusComplete, st.Status)
}

func TestRunChat(t *testing.T) {
	client := mocks.NewScriptedClient("A PRD describes what to build.")
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(intent.Result{Intent: proto.IntentChat}), stageSet(client), store, Options{})

	history := []proto.HistoryEntry{{Role: proto.RoleUser, Content: "hello"}}
	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "what is a PRD?", History: history}, sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"agent_start:conversation", "agent_complete:conversation", "complete"}, sink.milestones())
	final := sink.terminals()[0]
	assert.Equal(t, "A PRD describes what to build.", final.Content)
	assert.Empty(t, final.Artifacts)
	require.Len(t, st.ConversationHistory, 2)
	assert.Equal(t, proto.RoleAssistant, st.ConversationHistory[1].Role)
	assert.Len(t, history, 1, "request history is not modified")
	assert.Equal(t, existingProject().Code, st.Code)
}

func TestRunSaveFailureIsNonFatal(t *testing.T) {
	client := mocks.NewScriptedClient("# PRD", "# Architecture", validCode)
	store := mocks.NewMockStore()
	store.SaveErr = errors.New("disk full")
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(newProject()), stageSet(client), store, Options{})

	st, err := loop.Run(context.Background(), Request{ProjectID: testProject, Message: "make a calculator"}, sink)
	require.NoError(t, err)
	assert.Equal(t, proto.StatusComplete, st.Status)
	assert.Equal(t, proto.EventComplete, sink.terminals()[0].Type)
}

func TestRunLoadFailureIsFatal(t *testing.T) {
	store := mocks.NewMockStore()
	store.LoadErr = errors.New("connection refused")
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(newProject()), stageSet(mocks.NewScriptedClient("x")), store, Options{})

	_, err := loop.Run(context.Background(), Request{ProjectID: testProject, Message: "make a calculator"}, sink)
	require.Error(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, proto.EventError, sink.events[0].Type)
	assert.Contains(t, sink.events[0].Details, "connection refused")
}

func TestRunCancelledMidStreamKeepsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &mocks.MockLLMClient{
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			ch := make(chan llm.StreamChunk, 1)
			ch <- llm.StreamChunk{Content: `{"files": {"App.tsx": "half`}
			go func() { cancel() }()
			return ch, nil
		},
	}
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(fixCode()), stageSet(client), store, Options{})

	st, err := loop.Run(ctx, Request{ProjectID: testProject, UserID: testUser, Message: "fix it"}, sink)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, existingProject().Code, st.Code)
	assert.Zero(t, store.SaveCount())

	terminals := sink.terminals()
	require.Len(t, terminals, 1)
	assert.Equal(t, proto.EventError, terminals[0].Type)
}

func TestRunSinkFailureStopsRun(t *testing.T) {
	client := mocks.NewScriptedClient("# PRD", "# Architecture", validCode)
	broken := errors.New("client went away")
	sent := 0
	sink := SinkFunc(func(proto.Event) error {
		sent++
		return broken
	})
	loop := NewLoop(classifyAs(newProject()), stageSet(client), nil, Options{})

	_, err := loop.Run(context.Background(), Request{ProjectID: testProject, Message: "make a calculator"}, sink)
	require.ErrorIs(t, err, broken)
	assert.Zero(t, client.StreamCallCount())
	assert.Equal(t, 2, sent, "agent_start and the error event")
}

func TestRunRequiresProjectID(t *testing.T) {
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(newProject()), stageSet(mocks.NewScriptedClient("x")), nil, Options{})
	_, err := loop.Run(context.Background(), Request{Message: "hi"}, sink)
	require.Error(t, err)
	require.Len(t, sink.events, 1)
	assert.Equal(t, proto.EventError, sink.events[0].Type)
}

type fakeProvisioner struct {
	created []proto.FileMap
	written map[string]string
	deleted []string
}

func (f *fakeProvisioner) Create(_ context.Context, files proto.FileMap) (sandbox.Handle, error) {
	f.created = append(f.created, files.Clone())
	id := fmt.Sprintf("sb%d", len(f.created))
	return sandbox.Handle{ID: id, URL: "http://preview/" + id + "/"}, nil
}

func (f *fakeProvisioner) WriteFile(_ context.Context, h sandbox.Handle, path, content string) error {
	if f.written == nil {
		f.written = make(map[string]string)
	}
	f.written[h.ID+"/"+path] = content
	return nil
}

func (f *fakeProvisioner) RunCommand(context.Context, sandbox.Handle, string, bool, time.Duration) (string, error) {
	return "", nil
}

func (f *fakeProvisioner) Delete(_ context.Context, h sandbox.Handle) error {
	f.deleted = append(f.deleted, h.ID)
	return nil
}

func TestRunDeploysPreviewForVerification(t *testing.T) {
	client := mocks.NewScriptedClient(validCode, repairedApp)
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	verifier := &scriptedVerifier{results: []verify.Result{
		{Passed: false, Issues: []string{"button missing"}, NeedsImprovement: true},
		{Passed: true},
	}}
	prov := &fakeProvisioner{}
	sink := &recordingSink{}
	loop := NewLoop(classifyAs(fixCode()), stageSet(client), store, Options{Verifier: verifier, Provisioner: prov})

	_, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "fix the button"}, sink)
	require.NoError(t, err)

	require.Len(t, prov.created, 2)
	assert.Equal(t, []string{"sb1"}, prov.deleted, "the first preview is replaced by the repaired one")
	assert.Contains(t, prov.written["sb2/index.html"], "<html")
	require.Len(t, verifier.requests, 2)
	assert.Equal(t, "http://preview/sb1/", verifier.requests[0].PreviewURL)
	assert.Equal(t, "http://preview/sb2/", verifier.requests[1].PreviewURL)
	assert.Contains(t, sink.terminals()[0].Content, "http://preview/sb2/")
}

func TestRunReplacesPreviewOfEarlierRun(t *testing.T) {
	prov := &fakeProvisioner{}
	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	store.Seed(testProject, "u2", existingProject())
	loop := NewLoop(classifyAs(fixCode()), stageSet(mocks.NewScriptedClient(repairedApp)), store,
		Options{Verifier: &scriptedVerifier{results: []verify.Result{{Passed: true}}}, Provisioner: prov})

	run := func(userID string) {
		_, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: userID, Message: "fix the button"}, &recordingSink{})
		require.NoError(t, err)
	}

	run(testUser)
	assert.Empty(t, prov.deleted, "the final preview stays up after the run")
	h, ok := loop.Preview(testProject, testUser)
	require.True(t, ok)
	assert.Equal(t, "sb1", h.ID)

	run("u2")
	assert.Empty(t, prov.deleted, "another user's preview is not touched")

	run(testUser)
	assert.Equal(t, []string{"sb1"}, prov.deleted)
	h, _ = loop.Preview(testProject, testUser)
	assert.Equal(t, "sb3", h.ID)
}

func TestRunKeepsOneSandboxDirPerProject(t *testing.T) {
	base := t.TempDir()
	prov, err := sandbox.NewLocalProvisioner(base, "http://localhost:8080")
	require.NoError(t, err)
	t.Cleanup(func() { _ = prov.Close() })

	store := mocks.NewMockStore()
	store.Seed(testProject, testUser, existingProject())
	loop := NewLoop(classifyAs(fixCode()), stageSet(mocks.NewScriptedClient(repairedApp)), store,
		Options{Verifier: &scriptedVerifier{results: []verify.Result{{Passed: true}}}, Provisioner: prov})

	for i := 0; i < 3; i++ {
		_, err := loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "fix the button"}, &recordingSink{})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	h, ok := loop.Preview(testProject, testUser)
	require.True(t, ok)
	assert.Equal(t, h.ID, entries[0].Name())
}

func TestRunSerializesPerProject(t *testing.T) {
	locks := NewKeyedMutex()
	unlock := locks.Lock(testProject + "/" + testUser)

	loop := NewLoop(classifyAs(intent.Result{Intent: proto.IntentChat}), stageSet(mocks.NewScriptedClient("hi")), nil, Options{Locks: locks})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = loop.Run(context.Background(), Request{ProjectID: testProject, UserID: testUser, Message: "hello"}, &recordingSink{})
	}()

	select {
	case <-done:
		t.Fatal("run did not wait for the project lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the lock was released")
	}
	assert.Zero(t, locks.Len())
}
