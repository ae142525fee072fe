// Package kernel assembles appforge from its configuration: LLM clients with
// their middleware, the state and message stores, the orchestration loop,
// event sinks and the web server. Both the CLI and the server build on it.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"appforge/pkg/agent"
	agentmetrics "appforge/pkg/agent/middleware/metrics"
	"appforge/pkg/config"
	"appforge/pkg/eventlog"
	"appforge/pkg/intent"
	"appforge/pkg/logx"
	"appforge/pkg/metrics"
	"appforge/pkg/orchestrator"
	"appforge/pkg/persistence"
	"appforge/pkg/proto"
	"appforge/pkg/sandbox"
	"appforge/pkg/stages"
	"appforge/pkg/state"
	"appforge/pkg/templates"
	"appforge/pkg/verify"
	"appforge/pkg/webui"
)

// Options carries settings that do not live in the config file.
type Options struct {
	// RawClient overrides provider construction.
	RawClient agent.RawClientFunc
	// PreviewBaseURL prefixes sandbox preview URLs, e.g. http://localhost:8080.
	PreviewBaseURL string
	// WebPassword enables basic auth on the web server.
	WebPassword string
	// SecretsDir and SecretsPassword let the web server persist secrets.
	SecretsDir      string
	SecretsPassword string
}

// Kernel owns every long-lived component. Optional components are nil when
// the configuration disables them.
type Kernel struct {
	Config config.Config
	Logger *logx.Logger

	Registry    *prometheus.Registry
	LLMFactory  *agent.LLMClientFactory
	Renderer    *templates.Renderer
	Database    *persistence.DB
	States      state.Store
	Projects    *persistence.ProjectStore
	Messages    *persistence.MessageStore
	Provisioner *sandbox.LocalProvisioner
	Usage       *metrics.QueryService
	Events      eventlog.Multi
	Loop        *orchestrator.Loop
	WebServer   *webui.Server

	closers []func() error
}

// NewKernel builds every component described by cfg. On error, whatever was
// already opened is closed.
func NewKernel(ctx context.Context, cfg config.Config, opts Options) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	k := &Kernel{Config: cfg, Logger: logx.NewLogger("kernel")}
	if err := k.initializeServices(ctx, opts); err != nil {
		_ = k.Close()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices(ctx context.Context, opts Options) error {
	var recorder agentmetrics.Recorder
	var loopMetrics *orchestrator.Metrics
	if k.Config.Metrics.Enabled {
		k.Registry = prometheus.NewRegistry()
		k.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder = agentmetrics.NewPrometheusRecorder(k.Registry)
		loopMetrics = orchestrator.NewMetrics(k.Registry)
	}
	if url := k.Config.Metrics.PrometheusURL; url != "" {
		usage, err := metrics.NewQueryService(url)
		if err != nil {
			return fmt.Errorf("failed to create usage query service: %w", err)
		}
		k.Usage = usage
	}

	k.LLMFactory = agent.NewLLMClientFactory(k.Config, recorder)
	if opts.RawClient != nil {
		k.LLMFactory.WithRawClientFunc(opts.RawClient)
	}

	var err error
	if k.Renderer, err = templates.NewRenderer(); err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}

	if err := k.initializeStore(ctx); err != nil {
		return err
	}
	if err := k.initializeEvents(); err != nil {
		return err
	}
	if k.Config.Sandbox.Enabled {
		if k.Provisioner, err = sandbox.NewLocalProvisioner(k.Config.Sandbox.WorkDir, opts.PreviewBaseURL); err != nil {
			return err
		}
		k.closers = append(k.closers, k.Provisioner.Close)
	}
	if err := k.initializeLoop(loopMetrics); err != nil {
		return err
	}

	webOpts := webui.Options{
		Runner:          k.Loop,
		States:          k.States,
		Usage:           usageQuerier(k.Usage),
		AllowOrigin:     k.Config.WebUI.AllowOrigin,
		Password:        opts.WebPassword,
		HistoryWindow:   k.Config.Orchestrator.HistoryWindow,
		SecretsDir:      opts.SecretsDir,
		SecretsPassword: opts.SecretsPassword,
	}
	if k.Projects != nil {
		webOpts.Projects = k.Projects
		webOpts.Messages = k.Messages
	}
	if len(k.Events) > 0 {
		webOpts.Events = k.Events
	}
	if k.Registry != nil {
		webOpts.Gatherer = k.Registry
	}
	if k.Provisioner != nil {
		webOpts.PreviewDir = k.Provisioner.BaseDir()
	}
	k.WebServer = webui.NewServer(webOpts)

	k.Logger.Info("Kernel services initialized (persistence=%s, metrics=%t, sandbox=%t)",
		k.Config.Persistence.Backend, k.Registry != nil, k.Provisioner != nil)
	return nil
}

// usageQuerier keeps a nil *QueryService from becoming a non-nil interface.
func usageQuerier(q *metrics.QueryService) webui.UsageQuerier {
	if q == nil {
		return nil
	}
	return q
}

// initializeStore opens the configured state backend. Projects and messages
// are only available with SQLite.
func (k *Kernel) initializeStore(ctx context.Context) error {
	p := k.Config.Persistence
	switch p.Backend {
	case config.PersistenceSQLite:
		if dir := filepath.Dir(p.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		db, err := persistence.Open(ctx, p.Path)
		if err != nil {
			return err
		}
		k.Database = db
		k.closers = append(k.closers, db.Close)
		k.States = persistence.NewStateStore(db)
		k.Projects = persistence.NewProjectStore(db)
		k.Messages = persistence.NewMessageStore(db)
	case config.PersistenceFile:
		store, err := state.NewFileStore(p.Path)
		if err != nil {
			return err
		}
		k.States = store
	case config.PersistenceMemory:
		k.States = state.NewMemoryStore()
	default:
		return fmt.Errorf("unknown persistence backend %q", p.Backend)
	}
	return nil
}

// initializeEvents opens the JSONL log and NATS sinks. An unreachable NATS
// server is logged and skipped.
func (k *Kernel) initializeEvents() error {
	ev := k.Config.Events
	if ev.LogDir != "" {
		w, err := eventlog.NewWriter(ev.LogDir)
		if err != nil {
			return fmt.Errorf("failed to create event log: %w", err)
		}
		k.Events = append(k.Events, w)
		k.closers = append(k.closers, w.Close)
	}
	if ev.NATSURL != "" {
		pub, err := eventlog.NewPublisher(ev.NATSURL, ev.Subject)
		if err != nil {
			k.Logger.Warn("NATS event publishing disabled: %v", err)
			return nil
		}
		k.Events = append(k.Events, pub)
		k.closers = append(k.closers, func() error { pub.Close(); return nil })
	}
	return nil
}

func (k *Kernel) initializeLoop(loopMetrics *orchestrator.Metrics) error {
	supervisorClient, err := k.LLMFactory.CreateClient(agent.RoleSupervisor)
	if err != nil {
		return fmt.Errorf("failed to create supervisor client: %w", err)
	}
	stageClient, err := k.LLMFactory.CreateClient(agent.RoleStage)
	if err != nil {
		return fmt.Errorf("failed to create stage client: %w", err)
	}

	oc := k.Config.Orchestrator
	stageOpts := stages.Options{
		HistoryWindow:     oc.StageHistoryWindow,
		ChatHistoryWindow: oc.HistoryWindow,
		MaxHistoryTokens:  oc.MaxHistoryTokens,
		MaxTokens:         k.Config.Models.MaxTokens,
	}
	loopOpts := orchestrator.Options{
		MaxIterations: oc.MaxIterations,
		Router:        orchestrator.NewLLMRouter(supervisorClient, k.Renderer, oc.HistoryWindow),
		Metrics:       loopMetrics,
	}
	if oc.Verify {
		verifierClient, err := k.LLMFactory.CreateClient(agent.RoleVerifier)
		if err != nil {
			return fmt.Errorf("failed to create verifier client: %w", err)
		}
		loopOpts.Verifier = verify.NewVerifier(verify.NewLLMAnalyzer(verifierClient, k.Renderer))
	}
	if oc.SerializeProjects {
		loopOpts.Locks = orchestrator.NewKeyedMutex()
	}
	if k.Provisioner != nil {
		loopOpts.Provisioner = k.Provisioner
		loopOpts.Deploy = sandbox.DeployOptions{
			InstallCommand: k.Config.Sandbox.InstallCommand,
			InstallTimeout: k.Config.Sandbox.CommandTimeout,
		}
	}

	k.Loop = orchestrator.NewLoop(
		intent.NewLLMClassifier(supervisorClient, k.Renderer, oc.HistoryWindow),
		stages.NewSet(stageClient, k.Renderer, stageOpts),
		k.States,
		loopOpts,
	)
	return nil
}

// Run executes one turn, delivering events to sink and, best effort, to the
// configured event sinks.
func (k *Kernel) Run(ctx context.Context, req orchestrator.Request, sink orchestrator.EventSink) (*proto.ProjectState, error) {
	if len(k.Events) == 0 {
		return k.Loop.Run(ctx, req, sink)
	}
	return k.Loop.Run(ctx, req, eventlog.Multi{sink, eventlog.NewBestEffort(k.Events)})
}

// StartWebUI starts the web server on the configured address.
func (k *Kernel) StartWebUI(ctx context.Context) (string, error) {
	addr, err := k.WebServer.StartServer(ctx, k.Config.WebUI.Addr)
	if err != nil {
		return "", fmt.Errorf("failed to start web server: %w", err)
	}
	return addr, nil
}

// Close releases every resource in reverse order of acquisition.
func (k *Kernel) Close() error {
	var errs []error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	k.closers = nil
	return errors.Join(errs...)
}
