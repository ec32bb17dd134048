package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/console"
	"github.com/hochfrequenz/adw-orchestrator/internal/doctor"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/driver"
	"github.com/hochfrequenz/adw-orchestrator/internal/executor"
	"github.com/hochfrequenz/adw-orchestrator/internal/knowledge"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/metrics"
	"github.com/hochfrequenz/adw-orchestrator/internal/notify"
	"github.com/hochfrequenz/adw-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/adw-orchestrator/internal/prompts"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
	"github.com/hochfrequenz/adw-orchestrator/internal/tier"
	"github.com/hochfrequenz/adw-orchestrator/internal/workitem"
	"github.com/hochfrequenz/adw-orchestrator/internal/workspace"
)

// app holds the wired components shared by the commands
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	console    *console.Console
	metrics    *metrics.Metrics
	store      *state.Store
	kb         *knowledge.Store
	doctor     *doctor.Doctor
	workspaces *workspace.Manager
	prompts    *prompts.Loader
	selector   *tier.Selector
	executor   executor.Executor
	fetcher    *workitem.Fetcher
	notifier   notify.Notifier
	orch       *pipeline.Orchestrator

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadWithLocalFallback(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	return cfg, nil
}

// newApp loads the configuration and wires every component. Console output
// goes to stderr so that stdout stays machine readable.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, closeLog := logging.New(logging.Config{
		Level:     cfg.General.LogLevel,
		Format:    cfg.General.LogFormat,
		Component: "adw",
	})
	a := &app{
		cfg:     cfg,
		logger:  logger,
		console: console.New(os.Stderr),
		metrics: metrics.New(),
		closers: []func() error{closeLog},
	}

	kb, err := knowledge.Open(cfg.Knowledge.Database)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening knowledge base: %w", err)
	}
	a.closers = append(a.closers, kb.Close)
	a.kb = kb

	a.store = state.New(cfg.General.AgentsDir)
	a.doctor = doctor.New(kb, cfg.Knowledge.Dir, logger.With("component", "doctor"))
	a.doctor.SetObserver(func(d *domain.Diagnosis) {
		logger.Debug("diagnosis recorded", "pattern_id", d.PatternID, "confidence", d.Confidence, "new", d.NewPattern)
	})

	pool := workspace.Pool{Size: cfg.Ports.PoolSize, BackendBase: cfg.Ports.BackendBase, FrontendBase: cfg.Ports.FrontendBase}
	a.workspaces = workspace.NewManager(cfg.General.ProjectRoot, cfg.General.TreesDir, pool, logger.With("component", "workspace"))
	a.workspaces.SetObserver(func(inUse int) { a.metrics.SetPoolUsage(inUse, pool.Size) })

	a.prompts = prompts.DefaultLoader(cfg.General.ProjectRoot)
	a.selector = tier.NewSelector(cfg.Models, cfg.Agent.DefaultModel)
	a.executor = executor.NewRetrying(
		executor.NewClaudeExecutor(cfg.Agent.ClaudePath, cfg.General.AgentsDir, logger.With("component", "executor")),
		cfg.RetryDelays(),
		logger,
	)
	a.fetcher = workitem.NewFetcher(cfg.GitHub.Repo)
	a.notifier = buildNotifier(cfg, a.fetcher)

	a.orch = pipeline.New(pipeline.Deps{
		Store:      a.store,
		Workspaces: a.workspaces,
		Selector:   a.selector,
		Prompts:    a.prompts,
		Executor:   a.executor,
		Doctor:     a.doctor,
		Notifier:   a.notifier,
		Metrics:    a.metrics,
		Logger:     logger.With("component", "pipeline"),
	}, pipeline.Options{
		PrimaryDir:      cfg.General.ProjectRoot,
		PhaseTimeout:    cfg.Agent.PhaseTimeout.Duration,
		MaxRetries:      cfg.Agent.MaxRetries,
		AnalyzePatterns: cfg.Knowledge.AnalyzePatterns,
	})
	return a, nil
}

// buildNotifier combines the notifiers enabled in cfg
func buildNotifier(cfg *config.Config, commenter notify.Commenter) notify.Notifier {
	var ns []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		ns = append(ns, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.IssueComments && commenter != nil {
		ns = append(ns, notify.NewIssueNotifier(commenter))
	}
	if cfg.Notifications.Desktop {
		ns = append(ns, notify.NewDesktopNotifier(true, notify.NotifySuccess))
	}
	if len(ns) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(ns...)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
	}
}

// driver returns a concurrency driver over the isolated workspaces
func (a *app) driver() *driver.Driver {
	return driver.New(a.store, a.workspaces, a.orch, a.notifier, a.metrics, a.logger.With("component", "driver"))
}

// classifier returns a work item classifier backed by the agent
func (a *app) classifier() *workitem.Classifier {
	return workitem.NewClassifier(a.prompts, a.executor, a.selector, a.cfg.General.ProjectRoot, a.logger)
}

// printEvents shows pipeline progress on the console
func (a *app) printEvents() {
	a.orch.SetEventSink(consoleSink(a.console))
}
