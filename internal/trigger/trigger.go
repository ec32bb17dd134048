// Package trigger polls the work-item source on cron schedules and hands
// workflow requests to the driver.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/driver"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five field cron expression or a descriptor like @hourly
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Source lists candidate work items
type Source interface {
	FetchCandidates(ctx context.Context, label string, limit int) ([]domain.WorkItem, error)
}

// Classifier extracts the requested workflow from a work item
type Classifier interface {
	Classify(ctx context.Context, item domain.WorkItem) (domain.WorkflowRequest, error)
}

// Dispatcher runs a batch of work requests
type Dispatcher interface {
	RunMany(ctx context.Context, reqs []driver.WorkRequest) []driver.Outcome
}

// Scheduler manages the scheduled polls
type Scheduler struct {
	triggers   map[string]config.TriggerConfig
	source     Source
	classifier Classifier
	dispatcher Dispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	claimed map[string]bool
	lastRun map[string]time.Time
}

// New creates a Scheduler. Every trigger needs a name and a valid cron
// expression.
func New(triggers []config.TriggerConfig, src Source, cls Classifier, d Dispatcher, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		triggers:   make(map[string]config.TriggerConfig, len(triggers)),
		source:     src,
		classifier: cls,
		dispatcher: d,
		logger:     logger,
		claimed:    make(map[string]bool),
		lastRun:    make(map[string]time.Time),
	}
	for _, t := range triggers {
		if t.Name == "" {
			return nil, fmt.Errorf("trigger name is required")
		}
		if _, err := ParseCron(t.Cron); err != nil {
			return nil, fmt.Errorf("trigger %q: invalid cron expression: %w", t.Name, err)
		}
		if _, dup := s.triggers[t.Name]; dup {
			return nil, fmt.Errorf("duplicate trigger %q", t.Name)
		}
		s.triggers[t.Name] = t
	}
	return s, nil
}

// NextRun returns the next scheduled poll of a trigger after now
func (s *Scheduler) NextRun(name string, now time.Time) time.Time {
	t, ok := s.triggers[name]
	if !ok {
		return time.Time{}
	}
	sched, err := ParseCron(t.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(now)
}

// LastRun returns when a trigger last finished a poll
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun[name]
}

// Poll fetches the candidates of one trigger, classifies them and runs
// those that ask for a workflow. A work item is dispatched at most once
// per Scheduler.
func (s *Scheduler) Poll(ctx context.Context, name string) ([]driver.Outcome, error) {
	t, ok := s.triggers[name]
	if !ok {
		return nil, fmt.Errorf("unknown trigger %q", name)
	}
	log := s.logger.With("trigger", name)
	defer func() {
		s.mu.Lock()
		s.lastRun[name] = time.Now()
		s.mu.Unlock()
	}()

	items, err := s.source.FetchCandidates(ctx, t.Label, 0)
	if err != nil {
		return nil, fmt.Errorf("fetching candidates: %w", err)
	}

	var reqs []driver.WorkRequest
	for _, item := range items {
		if t.MaxRuns > 0 && len(reqs) >= t.MaxRuns {
			break
		}
		if s.isClaimed(item.ID) {
			continue
		}
		wr, err := s.classifier.Classify(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("classification failed", "work_item", item.ID, "error", err)
			continue
		}
		if !wr.HasWorkflow {
			log.Debug("no workflow requested", "work_item", item.ID)
			continue
		}
		req, err := workRequest(item, wr, t.Pipeline)
		if err != nil {
			log.Warn("skipping work item", "work_item", item.ID, "error", err)
			continue
		}
		s.claim(item.ID)
		reqs = append(reqs, req)
	}
	if len(reqs) == 0 {
		log.Info("nothing to run", "candidates", len(items))
		return nil, nil
	}

	log.Info("dispatching runs", "count", len(reqs), "candidates", len(items))
	outcomes := s.dispatcher.RunMany(ctx, reqs)
	log.Info("poll finished", "summary", driver.Summary(outcomes))
	return outcomes, nil
}

func workRequest(item domain.WorkItem, wr domain.WorkflowRequest, fallback string) (driver.WorkRequest, error) {
	name := wr.Pipeline
	if name == "" {
		name = fallback
	}
	phases, err := domain.LookupPipeline(name)
	if err != nil {
		return driver.WorkRequest{}, err
	}
	return driver.WorkRequest{
		RunID:      wr.RunID,
		WorkItem:   item,
		IssueClass: wr.IssueClass,
		Tier:       wr.Tier,
		Phases:     phases,
	}, nil
}

func (s *Scheduler) isClaimed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimed[id]
}

func (s *Scheduler) claim(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed[id] = true
}

// Start runs the polls on their schedules until ctx is done, then waits
// for polls in flight. A poll still running when its next tick fires is
// skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})),
	)
	for name, t := range s.triggers {
		if _, err := c.AddFunc(t.Cron, func() {
			if _, err := s.Poll(ctx, name); err != nil && ctx.Err() == nil {
				s.logger.Error("poll failed", "trigger", name, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("scheduling trigger %q: %w", name, err)
		}
		s.logger.Info("trigger scheduled", "trigger", name, "cron", t.Cron, "next", s.NextRun(name, time.Now()))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes cron's logging to slog
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
