// Package driver runs many workflow runs side by side, each in its own workspace.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/metrics"
	"github.com/hochfrequenz/adw-orchestrator/internal/notify"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
	"github.com/hochfrequenz/adw-orchestrator/internal/workspace"
)

// Status is the outcome class of one run
type Status string

const (
	StatusShipped         Status = "shipped"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusProvisionFailed Status = "provision_failed"
)

// WorkRequest asks for one run over a work item
type WorkRequest struct {
	// RunID is generated when empty; an existing run is resumed
	RunID      string
	WorkItem   domain.WorkItem
	IssueClass string
	Tier       domain.Tier
	// Phases to run; defaults to the full pipeline
	Phases []domain.Phase
}

// Outcome is the result of one run
type Outcome struct {
	RunID    string
	WorkItem string
	Status   Status
	Run      *domain.Run
	Err      error
	Duration time.Duration
}

// Store persists run records
type Store interface {
	Create(runID string) (*domain.Run, error)
	Load(runID string) (*domain.Run, error)
	Update(runID string, patch map[string]any) (*domain.Run, error)
}

// Workspaces provisions and reclaims isolated workspaces
type Workspaces interface {
	Provision(ctx context.Context, runID, branch string) (*workspace.Allocation, error)
	Restore(ctx context.Context, run *domain.Run) (*workspace.Allocation, error)
	Reclaim(ctx context.Context, runID string) error
	Detach(runID string) bool
	MarkForReclaim(runID string) error
	Pool() workspace.Pool
}

// Runner executes the phases of a run
type Runner interface {
	RunPhases(ctx context.Context, runID string, phases []domain.Phase) (*domain.Run, error)
}

// Driver fans runs out over the resource pool
type Driver struct {
	store      Store
	workspaces Workspaces
	runner     Runner
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Driver. notifier, m and logger may be nil.
func New(store Store, ws Workspaces, runner Runner, notifier notify.Notifier, m *metrics.Metrics, logger *slog.Logger) *Driver {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{store: store, workspaces: ws, runner: runner, notifier: notifier, metrics: m, logger: logger}
}

// RunMany runs every request concurrently, at most pool size at a time.
// Runs are independent: a failing run never cancels another. Outcomes are
// returned in request order.
func (d *Driver) RunMany(ctx context.Context, reqs []WorkRequest) []Outcome {
	outcomes := make([]Outcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(max(d.workspaces.Pool().Size, 1))
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = d.Run(ctx, req)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

// Run provisions a workspace for one request and runs its phases there.
// A shipped run's workspace is reclaimed, a failed one is kept for
// inspection and a cancelled one is marked for a later sweep. Kept
// workspaces give their pool slot back as soon as the run stops.
func (d *Driver) Run(ctx context.Context, req WorkRequest) Outcome {
	start := time.Now()
	id := req.RunID
	if id == "" {
		id = domain.NewRunID()
	}
	out := Outcome{RunID: id, WorkItem: req.WorkItem.ID}
	log := d.logger.With("run_id", id, "work_item", req.WorkItem.ID)

	finish := func(status Status, run *domain.Run, err error) Outcome {
		out.Status, out.Run, out.Err = status, run, err
		out.Duration = time.Since(start)
		if d.metrics != nil {
			d.metrics.RecordRun(string(status))
		}
		log.Info("run finished", "status", status, "duration", out.Duration.Round(time.Second), "error", err)
		return out
	}

	run, err := d.prepare(id, req)
	if err != nil {
		return finish(StatusProvisionFailed, nil, err)
	}

	alloc, err := d.acquire(ctx, run, log)
	if err != nil {
		if ctx.Err() != nil {
			return finish(StatusCancelled, run, ctx.Err())
		}
		failed, uerr := d.store.Update(id, map[string]any{
			"state":        string(domain.StateFailed),
			"failure_text": err.Error(),
		})
		if uerr == nil {
			run = failed
		}
		d.send(run, notify.NotifyError, "Provisioning failed", err.Error())
		return finish(StatusProvisionFailed, run, err)
	}

	run, err = d.store.Update(id, map[string]any{
		"worktree_path": alloc.Path,
		"ports":         alloc.Ports,
	})
	if err != nil {
		d.reclaim(ctx, id, log)
		return finish(StatusProvisionFailed, nil, fmt.Errorf("recording workspace: %w", err))
	}
	log.Info("workspace provisioned", "path", alloc.Path, "backend_port", alloc.Ports.Backend, "frontend_port", alloc.Ports.Frontend)

	phases := req.Phases
	if len(phases) == 0 {
		phases = domain.Pipeline
	}
	final, err := d.runner.RunPhases(ctx, id, phases)
	if final != nil {
		run = final
	}

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		if merr := d.workspaces.MarkForReclaim(id); merr != nil {
			log.Warn("marking workspace", "error", merr)
		}
		d.workspaces.Detach(id)
		return finish(StatusCancelled, run, err)
	case err != nil:
		log.Warn("workspace kept for inspection", "path", alloc.Path)
		d.workspaces.Detach(id)
		return finish(StatusFailed, run, err)
	case run.State == domain.StateShipped:
		d.reclaim(ctx, id, log)
		if cleared, uerr := d.store.Update(id, map[string]any{"worktree_path": nil, "ports": nil}); uerr == nil {
			run = cleared
		}
		d.send(run, notify.NotifySuccess, "Run shipped", fmt.Sprintf("Run %s shipped", id))
		return finish(StatusShipped, run, nil)
	}
	d.workspaces.Detach(id)
	return finish(StatusSucceeded, run, nil)
}

// acquire takes the recorded workspace of a resumed run back, or provisions
// a new one
func (d *Driver) acquire(ctx context.Context, run *domain.Run, log *slog.Logger) (*workspace.Allocation, error) {
	if run.Isolated() {
		alloc, err := d.workspaces.Restore(ctx, run)
		if err == nil {
			log.Info("workspace restored", "path", alloc.Path)
			return alloc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Debug("workspace not restored, provisioning", "error", err)
	}
	return d.workspaces.Provision(ctx, run.RunID, run.BranchName)
}

// prepare creates the run record, or loads it when the ID is already taken
func (d *Driver) prepare(id string, req WorkRequest) (*domain.Run, error) {
	run, err := d.store.Create(id)
	if errors.Is(err, state.ErrRunExists) {
		return d.store.Load(id)
	}
	if err != nil {
		return nil, err
	}

	patch := map[string]any{
		"branch_name":     workspace.BranchName(req.IssueClass, req.WorkItem.ID, id, req.WorkItem.Title),
		"complexity_tier": string(req.Tier),
	}
	if req.Tier == "" {
		patch["complexity_tier"] = string(domain.TierStandard)
	}
	if req.WorkItem.ID != "" {
		patch["work_item"] = req.WorkItem.ID
	}
	if req.WorkItem.Title != "" {
		patch["work_item_title"] = req.WorkItem.Title
	}
	if req.WorkItem.Body != "" {
		patch["work_item_body"] = req.WorkItem.Body
	}
	if req.IssueClass != "" {
		patch["issue_class"] = req.IssueClass
	}
	if run, err = d.store.Update(id, patch); err != nil {
		return nil, err
	}
	return run, nil
}

func (d *Driver) reclaim(ctx context.Context, id string, log *slog.Logger) {
	// reclaim even when the caller is shutting down
	if err := d.workspaces.Reclaim(context.WithoutCancel(ctx), id); err != nil {
		log.Warn("reclaiming workspace", "error", err)
	}
}

func (d *Driver) send(run *domain.Run, typ notify.NotificationType, title, msg string) {
	if run == nil {
		return
	}
	n := notify.Notification{Title: title, Message: msg, Type: typ, RunID: run.RunID, WorkItem: run.WorkItem}
	if url, ok := run.Extra["pr_url"].(string); ok {
		n.PRURL = url
	}
	if err := d.notifier.Send(n); err != nil {
		d.logger.Warn("notification failed", "run_id", run.RunID, "error", err)
	}
}

// Summary counts outcomes by status
func Summary(outcomes []Outcome) map[Status]int {
	m := make(map[Status]int)
	for _, o := range outcomes {
		m[o.Status]++
	}
	return m
}
