// Package pipeline runs the phases of a workflow run against its workspace.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/doctor"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/executor"
	"github.com/hochfrequenz/adw-orchestrator/internal/logging"
	"github.com/hochfrequenz/adw-orchestrator/internal/metrics"
	"github.com/hochfrequenz/adw-orchestrator/internal/notify"
	"github.com/hochfrequenz/adw-orchestrator/internal/prompts"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
	"github.com/hochfrequenz/adw-orchestrator/internal/tier"
)

// maxFailureText bounds the failure output kept on a run record
const maxFailureText = 8000

// Store persists run records
type Store interface {
	Create(runID string) (*domain.Run, error)
	Load(runID string) (*domain.Run, error)
	Update(runID string, patch map[string]any) (*domain.Run, error)
	AppendChainMember(runID, otherID string) (*domain.Run, error)
	Import(snapshot *domain.Run) (*domain.Run, error)
}

// Validator checks that an isolated run's workspace still exists
type Validator interface {
	Validate(ctx context.Context, run *domain.Run) error
}

// Renderer produces the prompt of a phase
type Renderer interface {
	RenderPhase(phase domain.Phase, data prompts.PhaseData) (*prompts.Rendered, error)
}

// Diagnoser records phase failures and applies documented fixes
type Diagnoser interface {
	Diagnose(ctx context.Context, f doctor.Failure) (*domain.Diagnosis, error)
	ApplyFix(ctx context.Context, diag *domain.Diagnosis, run *domain.Run, primary string) (*doctor.FixResult, error)
	Refine(ctx context.Context, patternID string, a doctor.Analysis) (bool, error)
}

// Deps are the collaborators of an Orchestrator.
// Workspaces, Notifier, Metrics and Logger may be nil.
type Deps struct {
	Store      Store
	Workspaces Validator
	Selector   *tier.Selector
	Prompts    Renderer
	Executor   executor.Executor
	Doctor     Diagnoser
	Notifier   notify.Notifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Options tunes an Orchestrator
type Options struct {
	// PrimaryDir is the working directory of non-isolated runs
	PrimaryDir string
	// PhaseTimeout bounds one execution of a phase; zero disables it
	PhaseTimeout time.Duration
	// MaxRetries bounds automatic re-attempts after an applied fix
	MaxRetries int
	// AnalyzePatterns runs the doctor agent on every failure that
	// documented a new pattern
	AnalyzePatterns bool
}

// EventType names a pipeline event
type EventType string

const (
	EventPhaseStarted   EventType = "phase_started"
	EventPhaseSucceeded EventType = "phase_succeeded"
	EventFixApplied     EventType = "fix_applied"
	EventRunFailed      EventType = "run_failed"
)

// Event is published for every pipeline transition
type Event struct {
	Type      EventType    `json:"type"`
	RunID     string       `json:"run_id"`
	Phase     domain.Phase `json:"phase"`
	Attempt   int          `json:"attempt,omitempty"`
	PatternID string       `json:"pattern_id,omitempty"`
	Message   string       `json:"message,omitempty"`
	Time      time.Time    `json:"time"`
}

// Orchestrator drives runs through the phase state machine. It holds no
// per-run state: every phase starts from the persisted record.
type Orchestrator struct {
	store      Store
	workspaces Validator
	selector   *tier.Selector
	prompts    Renderer
	exec       executor.Executor
	doctor     Diagnoser
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	opts       Options

	events func(Event)
}

// New creates an Orchestrator
func New(deps Deps, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:      deps.Store,
		workspaces: deps.Workspaces,
		selector:   deps.Selector,
		prompts:    deps.Prompts,
		exec:       deps.Executor,
		doctor:     deps.Doctor,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		opts:       opts,
	}
	if o.notifier == nil {
		o.notifier = notify.NoopNotifier{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.selector == nil {
		o.selector = tier.NewSelector(nil, "sonnet")
	}
	if o.opts.MaxRetries < 0 {
		o.opts.MaxRetries = 0
	}
	return o
}

// SetEventSink registers a receiver for pipeline events
func (o *Orchestrator) SetEventSink(fn func(Event)) {
	o.events = fn
}

// Store returns the run store
func (o *Orchestrator) Store() Store {
	return o.store
}

// RunPhase executes one phase of a run. Failures are diagnosed; a high
// confidence match with a documented fix is applied and the phase is
// attempted again, up to MaxRetries times. Any other failure marks the run
// failed and returns a *PhaseError. Cancellation returns ctx.Err() and
// leaves the record as it was.
func (o *Orchestrator) RunPhase(ctx context.Context, runID string, phase domain.Phase) (*domain.Run, error) {
	if phase == domain.PhaseDoctor {
		return o.Analyze(ctx, runID)
	}
	run, err := o.store.Load(runID)
	if err != nil {
		return nil, err
	}
	log := logging.WithPhase(logging.WithRun(o.logger, runID), string(phase))

	remediation := ""
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return run, err
		}
		if o.workspaces != nil && run.Isolated() {
			if err := o.workspaces.Validate(ctx, run); err != nil {
				if ctx.Err() != nil {
					return run, ctx.Err()
				}
				log.Error("workspace unusable", "error", err)
				failed, _ := o.fail(run, phase, domain.Failed(err.Error(), domain.NoRetry), nil, attempt, log)
				return failed, fmt.Errorf("run %s: %w", runID, err)
			}
		}

		res, err := o.execute(ctx, run, phase, attempt, remediation, log)
		if err != nil {
			return run, err
		}
		if res.Success {
			return o.succeed(run, phase, res, attempt, log)
		}

		diag := o.diagnose(ctx, run, phase, res, log)
		if ctx.Err() != nil {
			return run, ctx.Err()
		}
		if attempt <= o.opts.MaxRetries && res.RetryCode != domain.NoRetry && diag.AutoFixable() {
			fix, err := o.doctor.ApplyFix(ctx, diag, run, o.opts.PrimaryDir)
			if err == nil {
				log.Info("fix applied, retrying phase", "pattern_id", diag.PatternID, "path", fix.Path, "attempt", attempt)
				if o.metrics != nil {
					o.metrics.RecordAutoFix(phase)
				}
				o.emit(Event{Type: EventFixApplied, RunID: runID, Phase: phase, Attempt: attempt, PatternID: diag.PatternID})
				remediation = remediationText(diag, fix)
				continue
			}
			if ctx.Err() != nil {
				return run, ctx.Err()
			}
			log.Warn("fix not applied", "pattern_id", diag.PatternID, "error", err)
		}
		failed, perr := o.fail(run, phase, res, diag, attempt, log)
		if diag != nil && diag.NewPattern && o.opts.AnalyzePatterns {
			if _, err := o.Analyze(ctx, runID); err != nil && ctx.Err() == nil {
				logging.WithError(log, err).Warn("pattern analysis failed", "pattern_id", diag.PatternID)
			}
		}
		return failed, perr
	}
}

// Analyze runs the doctor agent on the recorded failure of a failed run and
// stores the root cause and fix it reports on the failure's pattern. The run
// record is left as it was.
func (o *Orchestrator) Analyze(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := o.store.Load(runID)
	if err != nil {
		return nil, err
	}
	patternID := extraString(run, "pattern_id")
	if run.State != domain.StateFailed || patternID == "" {
		return run, fmt.Errorf("run %s has no diagnosed failure", runID)
	}
	if o.doctor == nil {
		return run, errors.New("no failure doctor configured")
	}
	log := logging.WithPhase(logging.WithRun(o.logger, runID), string(domain.PhaseDoctor))

	res, err := o.execute(ctx, run, domain.PhaseDoctor, 1, "", log)
	if err != nil {
		return run, err
	}
	if !res.Success {
		return run, fmt.Errorf("doctor agent failed: %s", firstLine(res.FailureText))
	}
	analysis, ok := doctor.ParseAnalysis(res.Output)
	if !ok {
		return run, errors.New("doctor agent reported no root cause")
	}
	changed, err := o.doctor.Refine(ctx, patternID, analysis)
	if err != nil {
		return run, err
	}
	log.Info("pattern analyzed", "pattern_id", patternID, "refined", changed)
	return run, nil
}

// execute renders the prompt and runs one attempt of phase
func (o *Orchestrator) execute(ctx context.Context, run *domain.Run, phase domain.Phase, attempt int, remediation string, log *slog.Logger) (*domain.PhaseResult, error) {
	workDir := state.WorkingDirectory(run, o.opts.PrimaryDir)
	data := prompts.DataFromRun(run, phase, workDir)
	data.Attempt = attempt
	data.Remediation = remediation
	switch phase {
	case domain.PhaseResolve:
		data.ParentRunID = extraString(run, "parent_run_id")
		data.FailedPhase = extraString(run, "resolve_phase")
		data.FailureText = extraString(run, "failure_text")
	case domain.PhaseDoctor:
		data.FailedPhase = string(run.FailedPhase)
		data.FailureText = extraString(run, "failure_text")
		data.PatternID = extraString(run, "pattern_id")
	}
	rendered, err := o.prompts.RenderPhase(phase, data)
	if err != nil {
		return nil, fmt.Errorf("rendering %s prompt: %w", phase, err)
	}

	req := executor.Request{
		RunID:     run.RunID,
		Phase:     phase,
		AgentName: rendered.Agent,
		Command:   rendered.Command,
		Model:     o.selector.Select(phase, run),
		WorkDir:   workDir,
		Prompt:    rendered.Prompt,
		Timeout:   o.opts.PhaseTimeout,
		Attempt:   attempt,
	}

	log.Info("phase started", "attempt", attempt, "agent", req.AgentName, "model", req.Model)
	o.emit(Event{Type: EventPhaseStarted, RunID: run.RunID, Phase: phase, Attempt: attempt})
	if attempt == 1 {
		o.notify(notify.Notification{
			Message:  fmt.Sprintf("Starting %s with %s", phase, req.Model),
			Type:     notify.NotifyInfo,
			RunID:    run.RunID,
			Phase:    string(phase),
			Agent:    req.AgentName,
			WorkItem: run.WorkItem,
		})
	}

	phaseCtx := ctx
	if o.opts.PhaseTimeout > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, o.opts.PhaseTimeout+timeoutGrace(o.opts.PhaseTimeout))
		defer cancel()
	}

	start := time.Now()
	res, err := o.exec.Execute(phaseCtx, req)
	elapsed := time.Since(start)

	switch {
	case ctx.Err() != nil:
		log.Info("phase cancelled", "elapsed", elapsed)
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		res = domain.Failed(fmt.Sprintf("%s phase timed out after %s", phase, o.opts.PhaseTimeout), domain.RetryTimeout)
	case err != nil:
		res = domain.Failed(err.Error(), domain.RetryExecutionError)
	case res == nil:
		res = domain.Failed("agent returned no result", domain.RetryExecutionError)
	}

	if o.metrics != nil {
		o.metrics.RecordPhase(phase, res.Success, elapsed)
	}
	logging.WithDuration(log, elapsed).Info("phase finished", "attempt", attempt, "success", res.Success, "retry_code", res.RetryCode)
	return res, nil
}

// timeoutGrace gives the executor time to report its own timeout first
func timeoutGrace(d time.Duration) time.Duration {
	return min(d/10, 30*time.Second)
}

func (o *Orchestrator) succeed(run *domain.Run, phase domain.Phase, res *domain.PhaseResult, attempt int, log *slog.Logger) (*domain.Run, error) {
	patch := sanitizeOutput(res.Output)
	if done := phase.DoneState(); done != "" {
		patch["state"] = string(done)
		if run.FailedPhase != "" {
			patch["failed_phase"] = nil
			patch["failure_text"] = nil
			patch["pattern_id"] = nil
		}
	}
	updated, err := o.store.Update(run.RunID, patch)
	if err != nil {
		return run, fmt.Errorf("persisting %s result: %w", phase, err)
	}

	log.Info("phase succeeded", "attempts", attempt, "state", updated.State)
	o.emit(Event{Type: EventPhaseSucceeded, RunID: run.RunID, Phase: phase, Attempt: attempt})
	o.notify(notify.Notification{
		Title:    fmt.Sprintf("%s complete", phase),
		Message:  fmt.Sprintf("Completed %s", phase),
		Type:     notify.NotifySuccess,
		RunID:    run.RunID,
		Phase:    string(phase),
		WorkItem: run.WorkItem,
		PRURL:    extraString(updated, "pr_url"),
	})
	return updated, nil
}

// diagnose records the failure; a broken knowledge base never stops the run
func (o *Orchestrator) diagnose(ctx context.Context, run *domain.Run, phase domain.Phase, res *domain.PhaseResult, log *slog.Logger) *domain.Diagnosis {
	if o.doctor == nil {
		return nil
	}
	diag, err := o.doctor.Diagnose(ctx, doctor.Failure{
		Text:    res.FailureText,
		Run:     run,
		Phase:   phase,
		Timeout: res.RetryCode == domain.RetryTimeout,
	})
	if err != nil {
		if ctx.Err() == nil {
			logging.WithError(log, err).Warn("diagnosis failed")
		}
		return nil
	}
	if o.metrics != nil {
		o.metrics.RecordDiagnosis(diag)
	}
	return diag
}

func (o *Orchestrator) fail(run *domain.Run, phase domain.Phase, res *domain.PhaseResult, diag *domain.Diagnosis, attempts int, log *slog.Logger) (*domain.Run, error) {
	patch := map[string]any{
		"state":        string(domain.StateFailed),
		"failed_phase": string(phase),
		"failure_text": truncate(res.FailureText, maxFailureText),
	}
	if diag != nil && diag.PatternID != "" {
		patch["pattern_id"] = diag.PatternID
	}
	failed, err := o.store.Update(run.RunID, patch)
	if err != nil {
		logging.WithError(log, err).Error("persisting failure")
		failed = run
	}

	perr := newPhaseError(failed, phase, res, diag, attempts)
	log.Error("phase failed", "attempts", attempts, "retry_code", res.RetryCode, "pattern_id", perr.PatternID, "confidence", perr.Confidence)
	o.emit(Event{Type: EventRunFailed, RunID: run.RunID, Phase: phase, Attempt: attempts, PatternID: perr.PatternID, Message: firstLine(res.FailureText)})

	msg := firstLine(res.FailureText)
	if perr.PatternID != "" {
		msg += fmt.Sprintf("\nPattern %s (%s confidence)", perr.PatternID, perr.Confidence)
	}
	o.notify(notify.Notification{
		Title:    fmt.Sprintf("%s failed", phase),
		Message:  msg,
		Type:     notify.NotifyError,
		RunID:    run.RunID,
		Phase:    string(phase),
		WorkItem: run.WorkItem,
	})
	return failed, perr
}

func (o *Orchestrator) notify(n notify.Notification) {
	if err := o.notifier.Send(n); err != nil {
		o.logger.Warn("notification failed", "run_id", n.RunID, "error", err)
	}
}

func (o *Orchestrator) emit(e Event) {
	if o.events == nil {
		return
	}
	e.Time = time.Now()
	o.events(e)
}

// RunPhases runs phases in order, stopping at the first failure
func (o *Orchestrator) RunPhases(ctx context.Context, runID string, phases []domain.Phase) (*domain.Run, error) {
	if len(phases) == 0 {
		return nil, errors.New("no phases to run")
	}
	var run *domain.Run
	for _, phase := range phases {
		var err error
		run, err = o.RunPhase(ctx, runID, phase)
		if err != nil {
			return run, err
		}
	}
	return run, nil
}

// RunRange runs the pipeline from..to inclusive
func (o *Orchestrator) RunRange(ctx context.Context, runID string, from, to domain.Phase) (*domain.Run, error) {
	phases := domain.Range(from, to)
	if phases == nil {
		return nil, fmt.Errorf("invalid phase range %s..%s", from, to)
	}
	return o.RunPhases(ctx, runID, phases)
}

// RunPipeline runs a named pipeline such as plan_build or sdlc
func (o *Orchestrator) RunPipeline(ctx context.Context, runID, name string) (*domain.Run, error) {
	phases, err := domain.LookupPipeline(name)
	if err != nil {
		return nil, err
	}
	return o.RunPhases(ctx, runID, phases)
}

// RunFull runs every phase from plan to ship
func (o *Orchestrator) RunFull(ctx context.Context, runID string) (*domain.Run, error) {
	return o.RunPhases(ctx, runID, domain.Pipeline)
}

// Resume continues a run from the phase after its current state. A failed
// run resumes at the phase that failed.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := o.store.Load(runID)
	if err != nil {
		return nil, err
	}
	next, ok := run.State.NextPhase()
	if run.State == domain.StateFailed && run.FailedPhase.Index() >= 0 {
		next, ok = run.FailedPhase, true
	}
	if !ok {
		return run, nil
	}
	return o.RunRange(ctx, runID, next, domain.PhaseShip)
}

// RunSnapshot imports a piped run snapshot and executes phase on it
func (o *Orchestrator) RunSnapshot(ctx context.Context, snapshot *domain.Run, phase domain.Phase) (*domain.Run, error) {
	run, err := o.store.Import(snapshot)
	if err != nil {
		return nil, fmt.Errorf("importing snapshot: %w", err)
	}
	return o.RunPhase(ctx, run.RunID, phase)
}

// protectedFields are owned by the orchestrator and ignored in phase output
var protectedFields = map[string]bool{
	"run_id": true, "state": true, "chain": true, "created_at": true, "updated_at": true,
	"worktree_path": true, "ports": true, "failed_phase": true, "complexity_tier": true,
	"model_overrides": true, "success": true, "failure_text": true, "pattern_id": true,
	"parent_run_id": true, "resolve_phase": true,
}

// sanitizeOutput keeps the phase output fields a phase may write to the run
func sanitizeOutput(out map[string]any) map[string]any {
	patch := make(map[string]any, len(out))
	for k, v := range out {
		if protectedFields[domain.SnakeCase(k)] || v == nil {
			continue
		}
		patch[k] = v
	}
	return patch
}

func remediationText(diag *domain.Diagnosis, fix *doctor.FixResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The failure matched known pattern %s (%s).", diag.PatternID, diag.Category)
	if fix != nil && fix.Changed {
		fmt.Fprintf(&b, " The documented fix was applied to %s.", fix.Path)
	}
	if fix != nil && fix.Note {
		fmt.Fprintf(&b, " Remediation notes were written to %s. Read them before you start.", fix.Path)
	}
	if diag.Fix != nil && diag.Fix.Notes != "" {
		b.WriteString("\n\n" + diag.Fix.Notes)
	}
	return b.String()
}

func extraString(run *domain.Run, key string) string {
	if run == nil {
		return ""
	}
	s, _ := run.Extra[key].(string)
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
