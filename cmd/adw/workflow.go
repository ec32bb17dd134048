package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/adw-orchestrator/internal/doctor"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/driver"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
)

var (
	flagRunID    string
	flagIssue    string
	flagStdin    bool
	flagTier     string
	flagPipeline string
	flagFrom     string
	flagTo       string
	flagIsolated bool
	flagPhase    string
	flagText     string
	flagDryRun   bool
	flagApply    bool
)

func init() {
	// phase command
	phaseCmd := &cobra.Command{
		Use:   "phase PHASE",
		Short: "Run a single phase and print the resulting run record",
		Long: `Run a single phase of a run. With --stdin the run record is read from the
previous command of a pipe, so phases can be chained:

  adw phase plan --issue 42 | adw phase build --stdin | adw phase verify --stdin`,
		Args: cobra.ExactArgs(1),
		RunE: runPhase,
	}
	phaseCmd.Flags().StringVar(&flagRunID, "run", "", "run ID (created when missing)")
	phaseCmd.Flags().StringVar(&flagIssue, "issue", "", "work item to attach to a new run")
	phaseCmd.Flags().BoolVar(&flagStdin, "stdin", false, "read the run record from stdin")
	phaseCmd.Flags().StringVar(&flagTier, "tier", "", "complexity tier: standard or elevated")
	rootCmd.AddCommand(phaseCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline or part of it",
		Long: `Run the full pipeline, a named pipeline or a range of phases. A failed run
given with --run and no phase selection resumes at its failed phase.`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}
	runCmd.Flags().StringVar(&flagRunID, "run", "", "run ID (created when missing)")
	runCmd.Flags().StringVar(&flagIssue, "issue", "", "work item to work on")
	runCmd.Flags().StringVar(&flagPipeline, "pipeline", "", "named pipeline, e.g. plan_build")
	runCmd.Flags().StringVar(&flagFrom, "from", "", "first phase")
	runCmd.Flags().StringVar(&flagTo, "to", "", "last phase")
	runCmd.Flags().BoolVar(&flagIsolated, "isolated", false, "run in a dedicated worktree with its own ports")
	runCmd.Flags().StringVar(&flagTier, "tier", "", "complexity tier: standard or elevated")
	rootCmd.AddCommand(runCmd)

	// parallel command
	parallelCmd := &cobra.Command{
		Use:   "parallel ISSUE...",
		Short: "Run several work items at once, each in its own worktree",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runParallel,
	}
	parallelCmd.Flags().StringVar(&flagPipeline, "pipeline", "", "named pipeline for every item (default: classified per item)")
	parallelCmd.Flags().StringVar(&flagTier, "tier", "", "complexity tier for every item")
	rootCmd.AddCommand(parallelCmd)

	// retry command
	retryCmd := &cobra.Command{
		Use:   "retry RUN",
		Short: "Resolve a failed run in a corrective sub-run and continue",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	}
	retryCmd.Flags().StringVar(&flagTo, "to", "", "last phase to run (default: ship)")
	rootCmd.AddCommand(retryCmd)

	// classify command
	classifyCmd := &cobra.Command{
		Use:   "classify ISSUE",
		Short: "Show which workflow a work item asks for",
		Args:  cobra.ExactArgs(1),
		RunE:  runClassify,
	}
	rootCmd.AddCommand(classifyCmd)

	// diagnose command
	diagnoseCmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Diagnose failure output against the knowledge base",
		Long: `Diagnose failure text given with --text, read from stdin, or taken from the
recorded failure of --run. The diagnosis is recorded unless --dry-run is set.`,
		Args: cobra.NoArgs,
		RunE: runDiagnose,
	}
	diagnoseCmd.Flags().StringVar(&flagRunID, "run", "", "failed run to diagnose")
	diagnoseCmd.Flags().StringVar(&flagPhase, "phase", "", "phase that produced the failure")
	diagnoseCmd.Flags().StringVar(&flagText, "text", "", "failure text")
	diagnoseCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "match only, record nothing")
	diagnoseCmd.Flags().BoolVar(&flagApply, "apply", false, "apply a documented fix")
	rootCmd.AddCommand(diagnoseCmd)
}

// selectPhases resolves the phase selection flags. Nil means no selection.
func selectPhases(pipelineName, from, to string) ([]domain.Phase, error) {
	if pipelineName != "" {
		if from != "" || to != "" {
			return nil, errors.New("--pipeline cannot be combined with --from/--to")
		}
		return domain.LookupPipeline(pipelineName)
	}
	if from == "" && to == "" {
		return nil, nil
	}

	first, last := domain.Pipeline[0], domain.Pipeline[len(domain.Pipeline)-1]
	var err error
	if from != "" {
		if first, err = domain.ParsePhase(from); err != nil {
			return nil, err
		}
	}
	if to != "" {
		if last, err = domain.ParsePhase(to); err != nil {
			return nil, err
		}
	}
	phases := domain.Range(first, last)
	if len(phases) == 0 {
		return nil, fmt.Errorf("empty phase range %s..%s", first, last)
	}
	return phases, nil
}

// readSnapshot decodes a run record piped in by a previous command.
// camelCase keys are accepted.
func readSnapshot(r io.Reader) (*domain.Run, error) {
	var fields map[string]any
	if err := json.NewDecoder(r).Decode(&fields); err != nil {
		return nil, fmt.Errorf("reading run record: %w", err)
	}
	id, _ := fields["run_id"].(string)
	if id == "" {
		id, _ = fields["runId"].(string)
	}
	if id == "" {
		return nil, errors.New("run record has no run_id")
	}
	run, _, err := domain.NewRun(id).Merge(fields)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// fetchItem loads a work item, falling back to the bare ID when the
// tracker cannot be reached
func (a *app) fetchItem(ctx context.Context, id string) domain.WorkItem {
	item, err := a.fetcher.Fetch(ctx, id)
	if err != nil {
		a.console.Warn("could not fetch work item %s: %v", id, err)
		return domain.WorkItem{ID: id}
	}
	return item
}

// ensureRun loads runID, or creates it when it does not exist yet.
// The bool reports whether the run already existed.
func (a *app) ensureRun(ctx context.Context, runID, issue string, t domain.Tier) (*domain.Run, bool, error) {
	if runID == "" {
		runID = domain.NewRunID()
	}
	run, err := a.store.Load(runID)
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, state.ErrRunNotFound) {
		return nil, false, err
	}

	if _, err := a.store.Create(runID); err != nil {
		return nil, false, err
	}
	patch := map[string]any{"complexity_tier": string(t)}
	if issue != "" {
		item := a.fetchItem(ctx, issue)
		patch["work_item"] = item.ID
		if item.Title != "" {
			patch["work_item_title"] = item.Title
		}
		if item.Body != "" {
			patch["work_item_body"] = item.Body
		}
	}
	run, err = a.store.Update(runID, patch)
	return run, false, err
}

func runPhase(cmd *cobra.Command, args []string) error {
	phase, err := domain.ParsePhase(args[0])
	if err != nil {
		return err
	}
	t, err := domain.ParseTier(flagTier)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	a.printEvents()
	ctx := cmd.Context()

	var run *domain.Run
	if flagStdin {
		snapshot, err := readSnapshot(cmd.InOrStdin())
		if err != nil {
			return err
		}
		run, err = a.orch.RunSnapshot(ctx, snapshot, phase)
		if run != nil {
			printJSON(cmd.OutOrStdout(), run)
		}
		reportFailure(a.console, err)
		return err
	}

	existing, _, err := a.ensureRun(ctx, flagRunID, flagIssue, t)
	if err != nil {
		return err
	}
	run, err = a.orch.RunPhase(ctx, existing.RunID, phase)
	if run != nil {
		printJSON(cmd.OutOrStdout(), run)
	}
	reportFailure(a.console, err)
	return err
}

func runRun(cmd *cobra.Command, args []string) error {
	phases, err := selectPhases(flagPipeline, flagFrom, flagTo)
	if err != nil {
		return err
	}
	t, err := domain.ParseTier(flagTier)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	a.printEvents()
	ctx := cmd.Context()
	start := time.Now()

	if flagIsolated {
		var item domain.WorkItem
		if flagIssue != "" {
			item = a.fetchItem(ctx, flagIssue)
		}
		out := a.driver().Run(ctx, driver.WorkRequest{RunID: flagRunID, WorkItem: item, Tier: t, Phases: phases})
		if out.Run != nil {
			a.console.WorkflowComplete(out.Run, out.Duration)
		}
		reportFailure(a.console, out.Err)
		return out.Err
	}

	run, existed, err := a.ensureRun(ctx, flagRunID, flagIssue, t)
	if err != nil {
		return err
	}

	switch {
	case phases == nil && existed:
		a.console.WorkflowStart(run, nil)
		run, err = a.orch.Resume(ctx, run.RunID)
	case phases == nil:
		a.console.WorkflowStart(run, domain.Pipeline)
		run, err = a.orch.RunFull(ctx, run.RunID)
	default:
		a.console.WorkflowStart(run, phases)
		run, err = a.orch.RunPhases(ctx, run.RunID, phases)
	}
	if err != nil {
		reportFailure(a.console, err)
		return err
	}
	a.console.WorkflowComplete(run, time.Since(start))
	return nil
}

func runParallel(cmd *cobra.Command, args []string) error {
	var fixed []domain.Phase
	if flagPipeline != "" {
		var err error
		if fixed, err = domain.LookupPipeline(flagPipeline); err != nil {
			return err
		}
	}
	t, err := domain.ParseTier(flagTier)
	if err != nil {
		return err
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()
	cls := a.classifier()

	reqs := make([]driver.WorkRequest, 0, len(args))
	for _, id := range args {
		item := a.fetchItem(ctx, id)
		req := driver.WorkRequest{WorkItem: item, Tier: t, Phases: fixed}
		if fixed == nil {
			wr, err := cls.Classify(ctx, item)
			if err != nil {
				a.console.Warn("classifying %s: %v, running the full pipeline", id, err)
			}
			if wr.Pipeline != "" {
				req.Phases, _ = domain.LookupPipeline(wr.Pipeline)
			}
			req.RunID, req.IssueClass = wr.RunID, wr.IssueClass
			if flagTier == "" {
				req.Tier = wr.Tier
			}
		}
		reqs = append(reqs, req)
	}

	outcomes := a.driver().RunMany(ctx, reqs)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tRUN\tSTATUS\tSTATE\tDURATION")
	var failed int
	for _, o := range outcomes {
		st := "-"
		if o.Run != nil {
			st = string(o.Run.State)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.WorkItem, o.RunID, o.Status, st, o.Duration.Round(time.Second))
		if o.Err != nil {
			failed++
		}
	}
	w.Flush()
	for _, o := range outcomes {
		reportFailure(a.console, o.Err)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs did not complete", failed, len(outcomes))
	}
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	var to domain.Phase
	if flagTo != "" {
		var err error
		if to, err = domain.ParsePhase(flagTo); err != nil {
			return err
		}
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	a.printEvents()

	start := time.Now()
	run, err := a.orch.Retry(cmd.Context(), args[0], to)
	if err != nil {
		reportFailure(a.console, err)
		return err
	}
	a.console.WorkflowComplete(run, time.Since(start))
	return nil
}

func runClassify(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	item, err := a.fetcher.Fetch(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	req, err := a.classifier().Classify(cmd.Context(), item)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), req)
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()

	f := doctor.Failure{Text: flagText}
	if flagPhase != "" {
		if f.Phase, err = domain.ParsePhase(flagPhase); err != nil {
			return err
		}
	}
	if flagRunID != "" {
		if f.Run, err = a.store.Load(flagRunID); err != nil {
			return err
		}
		if f.Phase == "" {
			f.Phase = f.Run.FailedPhase
		}
		if f.Text == "" {
			f.Text, _ = f.Run.Extra["failure_text"].(string)
		}
	}
	if f.Text == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		f.Text = string(data)
	}
	if strings.TrimSpace(f.Text) == "" {
		return errors.New("no failure text: use --text, --run or stdin")
	}

	var diag *domain.Diagnosis
	if flagDryRun {
		diag, err = a.doctor.Match(ctx, f)
	} else {
		diag, err = a.doctor.Diagnose(ctx, f)
	}
	if err != nil {
		return err
	}
	a.console.Diagnosis(diag)

	if flagApply && !flagDryRun {
		if !diag.AutoFixable() {
			return fmt.Errorf("pattern %s at %s confidence: %w", diag.PatternID, diag.Confidence, doctor.ErrFixNotApplicable)
		}
		res, err := a.doctor.ApplyFix(ctx, diag, f.Run, a.cfg.General.ProjectRoot)
		if err != nil {
			return err
		}
		if res.Changed {
			fmt.Fprintf(os.Stderr, "fixed %s\n", res.Path)
		} else {
			fmt.Fprintf(os.Stderr, "%s already fixed\n", res.Path)
		}
	}
	return printJSON(cmd.OutOrStdout(), diag)
}
