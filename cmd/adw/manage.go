package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/adw-orchestrator/internal/console"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/driver"
	"github.com/hochfrequenz/adw-orchestrator/internal/knowledge"
	"github.com/hochfrequenz/adw-orchestrator/internal/observer"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
	"github.com/hochfrequenz/adw-orchestrator/internal/trigger"
	"github.com/hochfrequenz/adw-orchestrator/web/api"
)

var (
	flagJSON      bool
	flagState     string
	flagMarked    bool
	flagCategory  string
	flagStatus    string
	flagOnce      string
	flagPort      int
	flagPoll      bool
	flagWatchDocs bool
)

func init() {
	// state commands
	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect run records",
	}
	showCmd := &cobra.Command{
		Use:   "show RUN",
		Short: "Print a run record",
		Args:  cobra.ExactArgs(1),
		RunE:  runStateShow,
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List run records",
		Args:  cobra.NoArgs,
		RunE:  runStateList,
	}
	listCmd.Flags().StringVar(&flagState, "state", "", "filter by state")
	listCmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
	stateCmd.AddCommand(showCmd, listCmd)
	rootCmd.AddCommand(stateCmd)

	// cleanup command
	cleanupCmd := &cobra.Command{
		Use:   "cleanup [RUN...]",
		Short: "Remove worktrees and release their ports",
		RunE:  runCleanup,
	}
	cleanupCmd.Flags().BoolVar(&flagMarked, "marked", false, "reclaim every workspace marked by a cancelled run")
	rootCmd.AddCommand(cleanupCmd)

	// kb commands
	kbCmd := &cobra.Command{
		Use:   "kb",
		Short: "Manage the failure pattern knowledge base",
	}
	kbListCmd := &cobra.Command{
		Use:   "list",
		Short: "List failure patterns, most frequent first",
		Args:  cobra.NoArgs,
		RunE:  runKBList,
	}
	kbListCmd.Flags().StringVar(&flagCategory, "category", "", "filter by category")
	kbListCmd.Flags().StringVar(&flagStatus, "status", "", "filter by status: active or historical")
	kbListCmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
	kbImportCmd := &cobra.Command{
		Use:   "import [DIR]",
		Short: "Refine patterns from edited pattern documents",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runKBImport,
	}
	kbExportCmd := &cobra.Command{
		Use:   "export [DIR]",
		Short: "Write pattern documents, index and frequency file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runKBExport,
	}
	kbWatchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Import pattern documents whenever they are edited",
		Args:  cobra.NoArgs,
		RunE:  runKBWatch,
	}
	kbStatusCmd := &cobra.Command{
		Use:   "status PATTERN active|historical",
		Short: "Mark a pattern active or historical",
		Args:  cobra.ExactArgs(2),
		RunE:  runKBStatus,
	}
	kbCmd.AddCommand(kbListCmd, kbImportCmd, kbExportCmd, kbWatchCmd, kbStatusCmd)
	rootCmd.AddCommand(kbCmd)

	// poll command
	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll the issue tracker on the configured trigger schedules",
		Args:  cobra.NoArgs,
		RunE:  runPoll,
	}
	pollCmd.Flags().StringVar(&flagOnce, "once", "", "poll the named trigger once and exit")
	rootCmd.AddCommand(pollCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status API, event stream and metrics",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&flagPoll, "poll", false, "also run the configured triggers")
	serveCmd.Flags().BoolVar(&flagWatchDocs, "watch-docs", false, "also import edited pattern documents")
	rootCmd.AddCommand(serveCmd)
}

func runStateShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	run, err := state.New(cfg.General.AgentsDir).Load(args[0])
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), run)
}

func runStateList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runs, err := state.New(cfg.General.AgentsDir).List()
	if err != nil {
		return err
	}
	if flagState != "" {
		filtered := runs[:0]
		for _, r := range runs {
			if string(r.State) == flagState {
				filtered = append(filtered, r)
			}
		}
		runs = filtered
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs")
		return nil
	}
	console.New(cmd.OutOrStdout()).Runs(runs)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !flagMarked {
		return errors.New("name runs to clean up or use --marked")
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()

	ids := args
	var errs []error
	for _, id := range args {
		if err := a.workspaces.Reclaim(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if flagMarked {
		done, err := a.workspaces.ReclaimMarked(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		ids = append(ids, done...)
	}

	for _, id := range ids {
		_, err := a.store.Update(id, map[string]any{"worktree_path": nil, "ports": nil})
		if err != nil && !errors.Is(err, state.ErrRunNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %s\n", id)
	}
	return errors.Join(errs...)
}

func runKBList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	patterns, err := a.kb.List(cmd.Context(), knowledge.ListOptions{
		Status:   domain.PatternStatus(flagStatus),
		Category: flagCategory,
	})
	if err != nil {
		return err
	}
	if flagJSON {
		return printJSON(cmd.OutOrStdout(), patterns)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCATEGORY\tCOUNT\tSTATUS\tFIX\tNAME")
	for _, p := range patterns {
		fix := "-"
		switch {
		case p.Fix.Placeholder:
			fix = "todo"
		case p.Fix.Documented():
			fix = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", p.ID, p.Category, p.Occurrences, p.Status, fix, p.Name)
	}
	return w.Flush()
}

func runKBImport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	dir := a.cfg.Knowledge.Dir
	if len(args) == 1 {
		dir = args[0]
	}
	changed, err := a.kb.ImportDir(cmd.Context(), dir)
	for _, id := range changed {
		fmt.Fprintf(cmd.OutOrStdout(), "refined %s\n", id)
	}
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No changes")
	}
	return nil
}

func runKBExport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	dir := a.cfg.Knowledge.Dir
	if len(args) == 1 {
		dir = args[0]
	}
	if err := a.kb.Export(cmd.Context(), dir); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", dir)
	return nil
}

func runKBWatch(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	w, err := observer.NewDocWatcher(a.cfg.Knowledge.Dir, a.kb, a.logger)
	if err != nil {
		return err
	}
	w.OnImport(func(changed []string) {
		for _, id := range changed {
			fmt.Fprintf(cmd.OutOrStdout(), "refined %s\n", id)
		}
	})
	return w.Run(cmd.Context())
}

func runKBStatus(cmd *cobra.Command, args []string) error {
	status := domain.PatternStatus(args[1])
	if status != domain.PatternActive && status != domain.PatternHistorical {
		return fmt.Errorf("unknown status %q", args[1])
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.kb.SetStatus(cmd.Context(), args[0], status); err != nil {
		return err
	}
	return a.kb.Export(cmd.Context(), a.cfg.Knowledge.Dir)
}

// scheduler builds the trigger scheduler from the configured triggers
func (a *app) scheduler() (*trigger.Scheduler, error) {
	if len(a.cfg.Triggers) == 0 {
		return nil, errors.New("no triggers configured, add a [[trigger]] table to the config")
	}
	return trigger.New(a.cfg.Triggers, a.fetcher, a.classifier(), a.driver(), a.logger.With("component", "trigger"))
}

func runPoll(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}

	if flagOnce != "" {
		outcomes, err := sched.Poll(ctx, flagOnce)
		if err != nil {
			return err
		}
		for status, n := range driver.Summary(outcomes) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", status, n)
		}
		return nil
	}
	return sched.Start(ctx)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	port := a.cfg.Web.Port
	if flagPort != 0 {
		port = flagPort
	}
	addr := net.JoinHostPort(a.cfg.Web.Host, strconv.Itoa(port))
	srv := api.NewServer(a.store, a.kb, a.workspaces.Pool(), a.metrics, addr, a.logger.With("component", "api"))
	a.orch.SetEventSink(srv.EventSink())

	var sched *trigger.Scheduler
	if flagPoll {
		if sched, err = a.scheduler(); err != nil {
			return err
		}
	}
	var watcher *observer.DocWatcher
	if flagWatchDocs {
		if watcher, err = observer.NewDocWatcher(a.cfg.Knowledge.Dir, a.kb, a.logger); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error { return srv.Start(ctx) })
	if sched != nil {
		g.Go(func() error { return sched.Start(ctx) })
	}
	if watcher != nil {
		g.Go(func() error { return watcher.Run(ctx) })
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "serving on http://%s\n", addr)
	return g.Wait()
}
