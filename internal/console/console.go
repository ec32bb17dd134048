// Package console renders human-facing progress output for the adw CLI.
package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// Console writes styled output to one writer. Colors are dropped
// automatically when the writer is not a terminal.
type Console struct {
	w io.Writer

	titleStyle   lipgloss.Style
	sectionStyle lipgloss.Style
	boxStyle     lipgloss.Style
	labelStyle   lipgloss.Style
	successStyle lipgloss.Style
	failureStyle lipgloss.Style
	warningStyle lipgloss.Style
	dimmedStyle  lipgloss.Style
}

// New creates a Console writing to w
func New(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		w: w,
		titleStyle: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1),
		sectionStyle: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")),
		boxStyle: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		labelStyle: r.NewStyle().
			Foreground(lipgloss.Color("244")),
		successStyle: r.NewStyle().
			Foreground(lipgloss.Color("42")),
		failureStyle: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")),
		warningStyle: r.NewStyle().
			Foreground(lipgloss.Color("214")),
		dimmedStyle: r.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// Field is one labelled line in a banner
type Field struct {
	Label string
	Value string
}

// Banner prints a boxed title with aligned fields
func (c *Console) Banner(title string, fields ...Field) {
	lines := []string{c.titleStyle.Render(title)}
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Label))
	}
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		label := fmt.Sprintf("%-*s", width, f.Label)
		lines = append(lines, c.labelStyle.Render(label)+"  "+f.Value)
	}
	fmt.Fprintln(c.w, c.boxStyle.Render(strings.Join(lines, "\n")))
}

// WorkflowStart announces a run
func (c *Console) WorkflowStart(run *domain.Run, phases []domain.Phase) {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	fields := []Field{
		{"Run", run.RunID},
		{"Work item", run.WorkItem},
		{"Phases", strings.Join(names, " → ")},
		{"Tier", string(run.Tier())},
		{"Workspace", run.WorktreePath},
	}
	if run.Ports != nil {
		fields = append(fields, Field{"Ports", fmt.Sprintf("%d / %d", run.Ports.Backend, run.Ports.Frontend)})
	}
	c.Banner("ADW workflow", fields...)
}

// WorkflowComplete prints the closing banner of a successful run
func (c *Console) WorkflowComplete(run *domain.Run, elapsed time.Duration) {
	c.Banner(c.successStyle.Render("✓ Workflow complete"),
		Field{"Run", run.RunID},
		Field{"State", string(run.State)},
		Field{"Branch", run.BranchName},
		Field{"Duration", elapsed.Round(time.Second).String()},
	)
}

// Section prints a separator line with a heading
func (c *Console) Section(title string) {
	rule := c.dimmedStyle.Render(strings.Repeat("─", 4))
	fmt.Fprintf(c.w, "\n%s %s %s\n", rule, c.sectionStyle.Render(title), rule)
}

// PhaseResult prints one line per finished phase attempt
func (c *Console) PhaseResult(phase domain.Phase, res *domain.PhaseResult, elapsed time.Duration) {
	took := c.dimmedStyle.Render("(" + elapsed.Round(time.Second).String() + ")")
	if res != nil && res.Success {
		fmt.Fprintf(c.w, "%s %s %s\n", c.successStyle.Render("✓"), phase, took)
		return
	}
	reason := ""
	if res != nil {
		reason = firstLine(res.FailureText)
	}
	fmt.Fprintf(c.w, "%s %s %s %s\n", c.failureStyle.Render("✗"), phase, took, reason)
}

// Failure is the report printed when a run stops on a phase failure
type Failure struct {
	RunID      string
	Phase      domain.Phase
	Text       string
	PatternID  string
	Confidence domain.Confidence
	Fix        *domain.Fix
	Attempts   int
}

// FailureReport prints everything needed to resolve a failed phase by hand
func (c *Console) FailureReport(f Failure) {
	fields := []Field{
		{"Run", f.RunID},
		{"Phase", string(f.Phase)},
		{"Attempts", fmt.Sprint(f.Attempts)},
		{"Pattern", f.PatternID},
		{"Confidence", string(f.Confidence)},
	}
	if f.Fix != nil {
		fields = append(fields, Field{"Fix file", f.Fix.File}, Field{"Fix notes", f.Fix.Notes})
	}
	c.Banner(c.failureStyle.Render("✗ Phase failed"), fields...)
	if f.Fix != nil && f.Fix.Before != "" {
		fmt.Fprintln(c.w, c.labelStyle.Render("before:"))
		fmt.Fprintln(c.w, indent(f.Fix.Before))
		fmt.Fprintln(c.w, c.labelStyle.Render("after:"))
		fmt.Fprintln(c.w, indent(f.Fix.After))
	}
	if f.Text != "" {
		fmt.Fprintln(c.w, c.labelStyle.Render("output:"))
		fmt.Fprintln(c.w, indent(tail(f.Text, 40)))
	}
}

// Diagnosis prints a doctor verdict
func (c *Console) Diagnosis(d *domain.Diagnosis) {
	style := c.warningStyle
	switch d.Confidence {
	case domain.ConfidenceHigh:
		style = c.successStyle
	case domain.ConfidenceLow:
		style = c.failureStyle
	}
	fields := []Field{
		{"Pattern", d.PatternID},
		{"Category", d.Category},
		{"Score", fmt.Sprintf("%.2f", d.Score)},
	}
	if d.NewPattern {
		fields = append(fields, Field{"New", "yes"})
	}
	if d.Fix != nil {
		fields = append(fields, Field{"Fix file", d.Fix.File}, Field{"Fix notes", d.Fix.Notes})
	}
	c.Banner(style.Render("Diagnosis: "+string(d.Confidence)), fields...)
}

// Runs prints a compact table of run records
func (c *Console) Runs(runs []*domain.Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].UpdatedAt.After(runs[j].UpdatedAt) })
	for _, r := range runs {
		state := string(r.State)
		switch r.State {
		case domain.StateFailed:
			state = c.failureStyle.Render(state)
		case domain.StateShipped:
			state = c.successStyle.Render(state)
		}
		fmt.Fprintf(c.w, "%-10s %-10s %-8s %s\n", r.RunID, state, r.WorkItem,
			c.dimmedStyle.Render(r.UpdatedAt.Format(time.DateTime)))
	}
}

// Warn prints a highlighted warning line
func (c *Console) Warn(format string, args ...any) {
	fmt.Fprintln(c.w, c.warningStyle.Render("! "+fmt.Sprintf(format, args...)))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}
