// Package doctor diagnoses phase failures against the pattern knowledge base.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/fsutil"
	"github.com/hochfrequenz/adw-orchestrator/internal/knowledge"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
)

// RemediationDir holds notes written for fixes that are not text edits
const RemediationDir = ".adw/remediation"

// ErrFixNotApplicable is returned when a fix's before text is not in the target file
var ErrFixNotApplicable = errors.New("fix not applicable")

const noOutputText = "phase failed without output"

// Knowledge is the pattern store the doctor reads and records into
type Knowledge interface {
	Active(ctx context.Context) ([]*domain.FailurePattern, error)
	RecordOccurrence(ctx context.Context, patternID string, occ knowledge.Occurrence) (*domain.FailurePattern, error)
	Document(ctx context.Context, p *domain.FailurePattern, occ knowledge.Occurrence) (*domain.FailurePattern, bool, error)
	Get(ctx context.Context, id string) (*domain.FailurePattern, error)
	Refine(ctx context.Context, p *domain.FailurePattern) (bool, error)
	Export(ctx context.Context, dir string) error
}

// Failure is the input of a diagnosis
type Failure struct {
	Text    string
	Run     *domain.Run
	Phase   domain.Phase
	Timeout bool
}

// Observer is told about every recorded diagnosis
type Observer func(d *domain.Diagnosis)

// Doctor matches failures, records occurrences and applies fixes
type Doctor struct {
	kb       Knowledge
	docsDir  string
	logger   *slog.Logger
	observer Observer
}

// New creates a Doctor. When docsDir is set the human-readable pattern
// documents are refreshed after every recorded diagnosis.
func New(kb Knowledge, docsDir string, logger *slog.Logger) *Doctor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Doctor{kb: kb, docsDir: docsDir, logger: logger}
}

// SetObserver registers a callback for recorded diagnoses
func (d *Doctor) SetObserver(fn Observer) {
	d.observer = fn
}

// Match diagnoses text without recording anything
func (d *Doctor) Match(ctx context.Context, f Failure) (*domain.Diagnosis, error) {
	diag, _, err := d.match(ctx, f)
	return diag, err
}

func (d *Doctor) match(ctx context.Context, f Failure) (*domain.Diagnosis, *Candidate, error) {
	text := failureText(f)
	category := Categorize(text)
	if f.Timeout {
		category = CategoryTimeout
	}

	patterns, err := d.kb.Active(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading patterns: %w", err)
	}

	diag := &domain.Diagnosis{Confidence: domain.ConfidenceLow, Category: category}
	best, ok := Best(Normalize(text), patterns)
	if !ok {
		return diag, nil, nil
	}
	diag.Score = best.Score
	diag.Confidence = Classify(best, category)
	if diag.Confidence == domain.ConfidenceLow {
		return diag, &best, nil
	}
	diag.PatternID = best.Pattern.ID
	if best.Pattern.Fix.Documented() {
		fix := best.Pattern.Fix
		diag.Fix = &fix
	}
	return diag, &best, nil
}

// Diagnose matches the failure and records it: high and medium matches count
// as an occurrence of the closest pattern, anything else is documented as a
// new pattern.
func (d *Doctor) Diagnose(ctx context.Context, f Failure) (*domain.Diagnosis, error) {
	diag, _, err := d.match(ctx, f)
	if err != nil {
		return nil, err
	}

	occ := knowledge.Occurrence{Phase: f.Phase, Confidence: diag.Confidence, Score: diag.Score}
	if f.Run != nil {
		occ.RunID = f.Run.RunID
	}

	if diag.PatternID != "" {
		if _, err := d.kb.RecordOccurrence(ctx, diag.PatternID, occ); err != nil {
			return nil, fmt.Errorf("recording occurrence: %w", err)
		}
	} else {
		p, created, err := d.kb.Document(ctx, newPattern(failureText(f), diag.Category), occ)
		if err != nil {
			return nil, fmt.Errorf("documenting pattern: %w", err)
		}
		diag.PatternID = p.ID
		diag.NewPattern = created
	}

	d.logger.Info("failure diagnosed",
		"pattern_id", diag.PatternID, "confidence", diag.Confidence,
		"score", fmt.Sprintf("%.2f", diag.Score), "category", diag.Category,
		"new_pattern", diag.NewPattern)

	d.export(ctx)
	if d.observer != nil {
		d.observer(diag)
	}
	return diag, nil
}

func (d *Doctor) export(ctx context.Context) {
	if d.docsDir == "" {
		return
	}
	if err := d.kb.Export(ctx, d.docsDir); err != nil {
		d.logger.Warn("exporting pattern documents", "error", err)
	}
}

func failureText(f Failure) string {
	if strings.TrimSpace(f.Text) == "" {
		return noOutputText
	}
	return f.Text
}

// Analysis is an agent's account of a failure pattern
type Analysis struct {
	RootCause string     `json:"root_cause"`
	Fix       domain.Fix `json:"fix"`
}

// ParseAnalysis reads an analysis from the doctor agent's JSON output.
// It reports false when the output names no root cause.
func ParseAnalysis(out map[string]any) (Analysis, bool) {
	var a Analysis
	a.RootCause, _ = out["root_cause"].(string)
	a.RootCause = strings.TrimSpace(a.RootCause)
	if fix, ok := out["fix"].(map[string]any); ok {
		a.Fix.File, _ = fix["file"].(string)
		a.Fix.Before, _ = fix["before"].(string)
		a.Fix.After, _ = fix["after"].(string)
		a.Fix.Notes, _ = fix["notes"].(string)
	}
	return a, a.RootCause != ""
}

// Refine replaces the placeholder root cause and fix of a pattern with an
// agent's analysis. Patterns that were already refined, by a person or an
// earlier analysis, are left alone and Refine reports false.
func (d *Doctor) Refine(ctx context.Context, patternID string, a Analysis) (bool, error) {
	cur, err := d.kb.Get(ctx, patternID)
	if err != nil {
		return false, err
	}
	if !cur.Fix.Placeholder || cur.RootCause != knowledge.PlaceholderRootCause {
		return false, nil
	}

	fix := a.Fix
	if fix.After == "" && fix.Notes == "" {
		// keep the placeholder so the pattern still reads as unresolved
		fix = cur.Fix
	}
	changed, err := d.kb.Refine(ctx, &domain.FailurePattern{ID: patternID, RootCause: a.RootCause, Fix: fix})
	if err != nil {
		return false, fmt.Errorf("refining pattern %s: %w", patternID, err)
	}
	if changed {
		d.logger.Info("pattern refined", "pattern_id", patternID, "fix_file", fix.File, "placeholder", fix.Placeholder)
		d.export(ctx)
	}
	return changed, nil
}

// newPattern seeds a pattern for text with placeholder cause and fix
func newPattern(text, category string) *domain.FailurePattern {
	sig := ExtractSignature(text)
	return &domain.FailurePattern{
		Name:       shorten(strings.SplitN(sig, "\n", 2)[0], 80),
		Category:   category,
		Signature:  shorten(sig, maxSignatureLen),
		Normalized: NormalizeSignature(sig),
		RootCause:  knowledge.PlaceholderRootCause,
		Fix: domain.Fix{
			Placeholder: true,
			Notes:       "No verified fix yet. Inspect the signature above, resolve the failure, and record the change here.",
		},
		Status: domain.PatternActive,
	}
}

// FixResult describes what ApplyFix changed
type FixResult struct {
	Path    string `json:"path"`
	Changed bool   `json:"changed"`
	Note    bool   `json:"note"`
}

// ApplyFix applies the diagnosis' fix inside the run's working directory,
// which is its worktree when isolated and primary otherwise.
func (d *Doctor) ApplyFix(ctx context.Context, diag *domain.Diagnosis, run *domain.Run, primary string) (*FixResult, error) {
	if diag == nil || diag.Fix == nil {
		return nil, fmt.Errorf("%w: no fix", ErrFixNotApplicable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := state.WorkingDirectory(run, primary)
	fix := diag.Fix

	if fix.File == "" {
		return d.writeNote(dir, diag)
	}

	path, err := within(dir, fix.File)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err) && fix.Before == "" && fix.After != "":
		if err := fsutil.AtomicWrite(path, []byte(fix.After)); err != nil {
			return nil, err
		}
		d.logger.Info("fix applied", "pattern_id", diag.PatternID, "file", fix.File, "created", true)
		return &FixResult{Path: path, Changed: true}, nil
	case err != nil:
		if fix.Placeholder {
			return d.writeNote(dir, diag)
		}
		return nil, fmt.Errorf("%w: %v", ErrFixNotApplicable, err)
	}

	content := string(data)
	switch {
	case fix.After != "" && strings.Contains(content, fix.After):
		// already in place
		return &FixResult{Path: path}, nil
	case fix.Before != "" && strings.Contains(content, fix.Before):
		updated := strings.ReplaceAll(content, fix.Before, fix.After)
		if err := fsutil.AtomicWrite(path, []byte(updated)); err != nil {
			return nil, err
		}
		d.logger.Info("fix applied", "pattern_id", diag.PatternID, "file", fix.File)
		return &FixResult{Path: path, Changed: true}, nil
	case fix.Before == "" && fix.Notes != "":
		return d.writeNote(dir, diag)
	}
	return nil, fmt.Errorf("%w: %s does not contain the documented before text", ErrFixNotApplicable, fix.File)
}

func (d *Doctor) writeNote(dir string, diag *domain.Diagnosis) (*FixResult, error) {
	path := filepath.Join(dir, RemediationDir, diag.PatternID+".md")
	var b strings.Builder
	fmt.Fprintf(&b, "# Remediation for %s\n\n", diag.PatternID)
	fmt.Fprintf(&b, "Recorded %s, category %s, confidence %s.\n\n", time.Now().UTC().Format(time.RFC3339), diag.Category, diag.Confidence)
	if diag.Fix.File != "" {
		fmt.Fprintf(&b, "File: `%s`\n\n", diag.Fix.File)
	}
	b.WriteString(strings.TrimSpace(diag.Fix.Notes) + "\n")
	if err := fsutil.AtomicWrite(path, []byte(b.String())); err != nil {
		return nil, fmt.Errorf("writing remediation note: %w", err)
	}
	d.logger.Info("remediation note written", "pattern_id", diag.PatternID, "path", path)
	return &FixResult{Path: path, Note: true}, nil
}

// within joins rel onto dir and rejects paths escaping dir
func within(dir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path %s", ErrFixNotApplicable, rel)
	}
	path := filepath.Join(dir, rel)
	r, err := filepath.Rel(dir, path)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the working directory", ErrFixNotApplicable, rel)
	}
	return path, nil
}
