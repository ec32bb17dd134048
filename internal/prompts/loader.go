package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

const partialsPath = "phases/partials.tmpl"

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // Directories to check for overrides (in priority order)
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for phase templates.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Agent       string `yaml:"agent"`
	Command     string `yaml:"command"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .adw/prompts/
// 2. User config: ~/.config/adw/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".adw", "prompts"))
	}
	if home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", "adw", "prompts"))
	}

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(p string) ([]byte, error) {
	// Check override directories first
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, filepath.FromSlash(p))
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}

	// Fall back to embedded
	return fs.ReadFile(embeddedFS, p)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	// Check for frontmatter delimiter
	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil // No frontmatter
	}

	// Find closing delimiter
	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // Malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:] // Skip closing "---\n"

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "phases/plan.md").
func (l *Loader) LoadTemplate(p string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[p]; ok {
		meta := l.metaCache[p]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(p)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", p, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", p, err)
	}

	partials, err := l.loadContent(partialsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", partialsPath, err)
	}
	tmpl, err := template.New(p).Option("missingkey=zero").Parse(string(partials))
	if err == nil {
		tmpl, err = tmpl.Parse(body)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", p, err)
	}

	l.mu.Lock()
	l.cache[p] = tmpl
	l.metaCache[p] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(p string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(p)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", p, err)
	}
	return buf.String(), nil
}

// PhaseData holds template variables for phase prompts.
type PhaseData struct {
	RunID        string
	Phase        domain.Phase
	WorkItem     string
	Title        string
	Body         string
	IssueClass   string
	Branch       string
	PlanFile     string
	WorkDir      string
	Isolated     bool
	BackendPort  int
	FrontendPort int
	Attempt      int
	Remediation  string
	Pipelines    string
	ParentRunID  string
	FailedPhase  string
	FailureText  string
	PatternID    string
	Extra        map[string]any
}

// DataFromRun fills PhaseData from a run snapshot
func DataFromRun(run *domain.Run, phase domain.Phase, workDir string) PhaseData {
	d := PhaseData{
		RunID:      run.RunID,
		Phase:      phase,
		WorkItem:   run.WorkItem,
		Title:      run.WorkItemTitle,
		Body:       run.WorkItemBody,
		IssueClass: strings.TrimPrefix(run.IssueClass, "/"),
		Branch:     run.BranchName,
		PlanFile:   run.PlanFile,
		WorkDir:    workDir,
		Isolated:   run.Isolated(),
		Extra:      run.Extra,
	}
	if run.Ports != nil {
		d.BackendPort = run.Ports.Backend
		d.FrontendPort = run.Ports.Frontend
	}
	return d
}

// Rendered is a phase prompt ready for the executor
type Rendered struct {
	Prompt  string
	Agent   string
	Command string
}

// PhasePath is the template path of a phase
func PhasePath(phase domain.Phase) string {
	return path.Join("phases", string(phase)+".md")
}

// RenderPhase renders the prompt of a phase. The frontmatter command may
// itself use template actions.
func (l *Loader) RenderPhase(phase domain.Phase, data PhaseData) (*Rendered, error) {
	p := PhasePath(phase)
	prompt, err := l.Execute(p, data)
	if err != nil {
		return nil, err
	}
	_, meta, err := l.LoadTemplate(p)
	if err != nil {
		return nil, err
	}

	r := &Rendered{Prompt: strings.TrimSpace(prompt) + "\n", Agent: string(phase)}
	if meta == nil {
		return r, nil
	}
	if meta.Agent != "" {
		r.Agent = meta.Agent
	}
	if meta.Command != "" {
		cmd, err := template.New(p + "#command").Parse(meta.Command)
		if err != nil {
			return nil, fmt.Errorf("compile command of %s: %w", p, err)
		}
		var buf bytes.Buffer
		if err := cmd.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("execute command of %s: %w", p, err)
		}
		r.Command = buf.String()
	}
	return r, nil
}

// ListPhases returns the metadata of every embedded phase template.
func (l *Loader) ListPhases() ([]*TemplateMeta, error) {
	entries, err := fs.ReadDir(embeddedFS, "phases")
	if err != nil {
		return nil, err
	}

	var result []*TemplateMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		_, meta, err := l.LoadTemplate(path.Join("phases", entry.Name()))
		if err != nil {
			return nil, err
		}
		if meta != nil {
			result = append(result, meta)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
