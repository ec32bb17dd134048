package workitem

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/executor"
	"github.com/hochfrequenz/adw-orchestrator/internal/prompts"
)

var (
	workflowKeyword = regexp.MustCompile(`\badw_([a-z_]+)\b`)
	runToken        = regexp.MustCompile(`(?i)\brun[_ ]?(?:id)?:\s*([A-Za-z0-9][A-Za-z0-9_-]{0,63})`)
	elevatedHint    = regexp.MustCompile(`(?i)\bcomplexity:\s*elevated\b`)
)

// Renderer renders phase prompts
type Renderer interface {
	RenderPhase(phase domain.Phase, data prompts.PhaseData) (*prompts.Rendered, error)
}

// ModelSelector picks the model of a phase
type ModelSelector interface {
	Select(phase domain.Phase, run *domain.Run) string
}

// Classifier decides which workflow a work item asks for. Explicit
// keywords in the body are read directly; anything else goes through the
// agent's classify phase.
type Classifier struct {
	prompts  Renderer
	executor executor.Executor
	selector ModelSelector
	workDir  string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewClassifier creates a Classifier. With a nil executor only the
// keyword fast path is used.
func NewClassifier(r Renderer, exec executor.Executor, sel ModelSelector, workDir string, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{prompts: r, executor: exec, selector: sel, workDir: workDir, timeout: 5 * time.Minute, logger: logger}
}

// FastPath extracts an explicitly requested workflow from the item text.
// ok is false when the text names no known pipeline.
func FastPath(item domain.WorkItem) (req domain.WorkflowRequest, ok bool) {
	text := item.Title + "\n" + item.Body
	req = hints(item)
	for _, m := range workflowKeyword.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSuffix(m[1], "_iso")
		if _, known := domain.NamedPipelines[name]; known {
			req.HasWorkflow = true
			req.Pipeline = name
			return req, true
		}
	}
	return req, false
}

// hints reads the run ID, tier and class hints that may accompany any request
func hints(item domain.WorkItem) domain.WorkflowRequest {
	req := domain.WorkflowRequest{Tier: domain.TierStandard, IssueClass: classFromLabels(item.Labels)}
	if m := runToken.FindStringSubmatch(item.Body); m != nil && domain.ValidRunID(m[1]) {
		req.RunID = m[1]
	}
	if elevatedHint.MatchString(item.Body) {
		req.Tier = domain.TierElevated
	}
	return req
}

func classFromLabels(labels []string) string {
	for _, l := range labels {
		switch strings.ToLower(l) {
		case "bug":
			return "/bug"
		case "chore", "maintenance":
			return "/chore"
		case "enhancement", "feature":
			return "/feature"
		}
	}
	return ""
}

// Classify returns the workflow requested by item
func (c *Classifier) Classify(ctx context.Context, item domain.WorkItem) (domain.WorkflowRequest, error) {
	if req, ok := FastPath(item); ok {
		c.logger.Debug("workflow keyword found", "work_item", item.ID, "pipeline", req.Pipeline)
		return req, nil
	}
	base := hints(item)
	if c.executor == nil || c.prompts == nil {
		return base, nil
	}

	names := make([]string, 0, len(domain.NamedPipelines))
	for name := range domain.NamedPipelines {
		names = append(names, name)
	}
	slices.Sort(names)

	rendered, err := c.prompts.RenderPhase(domain.PhaseClassify, prompts.PhaseData{
		Phase:     domain.PhaseClassify,
		WorkItem:  item.ID,
		Title:     item.Title,
		Body:      item.Body,
		WorkDir:   c.workDir,
		Pipelines: strings.Join(names, ", "),
	})
	if err != nil {
		return base, fmt.Errorf("render classify prompt: %w", err)
	}

	model := ""
	if c.selector != nil {
		model = c.selector.Select(domain.PhaseClassify, nil)
	}
	req := executor.Request{
		RunID:     "classify-" + domain.NewRunID(),
		Phase:     domain.PhaseClassify,
		AgentName: rendered.Agent,
		Command:   rendered.Command,
		Model:     model,
		WorkDir:   c.workDir,
		Prompt:    rendered.Prompt,
		Timeout:   c.timeout,
		Attempt:   1,
	}
	res, err := c.executor.Execute(ctx, req)
	if err != nil {
		return base, err
	}
	if res == nil || !res.Success {
		text := "no result"
		if res != nil {
			text = res.FailureText
		}
		return base, fmt.Errorf("classify work item %s: %s", item.ID, firstLine(text))
	}

	out := res.Output
	if out == nil {
		out = executor.ExtractJSON(res.Text)
	}
	if out == nil {
		return base, fmt.Errorf("classify work item %s: no JSON in agent output", item.ID)
	}
	return merge(base, out)
}

// merge combines agent output with hints read from the text; explicit
// hints win
func merge(base domain.WorkflowRequest, out map[string]any) (domain.WorkflowRequest, error) {
	req := base
	if v, ok := out["has_workflow"].(bool); ok {
		req.HasWorkflow = v
	}
	if v, _ := out["pipeline"].(string); v != "" {
		name := strings.TrimSuffix(strings.TrimPrefix(v, "adw_"), "_iso")
		if _, known := domain.NamedPipelines[name]; !known {
			return base, fmt.Errorf("agent returned %w", unknownPipeline(v))
		}
		req.Pipeline = name
	}
	if req.HasWorkflow && req.Pipeline == "" {
		req.Pipeline = "sdlc"
	}
	if v, _ := out["run_id"].(string); v != "" && req.RunID == "" && domain.ValidRunID(v) {
		req.RunID = v
	}
	if v, _ := out["complexity"].(string); v != "" && req.Tier == domain.TierStandard {
		if t, err := domain.ParseTier(v); err == nil {
			req.Tier = t
		}
	}
	if v, _ := out["issue_class"].(string); v != "" && req.IssueClass == "" {
		req.IssueClass = "/" + strings.TrimPrefix(strings.ToLower(v), "/")
	}
	return req, nil
}

type unknownPipeline string

func (u unknownPipeline) Error() string { return fmt.Sprintf("unknown pipeline %q", string(u)) }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
