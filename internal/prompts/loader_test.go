package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

func TestLoaderLoadEmbedded(t *testing.T) {
	loader := NewLoader() // No override dirs

	tmpl, meta, err := loader.LoadTemplate("phases/build.md")
	require.NoError(t, err)
	require.NotNil(t, tmpl)
	require.NotNil(t, meta)
	assert.Equal(t, "build", meta.ID)
	assert.Equal(t, "sdlc_implementor", meta.Agent)
	assert.Equal(t, "/implement", meta.Command)
}

func TestEveryPipelinePhaseHasTemplate(t *testing.T) {
	loader := NewLoader()
	phases := append([]domain.Phase{domain.PhaseClassify, domain.PhaseResolve, domain.PhaseDoctor}, domain.Pipeline...)

	for _, phase := range phases {
		t.Run(string(phase), func(t *testing.T) {
			r, err := loader.RenderPhase(phase, PhaseData{RunID: "a1b2c3d4", Phase: phase, WorkItem: "42"})
			require.NoError(t, err)
			assert.NotEmpty(t, r.Prompt)
			assert.NotEmpty(t, r.Agent)
			assert.True(t, strings.HasPrefix(r.Command, "/"), r.Command)
		})
	}
}

func TestRenderPhaseFromRun(t *testing.T) {
	run := domain.NewRun("a1b2c3d4")
	run.WorkItem = "42"
	run.WorkItemTitle = "Add login page"
	run.IssueClass = "/bug"
	run.BranchName = "bug-issue-42-adw-a1b2c3d4-add-login-page"
	run.WorktreePath = "/trees/a1b2c3d4"
	run.Ports = &domain.Ports{Backend: 9105, Frontend: 9205}

	r, err := NewLoader().RenderPhase(domain.PhasePlan, DataFromRun(run, domain.PhasePlan, run.WorktreePath))
	require.NoError(t, err)
	assert.Equal(t, "/bug", r.Command)
	assert.Equal(t, "sdlc_planner", r.Agent)
	assert.Contains(t, r.Prompt, "Add login page")
	assert.Contains(t, r.Prompt, "9105")
	assert.Contains(t, r.Prompt, "specs/issue-42-adw-a1b2c3d4.md")
	assert.NotContains(t, r.Prompt, "previous attempt")
}

func TestRenderPhaseRemediation(t *testing.T) {
	data := PhaseData{RunID: "r1", Branch: "b", Remediation: "Install the missing package."}
	r, err := NewLoader().RenderPhase(domain.PhaseVerify, data)
	require.NoError(t, err)
	assert.Contains(t, r.Prompt, "previous attempt")
	assert.Contains(t, r.Prompt, "Install the missing package.")
}

func TestRenderDoctor(t *testing.T) {
	data := PhaseData{RunID: "r1", FailedPhase: "verify", FailureText: "E   AssertionError: expected 200", PatternID: "fp-1a2b3c4d", WorkDir: "/trees/r1"}
	r, err := NewLoader().RenderPhase(domain.PhaseDoctor, data)
	require.NoError(t, err)
	assert.Equal(t, "test_doctor", r.Agent)
	assert.Equal(t, "/test_doctor", r.Command)
	assert.Contains(t, r.Prompt, "/test_doctor r1 fp-1a2b3c4d")
	assert.Contains(t, r.Prompt, "AssertionError: expected 200")
	assert.Contains(t, r.Prompt, `"root_cause"`)
}

func TestRenderShipUsesExtra(t *testing.T) {
	data := PhaseData{Branch: "b", Extra: map[string]any{"pr_url": "https://example.test/pull/7"}}
	r, err := NewLoader().RenderPhase(domain.PhaseShip, data)
	require.NoError(t, err)
	assert.Contains(t, r.Prompt, "https://example.test/pull/7")
}

func TestLoaderOverride(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(tmpDir, "phases"), 0o755))

	customContent := `---
id: verify
agent: custom_tester
command: /custom_test
---
CUSTOM verify for {{.RunID}}
`
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "phases", "verify.md"), []byte(customContent), 0o644))

	r, err := NewLoader(tmpDir).RenderPhase(domain.PhaseVerify, PhaseData{RunID: "r9"})
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM verify for r9\n", r.Prompt)
	assert.Equal(t, "custom_tester", r.Agent)
	assert.Equal(t, "/custom_test", r.Command)
}

func TestLoaderOverridePrecedence(t *testing.T) {
	projectDir := t.TempDir()
	userDir := t.TempDir()
	for dir, content := range map[string]string{projectDir: "PROJECT {{.RunID}}", userDir: "USER {{.RunID}}"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "phases"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "phases", "plan.md"), []byte(content), 0o644))
	}

	result, err := NewLoader(projectDir, userDir).Execute("phases/plan.md", PhaseData{RunID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "PROJECT x", result)
}

func TestLoaderFallbackToEmbedded(t *testing.T) {
	r, err := NewLoader(t.TempDir()).RenderPhase(domain.PhaseBuild, PhaseData{PlanFile: "specs/p.md"})
	require.NoError(t, err)
	assert.Contains(t, r.Prompt, "/implement specs/p.md")
}

func TestListPhases(t *testing.T) {
	metas, err := NewLoader().ListPhases()
	require.NoError(t, err)
	var ids []string
	for _, m := range metas {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"build", "classify", "doctor", "plan", "publish", "resolve", "review", "ship", "verify"}, ids)
}

func TestClearCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "phases"), 0o755))
	path := filepath.Join(dir, "phases", "ship.md")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	loader := NewLoader(dir)
	first, err := loader.Execute("phases/ship.md", nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))

	cached, _ := loader.Execute("phases/ship.md", nil)
	assert.Equal(t, first, cached)

	loader.ClearCache()
	fresh, _ := loader.Execute("phases/ship.md", nil)
	assert.Equal(t, "two", fresh)
}
