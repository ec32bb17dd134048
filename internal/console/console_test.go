package console

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

func TestWorkflowStart(t *testing.T) {
	var buf bytes.Buffer
	run := domain.NewRun("a1b2c3d4")
	run.WorkItem = "42"
	run.WorktreePath = "/trees/a1b2c3d4"
	run.Ports = &domain.Ports{Backend: 9103, Frontend: 9203}

	New(&buf).WorkflowStart(run, []domain.Phase{domain.PhasePlan, domain.PhaseBuild})

	out := buf.String()
	assert.Contains(t, out, "ADW workflow")
	assert.Contains(t, out, "a1b2c3d4")
	assert.Contains(t, out, "plan → build")
	assert.Contains(t, out, "9103 / 9203")
}

func TestBannerSkipsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Banner("Title", Field{"Shown", "yes"}, Field{"Hidden", ""})

	assert.Contains(t, buf.String(), "Shown")
	assert.NotContains(t, buf.String(), "Hidden")
}

func TestPhaseResult(t *testing.T) {
	var buf bytes.Buffer
	c := New(&buf)

	c.PhaseResult(domain.PhaseBuild, &domain.PhaseResult{Success: true}, 2*time.Second)
	c.PhaseResult(domain.PhaseVerify, domain.Failed("2 tests failed\nmore detail", domain.RetryNone), time.Second)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "✓ build")
	assert.Contains(t, lines[1], "✗ verify")
	assert.Contains(t, lines[1], "2 tests failed")
	assert.NotContains(t, lines[1], "more detail")
}

func TestFailureReport(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).FailureReport(Failure{
		RunID:      "r1",
		Phase:      domain.PhaseVerify,
		Text:       "ModuleNotFoundError: No module named 'requests'",
		PatternID:  "a1b2c3d4e5f6",
		Confidence: domain.ConfidenceMedium,
		Fix:        &domain.Fix{File: "requirements.txt", Before: "flask", After: "flask\nrequests"},
		Attempts:   2,
	})

	out := buf.String()
	for _, want := range []string{"Phase failed", "verify", "a1b2c3d4e5f6", "medium", "requirements.txt", "before:", "    requests", "No module named"} {
		assert.Contains(t, out, want)
	}
}

func TestDiagnosis(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Diagnosis(&domain.Diagnosis{PatternID: "p1", Confidence: domain.ConfidenceLow, Category: "import", Score: 0.12, NewPattern: true})

	out := buf.String()
	assert.Contains(t, out, "Diagnosis: low")
	assert.Contains(t, out, "0.12")
	assert.Contains(t, out, "New")
}

func TestRunsSortedByUpdate(t *testing.T) {
	var buf bytes.Buffer
	older := domain.NewRun("older")
	newer := domain.NewRun("newer")
	newer.UpdatedAt = older.UpdatedAt.Add(time.Minute)

	New(&buf).Runs([]*domain.Run{older, newer})

	out := buf.String()
	assert.Less(t, strings.Index(out, "newer"), strings.Index(out, "older"))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "c\nd", tail("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a", tail("a", 5))
}
