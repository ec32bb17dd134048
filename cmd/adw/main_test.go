package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/config"
	"github.com/hochfrequenz/adw-orchestrator/internal/console"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/notify"
	"github.com/hochfrequenz/adw-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/adw-orchestrator/internal/state"
)

func TestSelectPhases(t *testing.T) {
	tests := []struct {
		name     string
		pipeline string
		from, to string
		want     []domain.Phase
		wantErr  bool
	}{
		{name: "nothing selected"},
		{name: "named", pipeline: "plan_build", want: []domain.Phase{domain.PhasePlan, domain.PhaseBuild}},
		{name: "unknown name", pipeline: "deploy", wantErr: true},
		{name: "from only", from: "review", want: []domain.Phase{domain.PhaseReview, domain.PhasePublish, domain.PhaseShip}},
		{name: "to only", to: "build", want: []domain.Phase{domain.PhasePlan, domain.PhaseBuild}},
		{name: "range", from: "build", to: "verify", want: []domain.Phase{domain.PhaseBuild, domain.PhaseVerify}},
		{name: "reversed", from: "ship", to: "plan", wantErr: true},
		{name: "auxiliary phase", from: "doctor", wantErr: true},
		{name: "conflicting flags", pipeline: "sdlc", from: "plan", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := selectPhases(tt.pipeline, tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadSnapshot(t *testing.T) {
	run, err := readSnapshot(strings.NewReader(`{"runId": "ab12cd34", "issueClass": "/bug", "state": "planned", "plan_file": "specs/p.md", "coverage": 0.8}`))
	require.NoError(t, err)
	assert.Equal(t, "ab12cd34", run.RunID)
	assert.Equal(t, "/bug", run.IssueClass)
	assert.Equal(t, domain.StatePlanned, run.State)
	assert.Equal(t, "specs/p.md", run.PlanFile)
	assert.Equal(t, 0.8, run.Extra["coverage"])
	assert.Equal(t, domain.TierStandard, run.ComplexityTier)

	_, err = readSnapshot(strings.NewReader(`{"state": "planned"}`))
	assert.ErrorContains(t, err, "no run_id")

	_, err = readSnapshot(strings.NewReader(`not json`))
	assert.Error(t, err)
}

func TestBuildNotifier(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.IssueComments = false
	assert.IsType(t, notify.NoopNotifier{}, buildNotifier(cfg, nil))

	cfg.Notifications.SlackWebhook = "https://hooks.slack.example/x"
	cfg.Notifications.Desktop = true
	assert.IsType(t, &notify.MultiNotifier{}, buildNotifier(cfg, nil))
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := consoleSink(console.New(&buf))
	start := time.Now()

	sink(pipeline.Event{Type: pipeline.EventPhaseStarted, RunID: "r1", Phase: domain.PhaseVerify, Attempt: 1, Time: start})
	sink(pipeline.Event{Type: pipeline.EventFixApplied, RunID: "r1", Phase: domain.PhaseVerify, PatternID: "fp-1a2b3c4d", Time: start})
	sink(pipeline.Event{Type: pipeline.EventPhaseStarted, RunID: "r1", Phase: domain.PhaseVerify, Attempt: 2, Time: start})
	sink(pipeline.Event{Type: pipeline.EventPhaseSucceeded, RunID: "r1", Phase: domain.PhaseVerify, Time: start.Add(3 * time.Second)})
	sink(pipeline.Event{Type: pipeline.EventRunFailed, RunID: "r2", Phase: domain.PhaseBuild, Message: "compile error"})

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "verify r1"), "one section per phase")
	assert.Contains(t, out, "fp-1a2b3c4d")
	assert.Contains(t, out, "✓")
	assert.Contains(t, out, "compile error")
}

func TestReportFailure(t *testing.T) {
	var buf bytes.Buffer
	reportFailure(console.New(&buf), &pipeline.PhaseError{
		RunID: "r1", Phase: domain.PhaseBuild, Text: "boom", PatternID: "fp-0001", Confidence: domain.ConfidenceLow, Attempts: 1,
	})
	assert.Contains(t, buf.String(), "fp-0001")
	assert.Contains(t, buf.String(), "boom")

	buf.Reset()
	reportFailure(console.New(&buf), os.ErrNotExist)
	assert.Empty(t, buf.String())
}

func TestStateCommands(t *testing.T) {
	root := t.TempDir()
	cfgPath := filepath.Join(root, "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[general]
project_root = "`+filepath.ToSlash(root)+`"
agents_dir = "agents"
trees_dir = "trees"
`), 0644))

	store := state.New(filepath.Join(root, "agents"))
	_, err := store.Create("ab12cd34")
	require.NoError(t, err)
	_, err = store.Update("ab12cd34", map[string]any{"state": "built", "work_item": "42"})
	require.NoError(t, err)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"state", "show", "ab12cd34", "--config", cfgPath})
	require.NoError(t, rootCmd.Execute())

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "built", got["state"])
	assert.Equal(t, "42", got["work_item"])

	out.Reset()
	rootCmd.SetArgs([]string{"state", "list", "--json", "--state", "built", "--config", cfgPath})
	require.NoError(t, rootCmd.Execute())
	var runs []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "ab12cd34", runs[0]["run_id"])
}
