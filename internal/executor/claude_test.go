//go:build unix

package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// fakeClaude writes an executable shell script standing in for the CLI
func fakeClaude(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestClaudeExecutorSuccess(t *testing.T) {
	work := t.TempDir()
	agents := t.TempDir()
	bin := fakeClaude(t, `echo "$@" > "$PWD/args.txt"
echo "$ADW_RUN_ID" > "$PWD/env.txt"
cat <<'EOF'
{"type":"system","subtype":"init","session_id":"s-1"}
{"type":"result","subtype":"success","is_error":false,"result":"Planned.\n{\"plan_file\": \"specs/plan.md\"}","session_id":"s-1"}
EOF
`)

	e := NewClaudeExecutor(bin, agents, nil)
	res, err := e.Execute(context.Background(), Request{
		RunID: "r1", Phase: domain.PhasePlan, AgentName: "sdlc_planner", Command: "/feature",
		Model: "opus", WorkDir: work, Prompt: "plan it", Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.FailureText)
	assert.Equal(t, "specs/plan.md", res.Output["plan_file"])
	assert.Equal(t, "s-1", res.SessionID)

	args, err := os.ReadFile(filepath.Join(work, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(args), "--model opus")
	assert.Contains(t, string(args), "--output-format stream-json")

	env, _ := os.ReadFile(filepath.Join(work, "env.txt"))
	assert.Equal(t, "r1\n", string(env))

	transcript, err := os.ReadFile(filepath.Join(agents, "r1", "sdlc_planner", TranscriptFile))
	require.NoError(t, err)
	assert.Contains(t, string(transcript), `"type":"result"`)
	assert.FileExists(t, filepath.Join(agents, "r1", "sdlc_planner", "prompts", "feature.txt"))
}

func TestClaudeExecutorRerunUsesFreshSession(t *testing.T) {
	work := t.TempDir()
	agents := t.TempDir()
	bin := fakeClaude(t, `echo "$@" >> "$PWD/args.txt"
echo '{"type":"result","subtype":"success","is_error":false,"result":"done"}'
`)
	e := NewClaudeExecutor(bin, agents, nil)
	req := Request{RunID: "r1", Phase: domain.PhaseBuild, AgentName: "sdlc_implementor", WorkDir: work, Prompt: "build it", Attempt: 1}

	var ids []string
	for range 2 {
		res, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
		require.True(t, res.Success, res.FailureText)
		ids = append(ids, res.SessionID)
	}
	assert.NotEqual(t, ids[0], ids[1])

	args, err := os.ReadFile(filepath.Join(work, "args.txt"))
	require.NoError(t, err)
	calls := strings.Split(strings.TrimSpace(string(args)), "\n")
	require.Len(t, calls, 2)
	for i, call := range calls {
		assert.Contains(t, call, "--session-id "+ids[i])
	}

	sessions, err := os.ReadFile(filepath.Join(agents, "r1", "sdlc_implementor", SessionsFile))
	require.NoError(t, err)
	assert.Equal(t, ids[0]+"\n"+ids[1]+"\n", string(sessions))
}

func TestClaudeExecutorNonZeroExit(t *testing.T) {
	bin := fakeClaude(t, "echo 'rate limited' >&2\nexit 1\n")
	e := NewClaudeExecutor(bin, t.TempDir(), nil)

	res, err := e.Execute(context.Background(), Request{RunID: "r1", Phase: domain.PhaseBuild, WorkDir: t.TempDir(), Prompt: "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.RetryClaudeCodeError, res.RetryCode)
	assert.Contains(t, res.FailureText, "rate limited")
}

func TestClaudeExecutorTimeout(t *testing.T) {
	bin := fakeClaude(t, "exec sleep 10\n")
	e := NewClaudeExecutor(bin, t.TempDir(), nil)

	start := time.Now()
	res, err := e.Execute(context.Background(), Request{
		RunID: "r1", Phase: domain.PhaseVerify, WorkDir: t.TempDir(), Prompt: "x", Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 8*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, domain.RetryTimeout, res.RetryCode)
	assert.Contains(t, res.FailureText, "timed out")
}

func TestClaudeExecutorCancellation(t *testing.T) {
	bin := fakeClaude(t, "exec sleep 10\n")
	e := NewClaudeExecutor(bin, t.TempDir(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := e.Execute(ctx, Request{RunID: "r1", Phase: domain.PhaseBuild, WorkDir: t.TempDir(), Prompt: "x"})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClaudeExecutorMissingBinary(t *testing.T) {
	e := NewClaudeExecutor("adw-no-such-claude-binary", t.TempDir(), nil)
	res, err := e.Execute(context.Background(), Request{RunID: "r1", Phase: domain.PhasePlan, WorkDir: t.TempDir(), Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.NoRetry, res.RetryCode)
}
