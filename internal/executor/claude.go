package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// TranscriptFile is the raw stream-json output of one agent
const TranscriptFile = "raw_output.jsonl"

// SessionsFile lists every session ID an agent has used, one per line
const SessionsFile = "sessions.txt"

// ClaudeExecutor runs phases through the Claude Code CLI
type ClaudeExecutor struct {
	claudePath string
	agentsDir  string
	logger     *slog.Logger
}

// NewClaudeExecutor creates an executor writing transcripts under agentsDir
func NewClaudeExecutor(claudePath, agentsDir string, logger *slog.Logger) *ClaudeExecutor {
	if claudePath == "" {
		claudePath = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeExecutor{claudePath: claudePath, agentsDir: agentsDir, logger: logger}
}

// AgentDir is where the transcript and prompts of one agent live
func (e *ClaudeExecutor) AgentDir(runID, agent string) string {
	return filepath.Join(e.agentsDir, runID, agent)
}

// claudeResultMessage represents the final result message from Claude Code
type claudeResultMessage struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`
	Result    string  `json:"result,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	CostUSD   float64 `json:"total_cost_usd,omitempty"`
	NumTurns  int     `json:"num_turns,omitempty"`
}

// Execute runs the request to completion, its timeout, or cancellation of ctx
func (e *ClaudeExecutor) Execute(ctx context.Context, req Request) (*domain.PhaseResult, error) {
	if req.Prompt == "" {
		return domain.Failed("agent has no prompt", domain.NoRetry), nil
	}
	agent := req.AgentName
	if agent == "" {
		agent = string(req.Phase)
	}
	dir := e.AgentDir(req.RunID, agent)
	if err := writePrompt(filepath.Join(dir, "prompts"), req.Command, req.Prompt); err != nil {
		return domain.Failed(fmt.Sprintf("saving prompt: %v", err), domain.RetryExecutionError), nil
	}
	transcript, err := os.Create(filepath.Join(dir, TranscriptFile))
	if err != nil {
		return domain.Failed(fmt.Sprintf("creating transcript: %v", err), domain.RetryExecutionError), nil
	}
	defer transcript.Close()

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	req.Invocation, err = countSessions(filepath.Join(dir, SessionsFile))
	if err != nil {
		return domain.Failed(fmt.Sprintf("reading sessions: %v", err), domain.RetryExecutionError), nil
	}
	sessionID := SessionID(req)
	if err := appendLine(filepath.Join(dir, SessionsFile), sessionID); err != nil {
		return domain.Failed(fmt.Sprintf("recording session: %v", err), domain.RetryExecutionError), nil
	}
	cmd := exec.CommandContext(runCtx, e.claudePath, e.args(req, sessionID)...)
	cmd.Dir = req.WorkDir
	cmd.Env = SafeEnv(os.Environ(), withRunEnv(req))
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return domain.Failed(err.Error(), domain.RetryExecutionError), nil
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	log := e.logger.With("run_id", req.RunID, "phase", req.Phase, "agent", agent, "model", req.Model)
	log.Debug("starting agent", "session_id", sessionID, "workdir", req.WorkDir)

	if err := cmd.Start(); err != nil {
		code := domain.RetryExecutionError
		if errors.Is(err, exec.ErrNotFound) {
			code = domain.NoRetry
		}
		return domain.Failed(fmt.Sprintf("starting %s: %v", e.claudePath, err), code), nil
	}

	result, lines := scanStream(stdout, transcript)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		log.Info("agent cancelled")
		return nil, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Warn("agent timed out", "timeout", req.Timeout)
		res := domain.Failed(fmt.Sprintf("%s phase timed out after %s", req.Phase, req.Timeout), domain.RetryTimeout)
		res.SessionID = sessionID
		return res, nil
	}

	res := interpret(result, waitErr, stderr.String(), lines)
	if res.SessionID == "" {
		res.SessionID = sessionID
	}
	log.Info("agent finished", "success", res.Success, "retry_code", res.RetryCode)
	return res, nil
}

func (e *ClaudeExecutor) args(req Request, sessionID string) []string {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json",
		"--session-id", sessionID,
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, "-p", req.Prompt)
}

func withRunEnv(req Request) map[string]string {
	env := map[string]string{
		"ADW_RUN_ID": req.RunID,
		"ADW_PHASE":  string(req.Phase),
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

// scanStream copies stream-json lines into the transcript and returns the
// last result message plus the tail of the output
func scanStream(r io.Reader, transcript io.Writer) (*claudeResultMessage, []string) {
	var result *claudeResultMessage
	var tail []string

	scanner := bufio.NewScanner(r)
	// Increase buffer size for long JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(transcript, line)

		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}

		var msg claudeResultMessage
		if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Type == "result" {
			m := msg
			result = &m
		}
	}
	// drain so the process never blocks on a full pipe
	io.Copy(io.Discard, r)
	return result, tail
}

// interpret maps the agent's final message and exit status to a PhaseResult
func interpret(result *claudeResultMessage, waitErr error, stderr string, tail []string) *domain.PhaseResult {
	if result == nil {
		text := strings.TrimSpace(stderr)
		if text == "" {
			text = extractErrorFromOutput(tail)
		}
		if text == "" && waitErr != nil {
			text = waitErr.Error()
		}
		if text == "" {
			text = "agent produced no result message"
		}
		return domain.Failed(text, domain.RetryClaudeCodeError)
	}

	switch {
	case result.Subtype == "error_during_execution":
		text := result.Result
		if text == "" {
			text = "error during execution"
		}
		res := domain.Failed(text, domain.RetryErrorDuringExecution)
		res.SessionID = result.SessionID
		return res
	case result.IsError || waitErr != nil:
		text := result.Result
		if text == "" && waitErr != nil {
			text = waitErr.Error()
		}
		res := domain.Failed(text, domain.RetryClaudeCodeError)
		res.SessionID = result.SessionID
		return res
	}

	res := &domain.PhaseResult{
		Success:   true,
		Text:      result.Result,
		Output:    ExtractJSON(result.Result),
		SessionID: result.SessionID,
		RetryCode: domain.RetryNone,
	}
	// agents report their own failures as {"success": false, ...}
	if ok, isBool := res.Output["success"].(bool); isBool && !ok {
		res.Success = false
		res.FailureText = reportedFailure(res.Output, result.Result)
	}
	return res
}

func reportedFailure(out map[string]any, fallback string) string {
	for _, key := range []string{"error", "errors", "failure", "failures", "message"} {
		switch v := out[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				if b, err := json.Marshal(p); err == nil {
					parts = append(parts, strings.Trim(string(b), `"`))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n")
			}
		}
	}
	return fallback
}

// extractErrorFromOutput scans the output tail for a Claude Code error message
func extractErrorFromOutput(tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		line := tail[i]
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var claudeErr struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &claudeErr); err == nil && claudeErr.Type == "error" && claudeErr.Error != "" {
			return claudeErr.Error
		}
	}
	return ""
}

func writePrompt(dir, command, prompt string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := strings.TrimPrefix(command, "/")
	if name == "" {
		name = "prompt"
	}
	return os.WriteFile(filepath.Join(dir, name+".txt"), []byte(prompt), 0o644)
}

// countSessions returns how many sessions the file records
func countSessions(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return bytes.Count(data, []byte("\n")), nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// tailBuffer keeps the last 16KB written to it
type tailBuffer struct {
	buf bytes.Buffer
}

const tailLimit = 16 * 1024

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if over := t.buf.Len() - tailLimit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
