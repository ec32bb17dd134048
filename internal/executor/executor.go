// Package executor invokes the coding agent that performs a phase's work.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// orchestratorNamespace is a fixed UUID namespace for generating deterministic session IDs
var orchestratorNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Request is one agent invocation
type Request struct {
	RunID     string
	Phase     domain.Phase
	AgentName string
	// Command names the prompt template, used for the saved prompt file
	Command string
	Model   string
	WorkDir string
	Prompt  string
	Timeout time.Duration
	// Attempt counts orchestrator level retries of the phase
	Attempt int
	// Retry counts executor level retries within one attempt
	Retry int
	// Invocation counts earlier sessions of the same agent for the run,
	// so re-running a phase never reuses a session ID
	Invocation int
	Env   map[string]string
}

// Executor runs one phase request and reports its structured result.
// A returned error means the request could not be judged at all (the
// parent context was cancelled); agent failures come back as a failed
// PhaseResult.
type Executor interface {
	Execute(ctx context.Context, req Request) (*domain.PhaseResult, error)
}

// Func adapts a function to Executor
type Func func(ctx context.Context, req Request) (*domain.PhaseResult, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, req Request) (*domain.PhaseResult, error) {
	return f(ctx, req)
}

// SessionID derives the deterministic agent session ID of a request
func SessionID(req Request) string {
	key := fmt.Sprintf("%s/%s/%d/%d/%d", req.RunID, req.AgentName, req.Attempt, req.Retry, req.Invocation)
	return uuid.NewSHA1(orchestratorNamespace, []byte(key)).String()
}

var safeEnvKeys = map[string]bool{
	"HOME": true, "PATH": true, "USER": true, "LOGNAME": true, "SHELL": true,
	"LANG": true, "LC_ALL": true, "TERM": true, "TMPDIR": true, "TZ": true,
	"ANTHROPIC_API_KEY": true, "GITHUB_TOKEN": true, "GH_TOKEN": true,
	"GITHUB_PAT": true, "SSH_AUTH_SOCK": true, "NODE_OPTIONS": true,
}

var safeEnvPrefixes = []string{"CLAUDE_", "ADW_", "XDG_", "GIT_"}

// SafeEnv keeps only the variables an agent subprocess needs from environ
// and adds extra on top
func SafeEnv(environ []string, extra map[string]string) []string {
	var out []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, overridden := extra[key]; overridden {
			continue
		}
		if safeEnvKeys[key] || hasAnyPrefix(key, safeEnvPrefixes) {
			out = append(out, kv)
		}
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// ExtractJSON returns the last JSON object embedded in text, which may be
// surrounded by prose or markdown fences. Nil when there is none.
func ExtractJSON(text string) map[string]any {
	var found map[string]any
	i := 0
	for i < len(text) {
		off := strings.IndexByte(text[i:], '{')
		if off == -1 {
			break
		}
		start := i + off
		i = start + 1
		end := matchingBrace(text, start)
		if end == -1 {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err == nil {
			found = obj
			i = end + 1
		}
	}
	return found
}

// matchingBrace finds the brace closing the object opened at start,
// skipping braces inside JSON strings
func matchingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
