package domain

import "fmt"

// Phase is one stage of the pipeline
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseBuild   Phase = "build"
	PhaseVerify  Phase = "verify"
	PhaseReview  Phase = "review"
	PhasePublish Phase = "publish"
	PhaseShip    Phase = "ship"

	// Auxiliary agent phases outside the main pipeline
	PhaseClassify Phase = "classify"
	PhaseResolve  Phase = "resolve"
	PhaseDoctor   Phase = "doctor"
)

// Pipeline is the fixed phase order
var Pipeline = []Phase{PhasePlan, PhaseBuild, PhaseVerify, PhaseReview, PhasePublish, PhaseShip}

// ParsePhase converts a string into a known Phase
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	switch p {
	case PhasePlan, PhaseBuild, PhaseVerify, PhaseReview, PhasePublish, PhaseShip,
		PhaseClassify, PhaseResolve, PhaseDoctor:
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Index returns the position of p in the pipeline, or -1 for auxiliary phases
func (p Phase) Index() int {
	for i, q := range Pipeline {
		if q == p {
			return i
		}
	}
	return -1
}

// DoneState returns the state a run reaches when p succeeds
func (p Phase) DoneState() PipelineState {
	switch p {
	case PhasePlan:
		return StatePlanned
	case PhaseBuild:
		return StateBuilt
	case PhaseVerify:
		return StateVerified
	case PhaseReview:
		return StateReviewed
	case PhasePublish:
		return StatePublished
	case PhaseShip:
		return StateShipped
	}
	return ""
}

// PipelineState represents where a run is in the pipeline
type PipelineState string

const (
	StateCreated   PipelineState = "created"
	StatePlanned   PipelineState = "planned"
	StateBuilt     PipelineState = "built"
	StateVerified  PipelineState = "verified"
	StateReviewed  PipelineState = "reviewed"
	StatePublished PipelineState = "published"
	StateShipped   PipelineState = "shipped"
	StateFailed    PipelineState = "failed"
)

// Terminal reports whether no further phase can follow s without intervention
func (s PipelineState) Terminal() bool {
	return s == StateShipped || s == StateFailed
}

// NextPhase returns the phase that follows s in the pipeline.
// The second return is false when the pipeline is complete.
func (s PipelineState) NextPhase() (Phase, bool) {
	if s == "" || s == StateCreated {
		return PhasePlan, true
	}
	for i, p := range Pipeline {
		if p.DoneState() == s {
			if i+1 < len(Pipeline) {
				return Pipeline[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Tier is the agent complexity tier of a run
type Tier string

const (
	TierStandard Tier = "standard"
	TierElevated Tier = "elevated"
)

// ParseTier converts a string into a Tier, defaulting empty input to standard
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "", TierStandard:
		return TierStandard, nil
	case TierElevated:
		return TierElevated, nil
	}
	return "", fmt.Errorf("unknown complexity tier %q", s)
}

// RetryCode classifies a phase failure for remediation
type RetryCode string

const (
	RetryNone                 RetryCode = "none"
	RetryClaudeCodeError      RetryCode = "claude_code_error"
	RetryTimeout              RetryCode = "timeout_error"
	RetryExecutionError       RetryCode = "execution_error"
	RetryErrorDuringExecution RetryCode = "error_during_execution"
	NoRetry                   RetryCode = "no_retry"
)

// PhaseResult is the outcome of one phase execution
type PhaseResult struct {
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Text        string         `json:"text,omitempty"`
	FailureText string         `json:"failure_text,omitempty"`
	RetryCode   RetryCode      `json:"retry_code,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
}

// Failed builds a failed PhaseResult
func Failed(text string, code RetryCode) *PhaseResult {
	return &PhaseResult{FailureText: text, RetryCode: code}
}
