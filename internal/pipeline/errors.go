package pipeline

import (
	"errors"
	"fmt"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

var (
	// ErrPhaseFailed matches every *PhaseError
	ErrPhaseFailed = errors.New("phase failed")
	// ErrNotFailed is returned when retrying a run that has not failed
	ErrNotFailed = errors.New("run has not failed")
)

// PhaseError is the failure report of a phase that could not be completed
type PhaseError struct {
	RunID      string
	Phase      domain.Phase
	Text       string
	RetryCode  domain.RetryCode
	PatternID  string
	Confidence domain.Confidence
	Fix        *domain.Fix
	NewPattern bool
	// Attempts counts executions of the phase including automatic retries
	Attempts int
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("run %s: %s failed after %d attempt(s)", e.RunID, e.Phase, e.Attempts)
	if e.PatternID != "" {
		msg += fmt.Sprintf(" (pattern %s, %s confidence)", e.PatternID, e.Confidence)
	}
	return msg
}

// Unwrap lets errors.Is(err, ErrPhaseFailed) match
func (e *PhaseError) Unwrap() error { return ErrPhaseFailed }

func newPhaseError(run *domain.Run, phase domain.Phase, res *domain.PhaseResult, diag *domain.Diagnosis, attempts int) *PhaseError {
	e := &PhaseError{
		RunID:     run.RunID,
		Phase:     phase,
		Text:      res.FailureText,
		RetryCode: res.RetryCode,
		Attempts:  attempts,
	}
	if diag != nil {
		e.PatternID = diag.PatternID
		e.Confidence = diag.Confidence
		e.Fix = diag.Fix
		e.NewPattern = diag.NewPattern
	}
	return e
}
