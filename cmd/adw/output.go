package main

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/console"
	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
	"github.com/hochfrequenz/adw-orchestrator/internal/pipeline"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// consoleSink prints phase progress from pipeline events
func consoleSink(c *console.Console) func(pipeline.Event) {
	var mu sync.Mutex
	started := make(map[string]time.Time)
	key := func(e pipeline.Event) string { return e.RunID + "/" + string(e.Phase) }
	elapsed := func(e pipeline.Event) time.Duration {
		t, ok := started[key(e)]
		if !ok {
			return 0
		}
		delete(started, key(e))
		return e.Time.Sub(t)
	}

	return func(e pipeline.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch e.Type {
		case pipeline.EventPhaseStarted:
			if e.Attempt <= 1 {
				c.Section(string(e.Phase) + " " + e.RunID)
			}
			started[key(e)] = e.Time
		case pipeline.EventFixApplied:
			c.Warn("%s: applied fix from %s, retrying", e.Phase, e.PatternID)
		case pipeline.EventPhaseSucceeded:
			c.PhaseResult(e.Phase, &domain.PhaseResult{Success: true}, elapsed(e))
		case pipeline.EventRunFailed:
			c.PhaseResult(e.Phase, domain.Failed(e.Message, domain.RetryNone), elapsed(e))
		}
	}
}

// reportFailure prints the failure report of a phase error
func reportFailure(c *console.Console, err error) {
	var pe *pipeline.PhaseError
	if !errors.As(err, &pe) {
		return
	}
	c.FailureReport(console.Failure{
		RunID:      pe.RunID,
		Phase:      pe.Phase,
		Text:       pe.Text,
		PatternID:  pe.PatternID,
		Confidence: pe.Confidence,
		Fix:        pe.Fix,
		Attempts:   pe.Attempts,
	})
}
