package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// DefaultRetryDelays are the waits between executor level retries
var DefaultRetryDelays = []time.Duration{time.Second, 3 * time.Second, 5 * time.Second}

// Retryable reports whether a failure code is an executor hiccup worth
// retrying without diagnosis
func Retryable(code domain.RetryCode) bool {
	switch code {
	case domain.RetryClaudeCodeError, domain.RetryExecutionError:
		return true
	}
	return false
}

// Retrying retries executor level failures of the wrapped Executor.
// One retry is made per configured delay.
type Retrying struct {
	next   Executor
	delays []time.Duration
	logger *slog.Logger
}

// NewRetrying wraps next. A nil delays slice uses DefaultRetryDelays.
func NewRetrying(next Executor, delays []time.Duration, logger *slog.Logger) *Retrying {
	if delays == nil {
		delays = DefaultRetryDelays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, delays: delays, logger: logger}
}

// Execute runs req, retrying retryable failures
func (r *Retrying) Execute(ctx context.Context, req Request) (*domain.PhaseResult, error) {
	for retry := 0; ; retry++ {
		req.Retry = retry
		res, err := r.next.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Success || !Retryable(res.RetryCode) || retry >= len(r.delays) {
			return res, nil
		}

		delay := r.delays[retry]
		r.logger.Warn("retrying agent",
			"run_id", req.RunID, "phase", req.Phase, "retry_code", res.RetryCode,
			"retry", retry+1, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
