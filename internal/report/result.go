package report

// If the wrapper crashes, the handler result MUST still be returned.
// If we are unsure, DO LESS.

import (
	"time"

	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
)

// OutcomeTimeout marks an invocation whose watchdog fired.
const OutcomeTimeout = "timeout"

// Result is the immutable record of one guarded invocation. Set once,
// never change.
type Result struct {
	RequestID    string `json:"request_id,omitempty"`
	Handler      string `json:"handler,omitempty"`
	FunctionName string `json:"function_name,omitempty"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration_ns"`

	// Outcome is success, error, panic or timeout. A timed out invocation
	// that later failed is still reported as a timeout.
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
	Watched bool   `json:"watched"`
}

// NewResult freezes a guard outcome.
func NewResult(o guard.Outcome) *Result {
	r := &Result{
		RequestID:    o.RequestID,
		Handler:      o.Handler,
		FunctionName: o.FunctionName,
		StartTime:    o.Started,
		EndTime:      o.Started.Add(o.Duration),
		Duration:     o.Duration,
		Outcome:      metrics.OutcomeSuccess,
		Watched:      o.Watched,
	}
	if o.Err != nil {
		r.Error = o.Err.Error()
		r.Outcome = metrics.OutcomeError
	}
	if o.Panicked {
		r.Outcome = metrics.OutcomePanic
	}
	if o.TimedOut {
		r.Outcome = OutcomeTimeout
	}
	return r
}

// Incident reports whether the result belongs in the incident log.
func (r *Result) Incident() bool {
	return r.Outcome != metrics.OutcomeSuccess
}

// LogSummary emits a one-line summary of the invocation.
func (r *Result) LogSummary(l *logging.Logger) {
	fields := map[string]interface{}{
		"request_id":       r.RequestID,
		"handler":          r.Handler,
		"outcome":          r.Outcome,
		"duration_seconds": r.Duration.Seconds(),
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	logging.OrDefault(l).Info("Invocation finished", fields)
}
