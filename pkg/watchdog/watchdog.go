// Package watchdog implements the one-shot timer that reports an invocation
// shortly before the runtime kills it for exceeding its timeout.
//
// The watchdog is advisory. It never interrupts the handler; it only gathers
// diagnostics while there is still time to ship them.
package watchdog

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/safeinit/internal/suppress"
	"github.com/psantana5/safeinit/pkg/deadletter"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/notify"
	"github.com/psantana5/safeinit/pkg/reporting"
	"github.com/psantana5/safeinit/pkg/tracer"
)

// Trace depths for the error log and the chat notification.
const (
	LogTraceDepth    = 40
	NotifyTraceDepth = 15
)

// State is the lifecycle state of a Watchdog.
type State int32

const (
	Created State = iota
	Running
	Fired
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Fired:
		return "fired"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TimeoutError is produced when the watchdog fires. Traces holds the traced
// calls sorted by total duration, longest first.
type TimeoutError struct {
	Message string
	Traces  []tracer.FunctionCallSummary
}

func (e *TimeoutError) Error() string { return e.Message }

// Config holds the per-invocation inputs of a Watchdog.
type Config struct {
	// Delay until firing. Zero or negative fires right after preloading.
	Delay   time.Duration
	Message string
	// Invocation is forwarded verbatim to the dead-letter destination.
	Invocation  deadletter.Invocation
	Fingerprint []string
}

// Watchdog races a timer against the handler. It fires at most once and a
// Stop before firing suppresses every side effect.
type Watchdog struct {
	cfg Config

	logger         *logging.Logger
	forwarder      deadletter.Forwarder
	reporter       reporting.Reporter
	notifier       notify.Notifier
	session        *tracer.Session
	metrics        *metrics.Metrics
	homePaths      []string
	notifyDisabled bool
	hostStats      bool
	now            func() time.Time

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	err      atomic.Pointer[TimeoutError]
}

// New creates a watchdog in the Created state.
func New(cfg Config, opts ...Option) *Watchdog {
	w := &Watchdog{
		cfg:       cfg,
		reporter:  reporting.Nop{},
		notifier:  notify.Nop{},
		hostStats: true,
		now:       time.Now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current state.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

// Done is closed once the watchdog can no longer act: after firing
// completes, after a stopped wait returns, or on Stop before Start.
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

// Err returns the timeout error once the watchdog has fired, else nil.
func (w *Watchdog) Err() error {
	if e := w.err.Load(); e != nil {
		return e
	}
	return nil
}

// Start launches the timer goroutine. ctx is used for collaborator calls
// made while firing; its cancellation does not stop the watchdog. Start
// never blocks and does nothing unless the watchdog is in Created state.
func (w *Watchdog) Start(ctx context.Context) {
	if !w.state.CompareAndSwap(int32(Created), int32(Running)) {
		return
	}
	go w.run(context.WithoutCancel(ctx))
}

// Stop retires the watchdog. It is idempotent, never blocks, and is a no-op
// once the watchdog has fired. A fire sequence already past its wake point
// runs to completion.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })

	if w.state.CompareAndSwap(int32(Created), int32(Stopped)) {
		w.closeDone()
		return
	}
	if w.state.CompareAndSwap(int32(Running), int32(Stopped)) {
		w.metrics.WatchdogStopped()
	}
}

func (w *Watchdog) closeDone() {
	w.doneOnce.Do(func() { close(w.done) })
}

func (w *Watchdog) run(ctx context.Context) {
	defer w.closeDone()

	log := logging.OrDefault(w.logger)
	started := w.now()
	log.Debug("Timeout thread started", map[string]interface{}{"waiting_time": w.cfg.Delay.Seconds()})

	w.preload(ctx, log)

	wait := w.cfg.Delay - w.now().Sub(started)
	if wait < 0 {
		wait = 0
	}
	log.Debug("Timeout thread waiting", map[string]interface{}{"actual_waiting_time": wait.Seconds()})

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		log.Debug("Timeout thread was stopped")
		return
	case <-timer.C:
	}

	if !w.state.CompareAndSwap(int32(Running), int32(Fired)) {
		log.Debug("Timeout thread was stopped")
		return
	}
	w.fire(ctx, log)
}

// preload warms up the clients used while firing so the fire sequence
// spends its few remaining seconds on network calls.
func (w *Watchdog) preload(ctx context.Context, log *logging.Logger) {
	ok := suppress.Run(log, "preload", func() {
		if w.forwarder != nil {
			if err := w.forwarder.Preload(ctx); err != nil {
				log.Warn("Preloading failed in the timeout thread, proceeding anyway", map[string]interface{}{"error": err.Error()})
			}
		}
	})
	if !ok {
		w.metrics.DiagnosticFailure("preload")
	}
}

func (w *Watchdog) step(log *logging.Logger, name string, fn func()) {
	if !suppress.Run(log, name, fn) {
		w.metrics.DiagnosticFailure(name)
	}
}

func (w *Watchdog) fire(ctx context.Context, log *logging.Logger) {
	log.Debug("Timeout thread processing data before raising")

	inv := w.cfg.Invocation
	hasDLQ := w.forwarder != nil
	isLambda := inv.Context != nil

	if hasDLQ {
		w.step(log, "deadletter", func() { w.forwarder.Forward(ctx, inv) })
	}

	var calls []tracer.FunctionCall
	var summaries []tracer.FunctionCallSummary
	if w.session.Traced() {
		w.step(log, "traces", func() {
			calls = w.session.Calls()
			summaries = tracer.SortByTotal(tracer.Aggregate(calls))
		})
	}

	terr := &TimeoutError{Message: w.cfg.Message, Traces: summaries}

	fields := map[string]interface{}{}
	tags := map[string]string{
		"is_timeout":            "true",
		"timeout_value_seconds": strconv.FormatFloat(w.cfg.Delay.Seconds(), 'f', -1, 64),
		"is_lambda":             strconv.FormatBool(isLambda),
		"has_dlq":               strconv.FormatBool(hasDLQ),
	}
	if isLambda {
		tags["lambda_name"] = inv.Context.Identity()
		fields["lambda_name"] = inv.Context.Identity()
	}
	if w.hostStats {
		w.step(log, "host", func() {
			for k, v := range hostTags(ctx) {
				tags[k] = v
			}
		})
	}

	opts := reporting.CaptureOptions{Fingerprint: w.cfg.Fingerprint, Tags: tags}
	if len(summaries) > 0 {
		opts.Attachments = map[string]interface{}{"longest_calls": summaries}
	}
	captured := false
	w.step(log, "capture", func() { captured = w.reporter.Capture(terr, opts) })
	log.Debug("Sentry capture result", map[string]interface{}{"sentry_capture_result": captured})

	fields["sentry_capture_result"] = captured
	if len(summaries) > 0 {
		fields["longest_calls"] = tracer.Top(summaries, LogTraceDepth)
	}
	w.step(log, "log", func() { log.Exception(w.cfg.Message, terr, fields) })

	if !w.notifyDisabled {
		w.step(log, "notify", func() {
			w.notifier.Notify(ctx, notify.Notification{
				Context:       terr.Error(),
				Err:           terr,
				Handler:       inv.Handler,
				Invocation:    inv.Context,
				CaptureResult: notify.Captured(captured),
				Extra:         tracer.Format(summaries, NotifyTraceDepth, w.homePaths),
			})
		})
	}

	if len(summaries) > 0 {
		log.Warn("All function call summaries", map[string]interface{}{"calls_by_time": summaries})
		log.Warn("All function calls", map[string]interface{}{"raw_call_list": calls})
	}

	w.err.Store(terr)
	w.metrics.WatchdogFired()
	log.Debug("Timeout thread finished", map[string]interface{}{"error": terr.Error()})
}
