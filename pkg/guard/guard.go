// Package guard wraps a handler with timeout pre-emption, failure reporting
// and dead-letter forwarding.
//
// If the wrapper crashes, the handler result MUST still be returned.
// If we are unsure, DO LESS.
// The handler's own error or panic is always passed through unchanged.
package guard

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/safeinit/internal/suppress"
	"github.com/psantana5/safeinit/pkg/deadletter"
	"github.com/psantana5/safeinit/pkg/invocation"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/notify"
	"github.com/psantana5/safeinit/pkg/reporting"
	"github.com/psantana5/safeinit/pkg/tracer"
	"github.com/psantana5/safeinit/pkg/watchdog"
)

// EnvWrapped is set to "1" once a guard has been created in this process.
const EnvWrapped = "SAFE_INIT_WRAPPED"

// Lead time policy.
const (
	NormalLeadTime       = 5 * time.Second
	LongLeadTime         = 10 * time.Second
	LongTimeoutThreshold = 120 * time.Second
)

// Handler is the shape of a Lambda handler working on raw payloads.
type Handler interface {
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Invoke implements Handler.
func (f HandlerFunc) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// Outcome summarizes one guarded invocation.
type Outcome struct {
	Handler      string
	FunctionName string
	RequestID    string
	Started      time.Time
	Duration     time.Duration
	Err          error
	Panicked     bool
	Watched      bool
	TimedOut     bool
}

// Observer receives an Outcome after every invocation.
type Observer interface {
	Observe(Outcome)
}

// LeadTime returns how long before the deadline the watchdog should fire.
// A positive override wins; otherwise budgets under two minutes (rounded to
// the second) get the normal lead time and longer ones the long lead time.
func LeadTime(override, budget time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if budget.Round(time.Second) < LongTimeoutThreshold {
		return NormalLeadTime
	}
	return LongLeadTime
}

// Guard is the ExecutionGuard around one handler. Invocations on one Guard
// are serialized.
type Guard struct {
	inner Handler
	o     options

	mu      sync.Mutex
	current atomic.Pointer[watchdog.Watchdog]
}

// passthrough is returned when wrapping something that is already guarded.
type passthrough struct {
	inner Handler
}

func (p passthrough) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	return p.inner.Invoke(ctx, payload)
}

// New wraps h. Wrapping a handler that is already guarded returns a thin
// pass-through layer instead of a second guard unless WithForceWrap is set.
func New(h Handler, opts ...Option) Handler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if !o.forceWrap {
		switch existing := h.(type) {
		case *Guard:
			logging.OrDefault(o.logger).Warn("Attempted to wrap the same function multiple times")
			return passthrough{inner: existing}
		case passthrough:
			logging.OrDefault(o.logger).Warn("Attempted to wrap the same function multiple times")
			return existing
		}
	}

	_ = os.Setenv(EnvWrapped, "1")
	return &Guard{inner: h, o: o}
}

// Watchdog returns the watchdog of the most recent watched invocation.
func (g *Guard) Watchdog() *watchdog.Watchdog {
	return g.current.Load()
}

// Invoke runs the wrapped handler under the guard.
func (g *Guard) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	started := time.Now()
	log := logging.OrDefault(g.o.logger)

	g.stopWatchdog()
	defer g.stopWatchdog()

	inv := deadletter.Invocation{Payload: payload, Handler: g.o.handlerName}
	ic, watchable := invocation.FromContext(ctx)
	if watchable {
		inv.Context = ic
	}

	var session *tracer.Session
	if watchable && g.o.autoTrace {
		session = tracer.NewSession(tracer.WithLogger(g.o.logger))
		session.Arm()
		defer session.Disarm()
		ctx = tracer.WithSession(ctx, session)
	}

	var wd *watchdog.Watchdog
	if watchable && !g.o.noTimeouts {
		suppress.Run(log, "watchdog start", func() {
			wd = g.startWatchdog(ctx, started, ic, inv, session)
		})
	}

	res := g.call(ctx, payload)
	g.stopWatchdog()

	outcome := Outcome{
		Handler:  g.o.handlerName,
		Started:  started,
		Duration: time.Since(started),
		Err:      res.err,
		Panicked: res.panicked,
		Watched:  wd != nil,
		TimedOut: wd != nil && wd.State() == watchdog.Fired,
	}
	if watchable {
		outcome.FunctionName = ic.Identity()
		outcome.RequestID = ic.RequestID()
	}

	switch {
	case res.panicked:
		perr := &PanicError{Value: res.panicValue, Stack: res.stack}
		outcome.Err = perr
		g.handleFailure(ctx, log, perr, inv)
		g.finish(log, outcome, metrics.OutcomePanic)
		panic(res.panicValue)
	case res.err != nil:
		g.handleFailure(ctx, log, res.err, inv)
		g.finish(log, outcome, metrics.OutcomeError)
	default:
		g.finish(log, outcome, metrics.OutcomeSuccess)
	}
	return res.out, res.err
}

type callResult struct {
	out        []byte
	err        error
	panicked   bool
	panicValue interface{}
	stack      []byte
}

// call runs the handler and turns a panic into a result.
func (g *Guard) call(ctx context.Context, payload []byte) (res callResult) {
	defer func() {
		if r := recover(); r != nil {
			res = callResult{panicked: true, panicValue: r, stack: debug.Stack()}
		}
	}()
	res.out, res.err = g.inner.Invoke(ctx, payload)
	return res
}

func (g *Guard) startWatchdog(ctx context.Context, started time.Time, ic invocation.Context, inv deadletter.Invocation, session *tracer.Session) *watchdog.Watchdog {
	remaining := ic.RemainingTime() + time.Since(started)
	budget := remaining.Round(time.Second)
	lead := LeadTime(g.o.leadTime, remaining)

	opts := []watchdog.Option{
		watchdog.WithLogger(g.o.logger),
		watchdog.WithReporter(g.o.reporter),
		watchdog.WithNotifier(g.o.notifier),
		watchdog.WithSession(session),
		watchdog.WithMetrics(g.o.metrics),
		watchdog.WithHomePaths(g.o.homePaths),
	}
	if g.o.forwarder != nil {
		opts = append(opts, watchdog.WithForwarder(g.o.forwarder))
	}
	if g.o.noTimeoutNotify {
		opts = append(opts, watchdog.WithoutNotification())
	}
	opts = append(opts, g.o.watchdogOpts...)

	wd := watchdog.New(watchdog.Config{
		Delay: remaining - lead,
		Message: fmt.Sprintf(
			"Impending Lambda execution timeout detected: less than %d seconds left to configured timeout (%ds).",
			int(lead.Seconds()), int(budget.Seconds())),
		Invocation:  inv,
		Fingerprint: []string{"TimeoutWarning", ic.Identity()},
	}, opts...)

	g.current.Store(wd)
	wd.Start(ctx)
	return wd
}

// stopWatchdog stops the current watchdog and swallows anything it raises.
func (g *Guard) stopWatchdog() {
	defer func() { _ = recover() }()
	if wd := g.current.Load(); wd != nil {
		wd.Stop()
	}
}

func (g *Guard) step(log *logging.Logger, name string, fn func()) {
	if !suppress.Run(log, name, fn) {
		g.o.metrics.DiagnosticFailure(name)
	}
}

// handleFailure runs the failure pipeline. Every step is independent; none
// of them can replace the original error.
func (g *Guard) handleFailure(ctx context.Context, log *logging.Logger, err error, inv deadletter.Invocation) {
	msg := Classify(err)

	captured := false
	var opts reporting.CaptureOptions
	if g.o.handlerName != "" {
		opts.Tags = map[string]string{"handler": g.o.handlerName}
	}
	g.step(log, "capture", func() { captured = g.o.reporter.Capture(err, opts) })

	g.step(log, "log", func() {
		log.Exception(msg, err, map[string]interface{}{"sentry_capture_result": captured})
	})

	if !captured {
		g.step(log, "notify", func() {
			g.o.notifier.Notify(ctx, notify.Notification{
				Context:       msg,
				Err:           err,
				Handler:       g.o.handlerName,
				Invocation:    inv.Context,
				CaptureResult: notify.Captured(captured),
			})
		})
	}

	if g.o.forwarder != nil {
		g.step(log, "deadletter", func() { g.o.forwarder.Forward(ctx, inv) })
	}
}

func (g *Guard) finish(log *logging.Logger, o Outcome, outcome string) {
	g.o.metrics.ObserveInvocation(outcome, o.Duration)
	if g.o.observer != nil {
		g.step(log, "observe", func() { g.o.observer.Observe(o) })
	}
}
