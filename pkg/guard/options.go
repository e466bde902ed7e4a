package guard

import (
	"time"

	"github.com/psantana5/safeinit/pkg/deadletter"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/notify"
	"github.com/psantana5/safeinit/pkg/reporting"
	"github.com/psantana5/safeinit/pkg/watchdog"
)

type options struct {
	logger          *logging.Logger
	forwarder       deadletter.Forwarder
	reporter        reporting.Reporter
	notifier        notify.Notifier
	metrics         *metrics.Metrics
	observer        Observer
	handlerName     string
	leadTime        time.Duration
	noTimeouts      bool
	autoTrace       bool
	noTimeoutNotify bool
	homePaths       []string
	forceWrap       bool
	watchdogOpts    []watchdog.Option
}

func defaultOptions() options {
	return options{
		reporter: reporting.Nop{},
		notifier: notify.Nop{},
	}
}

// Option configures a guard.
type Option func(*options)

func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithForwarder enables dead-letter forwarding of failed and timed-out calls.
func WithForwarder(f deadletter.Forwarder) Option {
	return func(o *options) { o.forwarder = f }
}

func WithReporter(r reporting.Reporter) Option {
	return func(o *options) {
		if r != nil {
			o.reporter = r
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithObserver receives a summary of every invocation.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithHandlerName records the configured handler name in reports.
func WithHandlerName(name string) Option {
	return func(o *options) { o.handlerName = name }
}

// WithLeadTime overrides how long before the deadline the watchdog fires.
func WithLeadTime(d time.Duration) Option {
	return func(o *options) { o.leadTime = d }
}

// WithoutTimeouts disables the watchdog.
func WithoutTimeouts() Option {
	return func(o *options) { o.noTimeouts = true }
}

// WithAutoTrace arms a trace session for every watchable invocation.
func WithAutoTrace() Option {
	return func(o *options) { o.autoTrace = true }
}

// WithoutTimeoutNotifications keeps timeouts out of chat.
func WithoutTimeoutNotifications() Option {
	return func(o *options) { o.noTimeoutNotify = true }
}

// WithHomePaths marks trace entries from these source paths.
func WithHomePaths(paths []string) Option {
	return func(o *options) { o.homePaths = paths }
}

// WithForceWrap always builds a new guard, even around an existing one.
func WithForceWrap() Option {
	return func(o *options) { o.forceWrap = true }
}

// WithWatchdogOptions appends options to every watchdog the guard creates.
func WithWatchdogOptions(opts ...watchdog.Option) Option {
	return func(o *options) { o.watchdogOpts = append(o.watchdogOpts, opts...) }
}
