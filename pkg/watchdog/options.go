package watchdog

import (
	"time"

	"github.com/psantana5/safeinit/pkg/deadletter"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/notify"
	"github.com/psantana5/safeinit/pkg/reporting"
	"github.com/psantana5/safeinit/pkg/tracer"
)

// Option configures a Watchdog.
type Option func(*Watchdog)

func WithLogger(l *logging.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithForwarder enables dead-letter forwarding on fire.
func WithForwarder(f deadletter.Forwarder) Option {
	return func(w *Watchdog) { w.forwarder = f }
}

func WithReporter(r reporting.Reporter) Option {
	return func(w *Watchdog) {
		if r != nil {
			w.reporter = r
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(w *Watchdog) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithSession attaches the trace session of the guarded invocation.
func WithSession(s *tracer.Session) Option {
	return func(w *Watchdog) { w.session = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watchdog) { w.metrics = m }
}

// WithHomePaths marks trace entries from these source paths in notifications.
func WithHomePaths(paths []string) Option {
	return func(w *Watchdog) { w.homePaths = paths }
}

// WithoutNotification disables the chat notification on timeout.
func WithoutNotification() Option {
	return func(w *Watchdog) { w.notifyDisabled = true }
}

// WithoutHostStats skips the resource usage tags.
func WithoutHostStats() Option {
	return func(w *Watchdog) { w.hostStats = false }
}

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}
