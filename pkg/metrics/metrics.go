// Package metrics exposes Prometheus counters for guarded invocations. All
// methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomePanic   = "panic"
)

// Metrics tracks guard, watchdog and dead-letter activity on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	invocations        *prometheus.CounterVec
	duration           prometheus.Histogram
	watchdog           *prometheus.CounterVec
	diagnosticFailures *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpResponseBytes  *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeinit_invocations_total",
				Help: "Guarded handler invocations by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safeinit_invocation_duration_seconds",
				Help:    "Wall clock duration of guarded handler invocations",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
			},
		),
		watchdog: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeinit_watchdog_total",
				Help: "Timeout watchdogs by terminal state",
			},
			[]string{"result"}, // "fired", "stopped"
		),
		diagnosticFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeinit_diagnostics_failures_total",
				Help: "Diagnostic pipeline steps that failed and were suppressed",
			},
			[]string{"step"},
		),
		deadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeinit_deadletter_total",
				Help: "Dead-letter forwarding attempts by result",
			},
			[]string{"result"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeinit_http_requests_total",
				Help: "Requests served by the local emulator",
			},
			[]string{"method", "route", "status"},
		),
		httpResponseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safeinit_http_response_bytes_total",
				Help: "Bytes written by the local emulator",
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.invocations,
		m.duration,
		m.watchdog,
		m.diagnosticFailures,
		m.deadLetters,
		m.httpRequests,
		m.httpResponseBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide Metrics.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultM = New() })
	return defaultM
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveInvocation records one finished invocation.
func (m *Metrics) ObserveInvocation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(outcome).Inc()
	m.duration.Observe(d.Seconds())
}

// WatchdogFired counts a watchdog that ran its timeout sequence.
func (m *Metrics) WatchdogFired() {
	if m == nil {
		return
	}
	m.watchdog.WithLabelValues("fired").Inc()
}

// WatchdogStopped counts a watchdog retired before firing.
func (m *Metrics) WatchdogStopped() {
	if m == nil {
		return
	}
	m.watchdog.WithLabelValues("stopped").Inc()
}

// DiagnosticFailure counts a suppressed failure in a reporting step.
func (m *Metrics) DiagnosticFailure(step string) {
	if m == nil {
		return
	}
	m.diagnosticFailures.WithLabelValues(step).Inc()
}

// DeadLetter counts a forwarding attempt; result is "sent" or "failed".
func (m *Metrics) DeadLetter(result string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(result).Inc()
}

// Middleware counts emulator requests. route should be the route template,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			name := route(r)
			m.httpRequests.WithLabelValues(r.Method, name, strconv.Itoa(rw.statusCode)).Inc()
			if rw.bytesWritten > 0 {
				m.httpResponseBytes.WithLabelValues(r.Method, name).Add(float64(rw.bytesWritten))
			}
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
