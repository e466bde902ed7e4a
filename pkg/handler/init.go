package handler

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/psantana5/safeinit/internal/suppress"
	"github.com/psantana5/safeinit/pkg/config"
	"github.com/psantana5/safeinit/pkg/deadletter"
	"github.com/psantana5/safeinit/pkg/environment"
	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/metrics"
	"github.com/psantana5/safeinit/pkg/notify"
	"github.com/psantana5/safeinit/pkg/reporting"
	"github.com/psantana5/safeinit/pkg/secrets"
	"github.com/psantana5/safeinit/pkg/shutdown"
)

// Init failure messages.
const (
	MsgImportFailed = "Failed to import handler"
	MsgInitFailed   = "Unexpected error during handler initialization"
)

// MissingSentryWarning is reported when the handler did not initialize the
// global Sentry hub.
type MissingSentryWarning struct{}

func (MissingSentryWarning) Error() string { return "Detected missing Sentry initialization" }

// SecretResolver resolves secret references into environment variables.
type SecretResolver interface {
	Resolve(ctx context.Context, extra environment.Vars) (environment.Vars, error)
}

type initOptions struct {
	logger    *logging.Logger
	reporter  reporting.Reporter
	notifier  notify.Notifier
	forwarder deadletter.Forwarder
	metrics   *metrics.Metrics
	resolver  SecretResolver
	markerDir string
	shutdown  *shutdown.Manager
	guardOpts []guard.Option
}

// Option configures Init.
type Option func(*initOptions)

func WithLogger(l *logging.Logger) Option {
	return func(o *initOptions) { o.logger = l }
}

// WithReporter replaces the Sentry reporter built from the configuration.
func WithReporter(r reporting.Reporter) Option {
	return func(o *initOptions) { o.reporter = r }
}

// WithNotifier replaces the Slack notifier built from the configuration.
func WithNotifier(n notify.Notifier) Option {
	return func(o *initOptions) { o.notifier = n }
}

// WithForwarder replaces the dead-letter queue built from SAFE_INIT_DLQ.
func WithForwarder(f deadletter.Forwarder) Option {
	return func(o *initOptions) { o.forwarder = f }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *initOptions) { o.metrics = m }
}

// WithSecretResolver replaces the Secrets Manager resolver.
func WithSecretResolver(r SecretResolver) Option {
	return func(o *initOptions) { o.resolver = r }
}

// WithMarkerDir sets where init-phase marker files are kept. Defaults to
// the system temp directory.
func WithMarkerDir(dir string) Option {
	return func(o *initOptions) { o.markerDir = dir }
}

// WithShutdown registers resources created by Init for release on shutdown.
func WithShutdown(m *shutdown.Manager) Option {
	return func(o *initOptions) { o.shutdown = m }
}

// WithGuardOptions appends options to the guard built around the handler.
func WithGuardOptions(opts ...guard.Option) Option {
	return func(o *initOptions) { o.guardOpts = append(o.guardOpts, opts...) }
}

// Init resolves the configured handler and wraps it in a guard.
//
// Extra environment variables and resolved secrets are applied while the
// handler is built and around every invocation. When initialization fails
// the error is reported; with a dead-letter destination a DummyHandler that
// forwards every event is returned, otherwise the error.
func Init(ctx context.Context, cfg *config.Config, opts ...Option) (guard.Handler, error) {
	o := initOptions{markerDir: os.TempDir()}
	for _, opt := range opts {
		opt(&o)
	}
	log := logging.OrDefault(o.logger)
	if o.metrics == nil {
		o.metrics = metrics.Default()
	}
	if o.reporter == nil {
		o.reporter = reporting.NewSentryReporter(reporting.SentryConfig{
			DSN:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}, o.logger)
	}
	if o.notifier == nil {
		o.notifier = notify.NewSlackNotifier(notify.SlackConfig{
			WebhookURL:    cfg.SlackWebhookURL,
			Environment:   cfg.Environment,
			FunctionName:  cfg.FunctionName,
			DDHandler:     cfg.DDHandler,
			RatePerMinute: cfg.SlackRatePerMinute,
		}, o.logger)
	}
	if o.forwarder == nil && cfg.DeadLetter != "" {
		q := deadletter.NewQueue(cfg.DeadLetter,
			deadletter.WithLogger(o.logger),
			deadletter.WithMetrics(o.metrics),
			deadletter.WithHandlerName(cfg.Handler))
		if o.shutdown != nil {
			o.shutdown.Register("dead-letter queue", shutdown.CloseResource(q))
		}
		o.forwarder = q
	}

	h, err := build(ctx, cfg, &o, log)
	if err != nil {
		return fail(ctx, cfg, &o, log, err)
	}
	return h, nil
}

func build(ctx context.Context, cfg *config.Config, o *initOptions, log *logging.Logger) (guard.Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandlerNotSet, err)
	}

	extra := environment.Vars{}
	if environment.Exists(cfg.ExtraEnvVarsFile) {
		extra = environment.Load(cfg.ExtraEnvVarsFile, o.logger)
		log.Debug("Loaded extra environment variables", map[string]interface{}{"extra_env_vars": extra.Keys()})
	}

	secretVars := environment.Vars{}
	if cfg.Secrets.Resolve {
		resolver := o.resolver
		if resolver == nil {
			resolver = secrets.NewResolver(cfg.Secrets, secrets.WithLogger(o.logger))
		}
		var err error
		if secretVars, err = resolver.Resolve(ctx, extra); err != nil {
			return nil, err
		}
	}
	custom := environment.Merge(secretVars, extra)

	restore := environment.Apply(custom)
	phase := &initPhase{
		dir:      o.markerDir,
		hash:     executionHash(environment.Vars{}.Environ()),
		handler:  cfg.Handler,
		notify:   cfg.NotifySlackOnInitIssues,
		notifier: o.notifier,
		logger:   o.logger,
	}
	if !cfg.NoDetectInitIssues {
		suppress.Run(log, "init phase detection", func() { phase.before(ctx) })
	}
	inner, err := Resolve(ctx, cfg.Handler)
	if err == nil && !cfg.NoDetectInitIssues {
		phase.after()
	}
	restore()
	if err != nil {
		return nil, err
	}

	gopts := []guard.Option{
		guard.WithLogger(o.logger),
		guard.WithReporter(o.reporter),
		guard.WithNotifier(o.notifier),
		guard.WithMetrics(o.metrics),
		guard.WithHandlerName(cfg.Handler),
		guard.WithLeadTime(cfg.NotifyBeforeTimeout),
		guard.WithHomePaths(cfg.TracerHomePaths),
	}
	if o.forwarder != nil {
		gopts = append(gopts, guard.WithForwarder(o.forwarder))
	}
	if cfg.IgnoreTimeouts {
		gopts = append(gopts, guard.WithoutTimeouts())
	}
	if cfg.AutoTrace {
		gopts = append(gopts, guard.WithAutoTrace())
	}
	if cfg.NoSlackTimeoutNotifications {
		gopts = append(gopts, guard.WithoutTimeoutNotifications())
	}
	gopts = append(gopts, o.guardOpts...)

	wrapped := guard.New(scoped(inner, custom), gopts...)

	if !cfg.NoDetectUninitializedSentry && !reporting.HubConfigured() {
		warning := MissingSentryWarning{}
		suppress.Run(log, "sentry detector", func() {
			o.notifier.Notify(ctx, notify.Notification{
				Context: warning.Error(),
				Err:     warning,
				Handler: cfg.Handler,
				Title:   "Sentry detector warning",
			})
		})
	}
	return wrapped, nil
}

// fail reports an initialization failure.
func fail(ctx context.Context, cfg *config.Config, o *initOptions, log *logging.Logger, err error) (guard.Handler, error) {
	msg := MsgInitFailed
	var ie *guard.InitError
	if errors.As(err, &ie) || errors.Is(err, ErrHandlerNotSet) {
		msg = MsgImportFailed
	}

	var opts reporting.CaptureOptions
	if cfg.Handler != "" {
		opts.Tags = map[string]string{"handler": cfg.Handler}
	}
	captured := suppress.Value(log, "capture", false, func() bool { return o.reporter.Capture(err, opts) })
	log.Exception(msg, err, map[string]interface{}{"sentry_capture_result": captured})
	suppress.Run(log, "notify", func() {
		o.notifier.Notify(ctx, notify.Notification{
			Context:       msg,
			Err:           err,
			Handler:       cfg.Handler,
			CaptureResult: notify.Captured(captured),
		})
	})

	if o.forwarder != nil {
		return deadletter.NewDummyHandler(err, o.forwarder, cfg.Handler, o.logger), nil
	}
	return nil, err
}

// scoped applies vars around every invocation of h.
func scoped(h guard.Handler, vars environment.Vars) guard.Handler {
	if len(vars) == 0 {
		return h
	}
	return guard.HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		restore := environment.Apply(vars)
		defer restore()
		return h.Invoke(ctx, payload)
	})
}
