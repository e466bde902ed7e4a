package handler

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/psantana5/safeinit/pkg/config"
	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/logging"
	"github.com/psantana5/safeinit/pkg/shutdown"
	"github.com/psantana5/safeinit/pkg/tracing"
)

// Setup loads the configuration, prepares logging and tracing, and
// initializes the configured handler. Resources are registered on the
// returned shutdown manager.
func Setup(ctx context.Context, opts ...Option) (guard.Handler, *shutdown.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	log, err := NewLogger(cfg)
	if err != nil {
		log.Warn("Log file disabled", map[string]interface{}{"error": err.Error()})
	}
	logging.SetDefault(log)

	sd := shutdown.New(2*time.Second, log)
	sd.Register("logger", shutdown.CloseResource(log))

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.FunctionName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Enabled:      cfg.OTLPEndpoint != "",
	}, log)
	if err != nil {
		log.Exception("Tracing disabled", err)
	} else {
		sd.Register("tracing", tp.Shutdown)
	}

	opts = append([]Option{WithLogger(log), WithShutdown(sd)}, opts...)
	h, err := Init(ctx, cfg, opts...)
	return h, sd, err
}

// NewLogger builds the logger described by cfg.
func NewLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.INFO
	if cfg.Debug {
		level = logging.DEBUG
	}
	return logging.New(logging.Config{
		Level:      level,
		JSONFormat: !cfg.ConsoleRenderer,
		FilePath:   cfg.LogFile,
		Rotation:   logging.DefaultRotation(),
	})
}

// Start initializes the configured handler and hands it to the Lambda
// runtime. It never returns.
func Start(opts ...Option) {
	h, sd, err := Setup(context.Background(), opts...)
	if err != nil {
		logging.Default().Exception("Handler initialization failed", err)
		if sd != nil {
			_ = sd.Shutdown()
		}
		os.Exit(1)
	}
	lambda.StartWithOptions(h, lambda.WithEnableSIGTERM(func() { _ = sd.Shutdown() }))
}
