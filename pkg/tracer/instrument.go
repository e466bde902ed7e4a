package tracer

import (
	"context"
	"runtime"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/psantana5/safeinit/pkg/tracer"

type sessionKey struct{}

// WithSession attaches s to ctx so Start and Trace record into it.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session attached to ctx, or nil.
func FromContext(ctx context.Context) *Session {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// Start marks the beginning of a named call. The returned function ends it
// and must be called exactly once, usually deferred:
//
//	ctx, end := tracer.Start(ctx, "orders.Load")
//	defer end()
func Start(ctx context.Context, name string) (context.Context, func()) {
	file := ""
	if _, f, _, ok := runtime.Caller(1); ok {
		file = f
	}
	return start(ctx, name, file)
}

// Trace records the calling function under its qualified name:
//
//	defer tracer.Trace(ctx)()
func Trace(ctx context.Context) func() {
	name, file := caller(3)
	_, end := start(ctx, name, file)
	return end
}

func caller(skip int) (string, string) {
	pcs := make([]uintptr, 1)
	if runtime.Callers(skip, pcs) == 0 {
		return "unknown", ""
	}
	fr, _ := runtime.CallersFrames(pcs).Next()
	if fr.Function == "" {
		return "unknown", fr.File
	}
	return fr.Function, fr.File
}

func start(ctx context.Context, name, file string) (context.Context, func()) {
	s := FromContext(ctx)
	id := s.Enter(name, file)

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithAttributes(attribute.String("code.filepath", file)))

	return ctx, func() {
		span.End()
		s.Exit(id)
	}
}
