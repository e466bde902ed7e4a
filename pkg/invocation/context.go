// Package invocation exposes the runtime facts about the current call that the
// guard needs: how much time is left and which function is running.
package invocation

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
)

// Context describes one in-flight invocation. RemainingTime decreases
// monotonically as the invocation runs.
type Context interface {
	RemainingTime() time.Duration
	Identity() string
	RequestID() string
	FunctionARN() string
}

type ctxKey struct{}

// WithContext attaches ic to ctx. An attached Context takes precedence over
// the Lambda runtime values.
func WithContext(ctx context.Context, ic Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, ic)
}

// FromContext finds the invocation context for ctx. The second result is
// false when the call is not watchable: nothing was attached and ctx does not
// carry both Lambda metadata and a deadline.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return nil, false
	}
	if ic, ok := ctx.Value(ctxKey{}).(Context); ok && ic != nil {
		return ic, true
	}

	lc, ok := lambdacontext.FromContext(ctx)
	if !ok {
		return nil, false
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return nil, false
	}
	return &lambdaContext{lc: lc, deadline: deadline, name: FunctionName()}, true
}

// FunctionName returns the deployed function name, preferring the runtime
// environment over the lambdacontext package default.
func FunctionName() string {
	if name := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); name != "" {
		return name
	}
	return lambdacontext.FunctionName
}

type lambdaContext struct {
	lc       *lambdacontext.LambdaContext
	deadline time.Time
	name     string
}

func (c *lambdaContext) RemainingTime() time.Duration { return time.Until(c.deadline) }
func (c *lambdaContext) Identity() string             { return c.name }
func (c *lambdaContext) RequestID() string            { return c.lc.AwsRequestID }
func (c *lambdaContext) FunctionARN() string          { return c.lc.InvokedFunctionArn }

// Static is an invocation context with a fixed deadline, used by the local
// emulator and by tests.
type Static struct {
	Name     string
	Request  string
	ARN      string
	Deadline time.Time
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewStatic returns a Static context whose deadline is timeout from now.
func NewStatic(name, requestID string, timeout time.Duration) *Static {
	return &Static{Name: name, Request: requestID, Deadline: time.Now().Add(timeout)}
}

func (s *Static) RemainingTime() time.Duration {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return s.Deadline.Sub(now())
}

func (s *Static) Identity() string    { return s.Name }
func (s *Static) RequestID() string   { return s.Request }
func (s *Static) FunctionARN() string { return s.ARN }
