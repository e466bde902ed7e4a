// Package wrapper runs a guarded handler once, outside the Lambda runtime,
// with a synthetic invocation context.
package wrapper

// If the wrapper crashes, the handler result MUST still be returned.
// If we are unsure, DO LESS.

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/safeinit/internal/observe"
	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/invocation"
)

// Request describes one local invocation.
type Request struct {
	FunctionName string
	RequestID    string
	Payload      []byte
	// Timeout is the synthetic function timeout. Zero runs the handler
	// without an invocation context, so no watchdog is started.
	Timeout time.Duration
}

// Response is what the handler produced.
type Response struct {
	RequestID string
	Output    []byte
	Err       error
	// Panic holds the recovered value when the handler panicked.
	Panic    interface{}
	Stack    []byte
	Duration time.Duration
}

// Run invokes h once. A panic escaping the guard is recovered so the caller
// keeps running; the context deadline is set to the synthetic timeout.
func Run(ctx context.Context, h guard.Handler, req Request) (resp Response) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.FunctionName == "" {
		req.FunctionName = "local"
	}
	resp.RequestID = req.RequestID

	if req.Timeout > 0 {
		ic := invocation.NewStatic(req.FunctionName, req.RequestID, req.Timeout)
		ic.ARN = fmt.Sprintf("arn:aws:lambda:local:000000000000:function:%s", req.FunctionName)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ic.Deadline)
		defer cancel()
		ctx = invocation.WithContext(ctx, ic)
	}

	timing := observe.NewTiming()
	defer func() {
		if r := recover(); r != nil {
			resp.Panic = r
			resp.Stack = debug.Stack()
			resp.Err = fmt.Errorf("handler panicked: %v", r)
		}
		timing.Complete()
		resp.Duration = timing.Duration()
	}()

	resp.Output, resp.Err = h.Invoke(ctx, req.Payload)
	return resp
}
