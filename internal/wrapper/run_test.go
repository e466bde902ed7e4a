package wrapper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/safeinit/pkg/guard"
	"github.com/psantana5/safeinit/pkg/invocation"
)

func TestRunBuildsInvocationContext(t *testing.T) {
	var seen invocation.Context
	var deadline time.Time
	h := guard.HandlerFunc(func(ctx context.Context, p []byte) ([]byte, error) {
		seen, _ = invocation.FromContext(ctx)
		deadline, _ = ctx.Deadline()
		return p, nil
	})

	resp := Run(context.Background(), h, Request{FunctionName: "orders", Payload: []byte("x"), Timeout: time.Minute})
	require.NoError(t, resp.Err)
	assert.Equal(t, []byte("x"), resp.Output)
	require.NotNil(t, seen)
	assert.Equal(t, "orders", seen.Identity())
	assert.Equal(t, resp.RequestID, seen.RequestID())
	assert.NotEmpty(t, resp.RequestID)
	assert.Contains(t, seen.FunctionARN(), ":function:orders")
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestRunWithoutTimeoutIsNotWatchable(t *testing.T) {
	watchable := true
	h := guard.HandlerFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
		_, watchable = invocation.FromContext(ctx)
		return nil, errors.New("boom")
	})
	resp := Run(context.Background(), h, Request{RequestID: "req-1"})
	assert.False(t, watchable)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.EqualError(t, resp.Err, "boom")
}

func TestRunRecoversPanics(t *testing.T) {
	h := guard.HandlerFunc(func(context.Context, []byte) ([]byte, error) { panic("kaboom") })
	resp := Run(context.Background(), h, Request{})
	assert.Equal(t, "kaboom", resp.Panic)
	assert.NotEmpty(t, resp.Stack)
	assert.EqualError(t, resp.Err, "handler panicked: kaboom")
}
