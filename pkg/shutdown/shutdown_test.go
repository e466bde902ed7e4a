package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/safeinit/pkg/logging"
)

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := New(time.Second, logging.Nop())
	var order []string
	m.Register("first", func(context.Context) error { order = append(order, "first"); return nil })
	m.Register("second", func(context.Context) error { order = append(order, "second"); return errors.New("boom") })
	c := &closer{}
	m.Register("closer", CloseResource(c))

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second: boom")
	assert.Equal(t, []string{"second", "first"}, order)
	assert.True(t, c.closed)

	select {
	case <-m.Done():
	default:
		t.Fatal("done channel not closed")
	}

	// A second call is a no-op.
	assert.NoError(t, m.Shutdown())
	assert.Len(t, order, 2)
}

func TestWaitWithContextShutsDownOnCancel(t *testing.T) {
	m := New(time.Second, logging.Nop())
	called := false
	m.Register("flag", func(context.Context) error { called = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.WaitWithContext(ctx))
	assert.True(t, called)
}
