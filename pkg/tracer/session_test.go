package tracer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSession() (*Session, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewSession(WithClock(clk.Now), WithBlacklist([]string{"/go/pkg/mod/"})), clk
}

func TestSessionRecordsOnlyWhileArmed(t *testing.T) {
	s, clk := newTestSession()

	assert.Zero(t, s.Enter("before", "/var/task/main.go"))

	s.Arm()
	id := s.Enter("handler", "/var/task/main.go")
	clk.Advance(250 * time.Millisecond)
	s.Exit(id)
	s.Disarm()

	assert.Zero(t, s.Enter("after", "/var/task/main.go"))

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, FunctionCall{Name: "handler", Duration: 250 * time.Millisecond, File: "/var/task/main.go"}, calls[0])
	assert.False(t, s.Armed())
	assert.True(t, s.Traced())
}

func TestSessionNestedCalls(t *testing.T) {
	s, clk := newTestSession()
	s.Arm()

	outer := s.Enter("outer", "a.go")
	clk.Advance(time.Second)
	inner := s.Enter("inner", "a.go")
	clk.Advance(2 * time.Second)
	s.Exit(inner)
	s.Exit(outer)

	calls := s.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "inner", calls[0].Name)
	assert.Equal(t, 2*time.Second, calls[0].Duration)
	assert.Equal(t, "outer", calls[1].Name)
	assert.Equal(t, 3*time.Second, calls[1].Duration)
}

func TestSessionBlacklist(t *testing.T) {
	s, _ := newTestSession()
	s.Arm()

	id := s.Enter("dep.Func", "/root/go/pkg/mod/github.com/x/y.go")
	assert.Zero(t, id)
	s.Exit(id)
	assert.Empty(t, s.Calls())
}

func TestSessionUnfinishedFramesAreDropped(t *testing.T) {
	s, _ := newTestSession()
	s.Arm()
	s.Enter("never.Returns", "main.go")
	done := s.Enter("returns", "main.go")
	s.Exit(done)

	calls := s.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "returns", calls[0].Name)
}

func TestSessionArmResets(t *testing.T) {
	s, _ := newTestSession()
	s.Arm()
	s.Exit(s.Enter("first", "main.go"))
	require.Len(t, s.Calls(), 1)

	s.Arm()
	assert.Empty(t, s.Calls())
}

func TestSessionCallsReturnsCopy(t *testing.T) {
	s, _ := newTestSession()
	s.Arm()
	s.Exit(s.Enter("first", "main.go"))

	calls := s.Calls()
	calls[0].Name = "mutated"
	assert.Equal(t, "first", s.Calls()[0].Name)
}

func TestNilSessionIsSafe(t *testing.T) {
	var s *Session
	s.Arm()
	s.Exit(s.Enter("x", "y"))
	s.Disarm()
	assert.False(t, s.Armed())
	assert.False(t, s.Traced())
	assert.Nil(t, s.Calls())
}

func TestSessionConcurrentReaders(t *testing.T) {
	s, _ := newTestSession()
	s.Arm()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Exit(s.Enter("loop", "main.go"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = Aggregate(s.Calls())
		}
	}()
	wg.Wait()

	assert.Len(t, s.Calls(), 500)
}

func TestStartAndTrace(t *testing.T) {
	s := NewSession(WithBlacklist(nil))
	s.Arm()
	ctx := WithSession(context.Background(), s)
	require.Same(t, s, FromContext(ctx))

	func() {
		_, end := Start(ctx, "orders.Load")
		defer end()
	}()
	tracedHelper(ctx)

	calls := s.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "orders.Load", calls[0].Name)
	assert.True(t, strings.HasSuffix(calls[0].File, "session_test.go"))
	assert.True(t, strings.HasSuffix(calls[1].Name, "tracer.tracedHelper"), calls[1].Name)
}

func tracedHelper(ctx context.Context) {
	defer Trace(ctx)()
}

func TestStartWithoutSession(t *testing.T) {
	ctx, end := Start(context.Background(), "noop")
	assert.NotNil(t, ctx)
	end()
	assert.Nil(t, FromContext(context.Background()))
}
