// Package tracer records durations of explicitly instrumented calls made while
// a handler invocation is being guarded, and renders the slowest ones for
// timeout reports.
package tracer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/safeinit/pkg/logging"
)

// FunctionCall is one completed, instrumented call.
type FunctionCall struct {
	Name     string        `json:"function_name"`
	Duration time.Duration `json:"execution_time"`
	File     string        `json:"file_name"`
}

// FrameID identifies an in-flight call. The zero value means "not recorded".
type FrameID uint64

type frame struct {
	name  string
	file  string
	start time.Time
}

// DefaultBlacklist lists source path fragments that never get recorded:
// module cache and standard library sources.
func DefaultBlacklist() []string {
	list := []string{"/go/pkg/mod/", "/usr/local/go/src/"}
	if root := os.Getenv("GOROOT"); root != "" {
		list = append(list, filepath.Join(root, "src")+string(filepath.Separator))
	}
	return list
}

// Session holds the call-trace state of a single guarded invocation. The
// handler goroutine writes to it while the watchdog goroutine may read it.
type Session struct {
	mu     sync.Mutex
	armed  bool
	traced bool
	nextID FrameID
	active map[FrameID]frame
	calls  []FunctionCall

	blacklist []string
	now       func() time.Time
	logger    *logging.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithBlacklist replaces the default source path blacklist.
func WithBlacklist(paths []string) Option {
	return func(s *Session) { s.blacklist = paths }
}

// WithLogger sets the logger used for internal recorder failures.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession creates an unarmed session.
func NewSession(opts ...Option) *Session {
	s := &Session{
		active:    make(map[FrameID]frame),
		blacklist: DefaultBlacklist(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm resets all recorded state and starts recording.
func (s *Session) Arm() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[FrameID]frame)
	s.calls = nil
	s.armed = true
	s.traced = true
}

// Disarm stops recording. Already completed calls are kept.
func (s *Session) Disarm() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.armed = false
	s.mu.Unlock()
}

// Armed reports whether the session is currently recording.
func (s *Session) Armed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

// Traced reports whether the session was armed at any point since it was
// created. It stays true after Disarm so the watchdog can still report calls.
func (s *Session) Traced() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traced
}

func (s *Session) ignored(file string) bool {
	for _, p := range s.blacklist {
		if p != "" && strings.Contains(file, p) {
			return true
		}
	}
	return false
}

// Enter records the start of a call and returns its frame id, or zero when
// the call is not recorded.
func (s *Session) Enter(name, file string) (id FrameID) {
	if s == nil {
		return 0
	}
	defer s.recover("enter")

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed || s.ignored(file) {
		return 0
	}
	s.nextID++
	id = s.nextID
	s.active[id] = frame{name: name, file: file, start: s.now()}
	return id
}

// Exit completes the call started with id. Unknown ids are ignored.
func (s *Session) Exit(id FrameID) {
	if s == nil || id == 0 {
		return
	}
	defer s.recover("exit")

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)
	if !s.armed || s.ignored(f.file) {
		return
	}
	s.calls = append(s.calls, FunctionCall{
		Name:     f.name,
		Duration: s.now().Sub(f.start),
		File:     f.file,
	})
}

// Calls returns a copy of the completed calls in completion order.
func (s *Session) Calls() []FunctionCall {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FunctionCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// recover keeps recorder bugs away from the instrumented code.
func (s *Session) recover(event string) {
	if r := recover(); r != nil {
		logging.OrDefault(s.logger).Debug("Call tracer failed", map[string]interface{}{
			"event": event,
			"panic": fmt.Sprint(r),
		})
	}
}
