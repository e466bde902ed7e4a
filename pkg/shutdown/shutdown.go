// Package shutdown runs registered cleanup functions when the process is
// asked to stop.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/safeinit/pkg/logging"
)

// Manager handles graceful shutdown
type Manager struct {
	shutdownFuncs []namedFunc
	mu            sync.Mutex
	timeout       time.Duration
	logger        *logging.Logger
	doneChan      chan struct{}
	once          sync.Once
}

type namedFunc struct {
	name string
	fn   func(context.Context) error
}

// New creates a new shutdown manager
func New(timeout time.Duration, l *logging.Logger) *Manager {
	return &Manager{
		timeout:  timeout,
		logger:   l,
		doneChan: make(chan struct{}),
	}
}

// Register adds a shutdown function.
// Functions are called in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, namedFunc{name: name, fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown executes all registered shutdown functions once. It returns the
// first error encountered; later functions still run.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	m.once.Do(func() {
		close(m.doneChan)
		log := logging.OrDefault(m.logger)

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
			f := m.shutdownFuncs[i]
			if err := f.fn(ctx); err != nil {
				log.Error("Shutdown step failed", map[string]interface{}{"step": f.name, "error": err.Error()})
				if first == nil {
					first = fmt.Errorf("%s: %w", f.name, err)
				}
			}
		}
		log.Info("Graceful shutdown complete")
	})
	return first
}

// WaitWithContext blocks until a shutdown signal or context cancellation,
// then runs Shutdown.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logging.OrDefault(m.logger).Info("Received signal, shutting down", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
	}
	return m.Shutdown()
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}
