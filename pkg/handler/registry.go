// Package handler turns the handler named by SAFE_INIT_HANDLER into a
// guarded Lambda handler.
//
// Go has no dynamic import, so handlers are registered by name from an
// init function or main before Start is called.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/psantana5/safeinit/pkg/guard"
)

// ErrHandlerNotSet is returned when no handler name is configured.
var ErrHandlerNotSet = errors.New("SAFE_INIT_HANDLER environment variable is not set")

// ErrUnknownHandler is returned when the configured name was never registered.
var ErrUnknownHandler = errors.New("handler is not registered")

// Factory builds a handler. It runs once, during initialization, with the
// extra environment variables and resolved secrets applied.
type Factory func(ctx context.Context) (guard.Handler, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes h available under name.
func Register(name string, h guard.Handler) {
	RegisterFactory(name, func(context.Context) (guard.Handler, error) { return h, nil })
}

// RegisterFunc makes fn available under name.
func RegisterFunc(name string, fn func(ctx context.Context, payload []byte) ([]byte, error)) {
	Register(name, guard.HandlerFunc(fn))
}

// RegisterFactory makes a lazily built handler available under name. A
// second registration under the same name replaces the first.
func RegisterFactory(name string, f Factory) {
	if name == "" || f == nil {
		panic("handler: Register requires a name and a handler")
	}
	mu.Lock()
	defer mu.Unlock()
	registry[name] = f
}

// Names lists the registered handler names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the handler registered under name. Lookup and factory
// failures are returned as *guard.InitError.
func Resolve(ctx context.Context, name string) (h guard.Handler, err error) {
	if name == "" {
		return nil, ErrHandlerNotSet
	}
	mu.RLock()
	f, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, &guard.InitError{Handler: name, Err: ErrUnknownHandler}
	}

	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("handler %s factory panicked: %v", name, r)
		}
	}()
	h, err = f(ctx)
	if err != nil {
		return nil, &guard.InitError{Handler: name, Err: err}
	}
	if h == nil {
		return nil, &guard.InitError{Handler: name, Err: errors.New("factory returned a nil handler")}
	}
	return h, nil
}

func unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, name)
}
