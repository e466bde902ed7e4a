package guard

import (
	"errors"
	"fmt"
)

// Failure classifications used in logs and notifications.
const (
	MsgImportError  = "Runtime import error detected"
	MsgRuntimeError = "Unhandled runtime exception detected"
)

// InitError reports that a handler could not be loaded or initialized.
type InitError struct {
	Handler string
	Err     error
}

func (e *InitError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("handler initialization failed: %v", e.Err)
	}
	return fmt.Sprintf("handler %s initialization failed: %v", e.Handler, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// PanicError describes a handler panic to the diagnostic pipeline. The guard
// re-panics with Value; PanicError itself never reaches the caller.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value to errors.As.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Classify returns the log message for a handler failure.
func Classify(err error) string {
	var ie *InitError
	if errors.As(err, &ie) {
		return MsgImportError
	}
	return MsgRuntimeError
}
