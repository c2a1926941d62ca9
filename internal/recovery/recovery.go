// Package recovery contains panics raised by code the runtime does not own,
// such as protocol engines, so one faulty connection cannot stop a loop.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is returned by Call when the guarded function panicked.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// Call runs fn and converts a panic into a *PanicError. The panic and its
// stack are logged with the provided logger.
func Call(logger *slog.Logger, name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			pe := &PanicError{Name: name, Value: r, Stack: debug.Stack()}
			logger.Error("panic recovered",
				"goroutine", name,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(pe.Stack))
			err = pe
		}
	}()
	fn()
	return nil
}

// RecoverWithLog recovers from panics and logs them with the provided logger.
// Use this with defer at the start of goroutines to prevent crashes and log diagnostics.
//
// Example:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "healthServer")
//	    // ... goroutine work
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}
