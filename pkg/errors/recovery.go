package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a value recovered from a message handler into a fatal
// internal error carrying the stack. Redelivering the same message would
// panic again, so it is never retried in place.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}

	return ErrInternal.
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}
