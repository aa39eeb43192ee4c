package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging.
// It must be called directly in a defer statement. The panic is not re-raised.
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "stats refresher")
//	    ...
//	}()
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}

// MustRecover converts a recovered panic value to an error; nil stays nil.
//
//	defer func() {
//	    if err := observability.MustRecover(recover()); err != nil {
//	        ...
//	    }
//	}()
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
