package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped = errors.New("task engine stopped")
	ErrNilFunc = errors.New("task engine: nil callback")
)

// PanicError is what a recovered callback panic turns into.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err wraps a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
