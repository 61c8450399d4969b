package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted = errors.New("worker pool not started")
	ErrStopped    = errors.New("worker pool stopped")
	ErrSaturated  = errors.New("worker pool saturated")
)

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }
