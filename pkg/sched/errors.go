package sched

import (
	"errors"
	"fmt"
)

var (
	ErrNoLockService    = errors.New("singleton task requires a lock service")
	ErrComputerContract = errors.New("concurrency computer does not match policy")
	ErrWorkSignature    = errors.New("work function signature does not match policy")
	ErrConcurrency      = errors.New("invalid concurrency")
	ErrTrigger          = errors.New("invalid trigger")
	ErrDuplicateTask    = errors.New("task already registered")
	ErrTaskName         = errors.New("task name required")
	ErrStopped          = errors.New("engine shut down")
	ErrUnknownTask      = errors.New("unknown task")
)

// ConfigError reports a definition rejected at registration.
type ConfigError struct {
	Task   string
	Err    error
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("sched: task %q: %v", e.Task, e.Err)
	}
	return fmt.Sprintf("sched: task %q: %v: %s", e.Task, e.Err, e.Detail)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(task string, err error, format string, args ...any) *ConfigError {
	return &ConfigError{Task: task, Err: err, Detail: fmt.Sprintf(format, args...)}
}
