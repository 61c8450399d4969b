package trigger

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"tasksched/internal/task/shard"
)

const (
	// NoLockDelay is the next delay of a DynamicDelay singleton run skipped
	// for lack of the cluster lock.
	NoLockDelay = 10 * time.Second
	// ErrorDelay is the next delay of a DynamicDelay run that failed.
	ErrorDelay = time.Second
)

// LockView exposes the engine's lock-state cell.
type LockView interface {
	HasLock() bool
}

// Func is the normalized shape of every work function. Void work returns a
// zero delay.
type Func func(ctx context.Context, shard string) (time.Duration, error)

// Invocation wraps a work function with singleton gating for one instance.
type Invocation struct {
	Kind      Kind
	Singleton bool
	Lock      LockView
	Work      Func
}

// Outcome describes one firing.
type Outcome struct {
	// Ran is false when singleton gating skipped the work function.
	Ran   bool
	Delay time.Duration
	Err   error
}

// Run executes one firing on the given shard. The lock cell is read once.
func (inv Invocation) Run(ctx context.Context, shardKey string) Outcome {
	if inv.Singleton && (inv.Lock == nil || !inv.Lock.HasLock()) {
		return Outcome{Delay: NoLockDelay}
	}

	arg := ""
	if !shard.IsReserved(shardKey) {
		arg = shardKey
	}
	delay, err := call(ctx, inv.Work, arg)
	if err != nil {
		delay = ErrorDelay
	}
	if inv.Kind != KindDynamicDelay {
		delay = 0
	}
	return Outcome{Ran: true, Delay: max(delay, 0), Err: err}
}

func call(ctx context.Context, fn Func, arg string) (d time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, arg)
}
