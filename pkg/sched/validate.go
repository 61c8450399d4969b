package sched

import (
	"context"
	"strings"
	"time"

	"tasksched/internal/task/reconcile"
	"tasksched/internal/task/trigger"
)

// compiled is a definition resolved once at registration.
type compiled struct {
	def      Definition
	rule     trigger.Rule
	work     trigger.Func
	computer reconcile.Computer
}

type workShape struct {
	sharded  bool
	duration bool
	fn       trigger.Func
}

func shapeOf(work any) (workShape, bool) {
	switch w := work.(type) {
	case func(context.Context) error:
		return workShape{fn: func(ctx context.Context, _ string) (time.Duration, error) { return 0, w(ctx) }}, true
	case func(context.Context, string) error:
		return workShape{sharded: true, fn: func(ctx context.Context, s string) (time.Duration, error) { return 0, w(ctx, s) }}, true
	case func(context.Context) (time.Duration, error):
		return workShape{duration: true, fn: func(ctx context.Context, _ string) (time.Duration, error) { return w(ctx) }}, true
	case func(context.Context, string) (time.Duration, error):
		return workShape{sharded: true, duration: true, fn: w}, true
	default:
		return workShape{}, false
	}
}

func resolveComputer(c Concurrency) (reconcile.Computer, bool) {
	switch c.mode {
	case modeGlobal:
		switch fn := c.computer.(type) {
		case ConcurrencyComputer:
			return reconcile.Global(fn.Compute), true
		case func(context.Context, int) (int, error):
			return reconcile.Global(fn), true
		}
	case modeSharded:
		switch fn := c.computer.(type) {
		case ShardedConcurrencyComputer:
			return reconcile.Sharded(fn.Compute), true
		case func(context.Context, map[string]int) (map[string]int, error):
			return reconcile.Sharded(fn), true
		}
	}
	return nil, false
}

// compile validates def against the engine. Checks run in a fixed order so
// the first problem reported is stable.
func compile(def Definition, haveLock bool) (*compiled, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, &ConfigError{Err: ErrTaskName}
	}
	def.Name = name
	c := &compiled{def: def}

	if def.Singleton && !haveLock {
		return nil, configErr(name, ErrNoLockService, "configure a LockService with WithLockService")
	}

	conc := def.Concurrency
	if conc.dynamic() {
		comp, ok := resolveComputer(conc)
		if !ok {
			want := "ConcurrencyComputer"
			if conc.mode == modeSharded {
				want = "ShardedConcurrencyComputer"
			}
			return nil, configErr(name, ErrComputerContract, "got %T, want %s", conc.computer, want)
		}
		c.computer = comp
	}

	shape, ok := shapeOf(def.Work)
	if !ok {
		return nil, configErr(name, ErrWorkSignature, "unsupported work type %T", def.Work)
	}
	wantSharded := conc.mode == modeSharded
	if shape.sharded != wantSharded {
		if wantSharded {
			return nil, configErr(name, ErrWorkSignature, "sharded tasks take a shard string argument")
		}
		return nil, configErr(name, ErrWorkSignature, "non-sharded tasks take no shard argument")
	}
	c.work = shape.fn

	switch {
	case !conc.set:
		c.def.Concurrency = Fixed(1)
	case conc.mode == modeFixed && conc.n <= 0:
		return nil, configErr(name, ErrConcurrency, "fixed concurrency must be > 0, got %d", conc.n)
	case conc.dynamic() && conc.poll <= 0:
		return nil, configErr(name, ErrConcurrency, "poll interval must be > 0, got %v", conc.poll)
	case conc.dynamic() && conc.max < 0:
		return nil, configErr(name, ErrConcurrency, "max must be >= 0, got %d", conc.max)
	}

	if def.Trigger.spec.Kind == 0 {
		return nil, configErr(name, ErrTrigger, "no trigger set")
	}
	rule, err := trigger.NewRule(def.Trigger.spec)
	if err != nil {
		return nil, configErr(name, ErrTrigger, "%v", err)
	}
	dynamic := def.Trigger.spec.Kind == trigger.KindDynamicDelay
	if dynamic && !shape.duration {
		return nil, configErr(name, ErrTrigger, "dynamic delay work must return (time.Duration, error)")
	}
	if !dynamic && shape.duration {
		return nil, configErr(name, ErrTrigger, "%s work must return only error", def.Trigger)
	}
	c.rule = rule
	return c, nil
}
