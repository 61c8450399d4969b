package sched

import (
	"context"
	"time"

	"tasksched/internal/task/trigger"
)

// Definition describes one task.
//
// Work must be one of:
//
//	func(ctx context.Context) error
//	func(ctx context.Context, shard string) error
//	func(ctx context.Context) (time.Duration, error)
//	func(ctx context.Context, shard string) (time.Duration, error)
//
// Sharded tasks take the shard argument; every other task takes none.
// DynamicDelay tasks return the delay before their next run; every other
// trigger takes a function returning only an error.
type Definition struct {
	Name        string
	Trigger     Trigger
	Concurrency Concurrency
	// Singleton tasks run only while this node holds the cluster lease.
	Singleton bool
	Work      any
}

// Trigger is the timing discipline of a task.
type Trigger struct {
	spec trigger.Spec
}

// Cron fires at every occurrence of expr. Five fields, six fields with
// leading seconds, and descriptors such as "@hourly" are accepted.
// Runs may overlap.
func Cron(expr string) Trigger {
	return Trigger{spec: trigger.Spec{Kind: trigger.KindCron, Cron: expr}}
}

// FixedRate fires every period from start, however long runs take.
// Runs may overlap.
func FixedRate(period, initialDelay time.Duration) Trigger {
	return Trigger{spec: trigger.Spec{Kind: trigger.KindFixedRate, Period: period, InitialDelay: initialDelay}}
}

// FixedDelay fires period after the previous run of the same instance finished.
func FixedDelay(period, initialDelay time.Duration) Trigger {
	return Trigger{spec: trigger.Spec{Kind: trigger.KindFixedDelay, Period: period, InitialDelay: initialDelay}}
}

// DynamicDelay fires after whatever delay the previous run returned.
// A failed run waits one second; a singleton run skipped without the lease
// waits ten.
func DynamicDelay(initialDelay time.Duration) Trigger {
	return Trigger{spec: trigger.Spec{Kind: trigger.KindDynamicDelay, InitialDelay: initialDelay}}
}

func (t Trigger) String() string { return t.spec.Kind.String() }

type concurrencyMode int

const (
	modeFixed concurrencyMode = iota
	modeGlobal
	modeSharded
)

// Concurrency decides how many instances of a task run. The zero value is
// Fixed(1).
type Concurrency struct {
	set      bool
	mode     concurrencyMode
	n        int
	computer any
	poll     time.Duration
	max      int
}

// Fixed runs exactly n instances on the default shard.
func Fixed(n int) Concurrency { return Concurrency{set: true, mode: modeFixed, n: n} }

// DynamicGlobal resizes the default shard every poll using a
// ConcurrencyComputer. max caps the total; 0 means uncapped.
func DynamicGlobal(computer any, poll time.Duration, max int) Concurrency {
	return Concurrency{set: true, mode: modeGlobal, computer: computer, poll: poll, max: max}
}

// DynamicSharded resizes every shard every poll using a
// ShardedConcurrencyComputer. max caps the total across shards, filled in
// lexicographic shard order; 0 means uncapped.
func DynamicSharded(computer any, poll time.Duration, max int) Concurrency {
	return Concurrency{set: true, mode: modeSharded, computer: computer, poll: poll, max: max}
}

func (c Concurrency) dynamic() bool { return c.mode != modeFixed }

// ConcurrencyComputer returns the desired instance count of a global task
// given the current one.
type ConcurrencyComputer interface {
	Compute(ctx context.Context, current int) (int, error)
}

// ShardedConcurrencyComputer returns desired counts per shard given the
// current ones. Shards left out are stopped.
type ShardedConcurrencyComputer interface {
	Compute(ctx context.Context, current map[string]int) (map[string]int, error)
}

type ConcurrencyFunc func(ctx context.Context, current int) (int, error)

func (f ConcurrencyFunc) Compute(ctx context.Context, current int) (int, error) {
	return f(ctx, current)
}

type ShardedConcurrencyFunc func(ctx context.Context, current map[string]int) (map[string]int, error)

func (f ShardedConcurrencyFunc) Compute(ctx context.Context, current map[string]int) (map[string]int, error) {
	return f(ctx, current)
}

// LockService backs singleton tasks with a named lease.
type LockService interface {
	AcquireOrRenew(ctx context.Context, lockName, nodeID string, leaseSeconds int) (bool, error)
	Release(ctx context.Context, lockName, nodeID string) error
}
