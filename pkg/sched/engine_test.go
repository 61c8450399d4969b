package sched

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasksched/internal/lockstore"
)

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := New(Config{Workers: 4, QueueSize: 16, AwaitTermination: time.Second}, opts...)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func mustRegister(t *testing.T, e *Engine, def Definition) {
	t.Helper()
	if err := e.Register(def); err != nil {
		t.Fatalf("Register(%s) error: %v", def.Name, err)
	}
}

func mustStart(t *testing.T, e *Engine) {
	t.Helper()
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func noop(context.Context) error { return nil }

func idleSharded(context.Context, string) error { return nil }

func TestFixedConcurrencyStartsAllInstances(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	mustRegister(t, e, Definition{
		Name:        "T1",
		Trigger:     FixedDelay(time.Second, 0),
		Concurrency: Fixed(3),
		Work:        noop,
	})
	mustStart(t, e)

	got := e.Snapshot("T1")
	want := map[string]int{"default": 3}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
}

func TestZeroConcurrencyRunsOneInstance(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	mustRegister(t, e, Definition{Name: "one", Trigger: FixedDelay(time.Hour, time.Hour), Work: noop})
	mustStart(t, e)

	if got := e.Snapshot("one"); got["default"] != 1 || len(got) != 1 {
		t.Fatalf("Snapshot = %v, want map[default:1]", got)
	}
}

func TestDynamicGlobalConverges(t *testing.T) {
	t.Parallel()
	var desired atomic.Int64
	desired.Store(2)
	e := newEngine(t)
	mustRegister(t, e, Definition{
		Name:    "grow",
		Trigger: FixedDelay(time.Hour, time.Hour),
		Concurrency: DynamicGlobal(ConcurrencyFunc(func(_ context.Context, current int) (int, error) {
			return int(desired.Load()), nil
		}), time.Hour, 0),
		Work: noop,
	})
	mustStart(t, e)
	waitFor(t, "first cycle", func() bool { return e.Snapshot("grow")["default"] == 2 })

	desired.Store(5)
	if err := e.Reconcile(context.Background(), "grow"); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	want := map[string]int{"default": 5}
	if got := e.Snapshot("grow"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
}

func TestDynamicShardedAppliesCap(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	desired := map[string]int{"a": 2, "b": 1}
	e := newEngine(t)
	mustRegister(t, e, Definition{
		Name:    "shards",
		Trigger: FixedDelay(time.Hour, time.Hour),
		Concurrency: DynamicSharded(ShardedConcurrencyFunc(func(context.Context, map[string]int) (map[string]int, error) {
			mu.Lock()
			defer mu.Unlock()
			return desired, nil
		}), time.Hour, 3),
		Work: idleSharded,
	})
	mustStart(t, e)
	waitFor(t, "first cycle", func() bool { return reflect.DeepEqual(e.Snapshot("shards"), map[string]int{"a": 2, "b": 1}) })

	mu.Lock()
	desired = map[string]int{"a": 1, "c": 4}
	mu.Unlock()
	if err := e.Reconcile(context.Background(), "shards"); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	want := map[string]int{"a": 1, "c": 2}
	if got := e.Snapshot("shards"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
}

func TestComputerErrorLeavesInstances(t *testing.T) {
	t.Parallel()
	var fail atomic.Bool
	e := newEngine(t)
	mustRegister(t, e, Definition{
		Name:    "flaky",
		Trigger: FixedDelay(time.Hour, time.Hour),
		Concurrency: DynamicGlobal(func(context.Context, int) (int, error) {
			if fail.Load() {
				return 0, errors.New("metrics down")
			}
			return 2, nil
		}, time.Hour, 0),
		Work: noop,
	})
	mustStart(t, e)
	waitFor(t, "first cycle", func() bool { return e.Snapshot("flaky")["default"] == 2 })

	fail.Store(true)
	if err := e.Reconcile(context.Background(), "flaky"); err == nil {
		t.Fatalf("Reconcile error = nil, want computer error")
	}
	if got := e.Snapshot("flaky")["default"]; got != 2 {
		t.Fatalf("instances = %d, want 2", got)
	}
}

func TestSingletonFollowsLease(t *testing.T) {
	t.Parallel()
	store := lockstore.NewMemory()
	cfg := Config{Workers: 2, QueueSize: 4, LockName: "L", Heartbeat: time.Hour}

	var runs1, runs2 atomic.Int32
	def := func(counter *atomic.Int32) Definition {
		return Definition{
			Name:      "leader-only",
			Trigger:   FixedRate(20*time.Millisecond, 0),
			Singleton: true,
			Work: func(context.Context) error {
				counter.Add(1)
				return nil
			},
		}
	}

	e1 := New(cfg, WithLockService(store), WithNodeID("node1"))
	e2 := New(cfg, WithLockService(store), WithNodeID("node2"))
	t.Cleanup(func() {
		_ = e2.Shutdown(context.Background())
		_ = e1.Shutdown(context.Background())
	})
	mustRegister(t, e1, def(&runs1))
	mustRegister(t, e2, def(&runs2))
	mustStart(t, e1)
	mustStart(t, e2)

	if !e1.HasLock() {
		t.Fatalf("node1 HasLock = false, want true")
	}
	if e2.HasLock() {
		t.Fatalf("node2 HasLock = true, want false")
	}
	waitFor(t, "node1 runs", func() bool { return runs1.Load() >= 2 })
	waitFor(t, "node2 skip", func() bool {
		st, _ := e2.TaskStatus("leader-only")
		return st.Skipped > 0
	})
	if n := runs2.Load(); n != 0 {
		t.Fatalf("node2 runs = %d, want 0", n)
	}
}

func TestSingletonDynamicStopsWithoutLease(t *testing.T) {
	t.Parallel()
	store := lockstore.NewMemory()
	if ok, _ := store.AcquireOrRenew(context.Background(), "L", "other", 60); !ok {
		t.Fatalf("seed lease not acquired")
	}
	e := New(Config{LockName: "L", Heartbeat: time.Hour}, WithLockService(store), WithNodeID("me"))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

	mustRegister(t, e, Definition{
		Name:        "gated",
		Trigger:     FixedDelay(time.Hour, time.Hour),
		Concurrency: DynamicGlobal(ConcurrencyFunc(func(context.Context, int) (int, error) { return 3, nil }), time.Hour, 0),
		Singleton:   true,
		Work:        noop,
	})
	mustStart(t, e)
	if err := e.Reconcile(context.Background(), "gated"); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if got := e.Snapshot("gated"); len(got) != 0 {
		t.Fatalf("Snapshot = %v, want empty", got)
	}
}

func TestDynamicDelayErrorRetriesAfterOneSecond(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var calls []time.Time
	e := newEngine(t)
	mustRegister(t, e, Definition{
		Name:    "poller",
		Trigger: DynamicDelay(0),
		Work: func(context.Context) (time.Duration, error) {
			mu.Lock()
			calls = append(calls, time.Now())
			n := len(calls)
			mu.Unlock()
			if n == 1 {
				return time.Minute, errors.New("boom")
			}
			return time.Hour, nil
		},
	})
	mustStart(t, e)
	waitFor(t, "second call", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 2
	})

	mu.Lock()
	gap := calls[1].Sub(calls[0])
	mu.Unlock()
	if gap < 900*time.Millisecond || gap > 2500*time.Millisecond {
		t.Fatalf("gap between calls = %v, want about 1s", gap)
	}
	st, _ := e.TaskStatus("poller")
	if st.LastError != "boom" || st.Failures != 1 {
		t.Fatalf("TaskStatus = %+v, want LastError boom and 1 failure", st)
	}
	found := false
	for _, h := range e.Status().Pool.History {
		if h.Name == "poller" && h.Error == "boom" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pool history has no failed poller run")
	}
}

func TestShutdownEmptiesSnapshots(t *testing.T) {
	t.Parallel()
	e := New(Config{Workers: 2})
	mustRegister(t, e, Definition{Name: "a", Trigger: FixedDelay(time.Hour, time.Hour), Concurrency: Fixed(2), Work: noop})
	mustRegister(t, e, Definition{Name: "b", Trigger: Cron("@hourly"), Work: noop})
	mustStart(t, e)

	for i := 0; i < 2; i++ {
		if err := e.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown #%d error: %v", i+1, err)
		}
	}
	for _, name := range []string{"a", "b"} {
		if got := e.Snapshot(name); len(got) != 0 {
			t.Fatalf("Snapshot(%s) = %v, want empty", name, got)
		}
	}
	if err := e.Register(Definition{Name: "late", Trigger: Cron("@hourly"), Work: noop}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Register after Shutdown error = %v, want ErrStopped", err)
	}
}

func TestRegisterAfterStartRuns(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	mustStart(t, e)
	ran := make(chan struct{}, 1)
	mustRegister(t, e, Definition{
		Name:    "late",
		Trigger: FixedDelay(time.Hour, 0),
		Work: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	})
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatalf("late task never ran")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	mustRegister(t, e, Definition{Name: "gone", Trigger: FixedDelay(time.Hour, time.Hour), Concurrency: Fixed(2), Work: noop})
	mustStart(t, e)

	if err := e.Remove("gone"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	if got := e.Snapshot("gone"); len(got) != 0 {
		t.Fatalf("Snapshot = %v, want empty", got)
	}
	if got := e.Tasks(); len(got) != 0 {
		t.Fatalf("Tasks = %v, want none", got)
	}
	if err := e.Remove("gone"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("second Remove error = %v, want ErrUnknownTask", err)
	}
}

func TestRemoveDuringReconcileLeavesNoInstances(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	e := newEngine(t)
	mustRegister(t, e, Definition{
		Name:    "gone",
		Trigger: FixedDelay(time.Hour, time.Hour),
		Concurrency: DynamicGlobal(func(context.Context, int) (int, error) {
			once.Do(func() { close(entered) })
			<-release
			return 4, nil
		}, time.Hour, 0),
		Work: noop,
	})
	mustStart(t, e)
	<-entered

	if err := e.Remove("gone"); err != nil {
		t.Fatalf("Remove error: %v", err)
	}
	close(release)

	// Give the interrupted cycle time to finish applying.
	time.Sleep(100 * time.Millisecond)
	if got := e.Snapshot("gone"); len(got) != 0 {
		t.Fatalf("Snapshot = %v, want empty", got)
	}
	if err := e.Reconcile(context.Background(), "gone"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("Reconcile after Remove = %v, want ErrUnknownTask", err)
	}
}

func TestManualAndScheduledCyclesRespectCap(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	release := make(chan struct{})
	e := newEngine(t)
	mustRegister(t, e, Definition{
		Name:    "capped",
		Trigger: FixedDelay(time.Hour, time.Hour),
		Concurrency: DynamicGlobal(func(context.Context, int) (int, error) {
			if calls.Add(1) == 1 {
				<-release
			}
			return 6, nil
		}, time.Hour, 3),
		Work: noop,
	})
	mustStart(t, e)
	waitFor(t, "scheduled cycle", func() bool { return calls.Load() == 1 })

	done := make(chan error, 1)
	go func() { done <- e.Reconcile(context.Background(), "capped") }()
	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if got := e.Snapshot("capped"); !reflect.DeepEqual(got, map[string]int{"default": 3}) {
		t.Fatalf("Snapshot = %v, want default:3", got)
	}
}
