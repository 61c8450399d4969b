package reconcile

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/task/scheduler"
	"tasksched/internal/task/shard"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

// newRegistry returns a registry whose timer never runs, so seeded
// instances only exist as bookkeeping.
func newRegistry(t *testing.T) *scheduler.Registry {
	t.Helper()
	r := scheduler.New(nil, logx.Nop())
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}

func parkedUnit() scheduler.Unit {
	rule, _ := trigger.NewRule(trigger.Spec{Kind: trigger.KindFixedDelay, Period: time.Hour, InitialDelay: time.Hour})
	return scheduler.Unit{Rule: rule, Run: func(context.Context, string) (time.Duration, error) { return 0, nil }}
}

type lockCell struct{ held atomic.Bool }

func (l *lockCell) HasLock() bool { return l.held.Load() }

func seed(t *testing.T, r *scheduler.Registry, name string, counts map[string]int) {
	t.Helper()
	for k, n := range counts {
		for i := 0; i < n; i++ {
			if _, err := r.StartInstance(name, k, parkedUnit()); err != nil {
				t.Fatalf("StartInstance error: %v", err)
			}
		}
	}
}

func TestReconcileGlobalGrows(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	seed(t, reg, "T", map[string]int{shard.Default: 2})

	var seen int
	rc := &Reconciler{
		Task:     "T",
		Registry: reg,
		NewUnit:  parkedUnit,
		Computer: Global(func(_ context.Context, current int) (int, error) {
			seen = current
			return 5, nil
		}),
	}
	if err := rc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if seen != 2 {
		t.Fatalf("computer saw %d, want 2", seen)
	}
	if got := reg.Snapshot("T"); !reflect.DeepEqual(got, map[string]int{shard.Default: 5}) {
		t.Fatalf("Snapshot = %v, want default:5", got)
	}
}

func TestReconcileShardedCapped(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	seed(t, reg, "S", map[string]int{"a": 2, "b": 1})
	_, _ = reg.StartInstance("S", shard.Reconciler, parkedUnit())

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	rc := &Reconciler{
		Task:     "S",
		Max:      3,
		Registry: reg,
		NewUnit:  parkedUnit,
		Bus:      bus,
		Computer: Sharded(func(_ context.Context, current map[string]int) (map[string]int, error) {
			if _, ok := current[shard.Reconciler]; ok {
				t.Error("computer saw the reconciler shard")
			}
			return map[string]int{"a": 1, "c": 4}, nil
		}),
	}
	if err := rc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	want := map[string]int{"a": 1, "c": 2}
	if got := reg.Snapshot("S"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot = %v, want %v", got, want)
	}
	select {
	case e := <-events:
		adj, ok := e.Data.(Adjustment)
		if e.Type != eventbus.ConcurrencyAdjusted || !ok || adj.Started != 2 || adj.Stopped != 2 {
			t.Fatalf("event = %+v, want adjusted started=2 stopped=2", e)
		}
	default:
		t.Fatal("no adjustment event")
	}

	// A second cycle with the same answer is a no-op.
	if err := rc.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile error: %v", err)
	}
	if got := reg.Snapshot("S"); !reflect.DeepEqual(got, want) {
		t.Fatalf("Snapshot after second cycle = %v, want %v", got, want)
	}
}

func TestReconcileComputerErrorLeavesRegistry(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	seed(t, reg, "T", map[string]int{shard.Default: 2})
	boom := errors.New("boom")
	rc := &Reconciler{
		Task:     "T",
		Registry: reg,
		NewUnit:  parkedUnit,
		Computer: Global(func(context.Context, int) (int, error) { return 0, boom }),
	}
	if err := rc.Reconcile(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Reconcile = %v, want %v", err, boom)
	}
	if got := reg.Snapshot("T"); got[shard.Default] != 2 {
		t.Fatalf("Snapshot = %v, want default:2", got)
	}
}

func TestReconcileSingletonWithoutLockDrains(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	seed(t, reg, "T", map[string]int{"a": 2, "b": 3})
	_, _ = reg.StartInstance("T", shard.Reconciler, parkedUnit())

	lock := &lockCell{}
	calls := 0
	rc := &Reconciler{
		Task:      "T",
		Singleton: true,
		Lock:      lock,
		Registry:  reg,
		NewUnit:   parkedUnit,
		Computer: Sharded(func(context.Context, map[string]int) (map[string]int, error) {
			calls++
			return map[string]int{"a": 1}, nil
		}),
	}
	if err := rc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if got := reg.Snapshot("T"); len(got) != 0 {
		t.Fatalf("Snapshot = %v, want empty", got)
	}
	if calls != 0 {
		t.Fatalf("computer calls = %d, want 0", calls)
	}
	if got := len(reg.Instances("T")); got != 1 {
		t.Fatalf("Instances = %d, want the reconciler to survive", got)
	}

	lock.held.Store(true)
	if err := rc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if got := reg.Snapshot("T"); !reflect.DeepEqual(got, map[string]int{"a": 1}) {
		t.Fatalf("Snapshot after lock = %v, want a:1", got)
	}
}

func TestReconcilerUnitRunsCycle(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)
	rc := &Reconciler{
		Task:     "T",
		Registry: reg,
		NewUnit:  parkedUnit,
		Computer: Global(func(context.Context, int) (int, error) { return 1, nil }),
	}
	u, err := rc.Unit(time.Second)
	if err != nil {
		t.Fatalf("Unit error: %v", err)
	}
	if !u.Rule.Sequential() {
		t.Fatal("reconciler unit must be sequential")
	}
	if _, err := u.Run(context.Background(), shard.Reconciler); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := reg.Snapshot("T")[shard.Default]; got != 1 {
		t.Fatalf("default = %d, want 1", got)
	}
}

func TestConcurrentCyclesRespectCap(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	rc := &Reconciler{
		Task:     "T",
		Max:      3,
		Registry: reg,
		NewUnit:  parkedUnit,
		Computer: Global(func(context.Context, int) (int, error) {
			entered <- struct{}{}
			<-release
			return 3, nil
		}),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- rc.Reconcile(context.Background())
		}()
	}
	<-entered
	select {
	case <-entered:
		t.Fatal("second cycle entered the computer while the first was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Reconcile error: %v", err)
		}
	}
	if got := reg.Snapshot("T"); !reflect.DeepEqual(got, map[string]int{shard.Default: 3}) {
		t.Fatalf("Snapshot = %v, want default:3", got)
	}
}

func TestCloseDuringComputeStartsNothing(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	rc := &Reconciler{
		Task:     "T",
		Registry: reg,
		NewUnit:  parkedUnit,
		Computer: Global(func(context.Context, int) (int, error) {
			close(entered)
			<-release
			return 4, nil
		}),
	}
	done := make(chan error, 1)
	go func() { done <- rc.Reconcile(context.Background()) }()

	<-entered
	rc.Close()
	reg.StopAll("T")
	close(release)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("Reconcile = %v, want ErrClosed", err)
	}
	if got := reg.Snapshot("T"); len(got) != 0 {
		t.Fatalf("Snapshot = %v, want empty", got)
	}
	if err := rc.Reconcile(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Reconcile after Close = %v, want ErrClosed", err)
	}
}

func TestCloseWhileStartingRollsBack(t *testing.T) {
	t.Parallel()
	reg := newRegistry(t)

	var rc *Reconciler
	units := 0
	rc = &Reconciler{
		Task:     "T",
		Registry: reg,
		NewUnit: func() scheduler.Unit {
			units++
			if units == 2 {
				// Removal lands between two starts.
				rc.Close()
				reg.StopAll("T")
			}
			return parkedUnit()
		},
		Computer: Global(func(context.Context, int) (int, error) { return 3, nil }),
	}
	if err := rc.Reconcile(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Reconcile = %v, want ErrClosed", err)
	}
	if got := reg.Snapshot("T"); len(got) != 0 {
		t.Fatalf("Snapshot = %v, want empty", got)
	}
	if got := len(reg.Instances("T")); got != 0 {
		t.Fatalf("Instances = %d, want 0", got)
	}
}
