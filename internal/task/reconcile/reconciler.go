package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/task/scheduler"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

// ErrClosed is returned by Reconcile once the reconciler has been closed.
var ErrClosed = errors.New("reconciler closed")

// Registry is the slice of the task registry a reconciler drives.
type Registry interface {
	Snapshot(name string) map[string]int
	StartInstance(name, shard string, u scheduler.Unit) (scheduler.HandleID, error)
	StopOne(name, shard string) bool
	Stop(id scheduler.HandleID) bool
	StopWork(name string) int
}

// Adjustment is published after a cycle changed anything.
type Adjustment struct {
	Task    string         `json:"task"`
	Before  map[string]int `json:"before"`
	After   map[string]int `json:"after"`
	Started int            `json:"started"`
	Stopped int            `json:"stopped"`
}

// Reconciler keeps one dynamic task's instances converged on what its
// computer asks for.
type Reconciler struct {
	Task      string
	Singleton bool
	// Max caps the total across shards; 0 means uncapped.
	Max      int
	Computer Computer
	Lock     trigger.LockView
	Registry Registry
	// NewUnit builds the unit for a freshly started instance.
	NewUnit func() scheduler.Unit

	Log logx.Logger
	Bus eventbus.Bus

	mu     sync.Mutex
	closed atomic.Bool
}

// Close makes every later cycle a no-op. A cycle already applying its plan
// stops whatever it started before returning.
func (r *Reconciler) Close() { r.closed.Store(true) }

// Unit returns the fixed-delay unit that runs Reconcile every poll, first
// firing immediately.
func (r *Reconciler) Unit(poll time.Duration) (scheduler.Unit, error) {
	rule, err := trigger.NewRule(trigger.Spec{Kind: trigger.KindFixedDelay, Period: poll})
	if err != nil {
		return scheduler.Unit{}, err
	}
	return scheduler.Unit{
		Rule: rule,
		Run: func(ctx context.Context, _ string) (time.Duration, error) {
			return 0, r.Reconcile(ctx)
		},
	}, nil
}

// Reconcile runs one cycle. Cycles of one reconciler never overlap. A
// computer error aborts the cycle and leaves the registry untouched.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.Load() {
		return ErrClosed
	}
	log := r.Log.With(logx.Task(r.Task))

	if r.Singleton && (r.Lock == nil || !r.Lock.HasLock()) {
		if n := r.Registry.StopWork(r.Task); n > 0 {
			log.Info("lock not held; stopped all instances", logx.Int("stopped", n))
			r.publish(eventbus.ConcurrencyAdjusted, Adjustment{Task: r.Task, After: map[string]int{}, Stopped: n})
		}
		return nil
	}

	current := r.Registry.Snapshot(r.Task)
	raw, err := r.Computer.desired(ctx, current)
	if err != nil {
		log.Warn("concurrency computer failed; cycle skipped", logx.Err(err))
		r.publish(eventbus.ConcurrencyFailed, Adjustment{Task: r.Task, Before: current})
		return fmt.Errorf("compute concurrency for %s: %w", r.Task, err)
	}
	desired, dropped := Normalize(raw)
	if dropped {
		log.Warn("computer returned the reserved reconciler shard; ignored")
	}
	capped := Cap(desired, r.Max)
	if Total(capped) < Total(desired) {
		log.Debug("desired concurrency capped", logx.Int("desired", Total(desired)), logx.Int("max", r.Max))
	}

	plan := Diff(current, capped)
	if plan.Empty() {
		return nil
	}
	if r.closed.Load() {
		return ErrClosed
	}
	adj := Adjustment{Task: r.Task, Before: current, After: capped}
	for _, k := range sortedKeys(plan.Stop) {
		for i := 0; i < plan.Stop[k]; i++ {
			if r.Registry.StopOne(r.Task, k) {
				adj.Stopped++
			}
		}
	}
	var (
		startErr error
		started  []scheduler.HandleID
	)
	for _, k := range sortedKeys(plan.Start) {
		for i := 0; i < plan.Start[k]; i++ {
			id, err := r.Registry.StartInstance(r.Task, k, r.NewUnit())
			if err != nil {
				startErr = errors.Join(startErr, fmt.Errorf("start %s/%s: %w", r.Task, k, err))
				break
			}
			started = append(started, id)
			adj.Started++
		}
	}
	if r.closed.Load() {
		// The task was removed mid-cycle; its StopAll may have missed these.
		for _, id := range started {
			r.Registry.Stop(id)
		}
		log.Debug("reconciler closed mid-cycle; started instances stopped", logx.Int("stopped", len(started)))
		return ErrClosed
	}
	log.Info("concurrency adjusted", logx.Any("before", current), logx.Any("after", capped), logx.Int("started", adj.Started), logx.Int("stopped", adj.Stopped))
	r.publish(eventbus.ConcurrencyAdjusted, adj)
	return startErr
}

func (r *Reconciler) publish(typ string, adj Adjustment) {
	if r.Bus != nil {
		r.Bus.Publish(eventbus.Event{Type: typ, Data: adj})
	}
}
