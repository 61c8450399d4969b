package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/eventbus"
	"tasksched/internal/lease"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/reconcile"
	"tasksched/internal/task/scheduler"
	"tasksched/internal/task/shard"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// Workers is the size of the shared pool (minimum and default 1).
	Workers int
	// QueueSize buffers firings while every worker is busy; 0 discards them.
	QueueSize        int
	ThreadNamePrefix string
	// AwaitTermination bounds how long Shutdown waits for running work.
	AwaitTermination time.Duration
	HistorySize      int

	LockName     string
	Heartbeat    time.Duration
	LeaseSeconds int
}

type Option func(*Engine)

func WithLogger(log logx.Logger) Option { return func(e *Engine) { e.log = log } }

// WithLockService enables singleton tasks.
func WithLockService(svc LockService) Option { return func(e *Engine) { e.lockSvc = svc } }

// WithNodeID overrides the random node identifier used for the lease.
func WithNodeID(id string) Option { return func(e *Engine) { e.nodeID = id } }

// WithEventBus publishes task, lease and concurrency events on bus.
func WithEventBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

// Engine owns the worker pool, the task registry and the lease loop.
type Engine struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	nodeID  string
	lockSvc LockService

	pool  *engine.Service
	reg   *scheduler.Registry
	lease *lease.Loop

	mu      sync.Mutex
	tasks   map[string]*task
	order   []string
	started bool
	stopped bool
}

type task struct {
	*compiled
	registered time.Time
	rc         *reconcile.Reconciler

	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	lastErr  atomic.Pointer[string]
}

func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, tasks: map[string]*task{}}
	for _, o := range opts {
		o(e)
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.bus == nil {
		e.bus = eventbus.Nop()
	}
	if e.nodeID == "" {
		e.nodeID = uuid.NewString()
	}
	e.log = e.log.With(logx.Node(e.nodeID))

	e.pool = engine.New(engine.Config{
		Workers:          cfg.Workers,
		QueueSize:        cfg.QueueSize,
		ThreadNamePrefix: cfg.ThreadNamePrefix,
		AwaitTermination: cfg.AwaitTermination,
		HistorySize:      cfg.HistorySize,
	}, e.log, e.bus)
	e.reg = scheduler.New(e.pool, e.log)
	if e.lockSvc != nil {
		e.lease = lease.New(lease.Config{
			LockName:     cfg.LockName,
			NodeID:       e.nodeID,
			Heartbeat:    cfg.Heartbeat,
			LeaseSeconds: cfg.LeaseSeconds,
		}, e.lockSvc, e.log, e.bus)
	}
	return e
}

func (e *Engine) NodeID() string { return e.nodeID }

// HasLock reports whether this node held the cluster lease at the last
// heartbeat.
func (e *Engine) HasLock() bool {
	return e.lease != nil && e.lease.HasLock()
}

// Register validates def and, once the engine is started, starts it.
// Invalid definitions return a *ConfigError.
func (e *Engine) Register(def Definition) error {
	c, err := compile(def, e.lockSvc != nil)
	if err != nil {
		return err
	}
	t := &task{compiled: c, registered: time.Now()}
	if c.def.Concurrency.dynamic() {
		t.rc = e.newReconciler(t)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if _, dup := e.tasks[c.def.Name]; dup {
		e.mu.Unlock()
		return configErr(c.def.Name, ErrDuplicateTask, "names must be unique")
	}
	e.tasks[c.def.Name] = t
	e.order = append(e.order, c.def.Name)
	started := e.started
	e.mu.Unlock()

	e.log.Info("task registered",
		logx.Task(c.def.Name),
		logx.String("trigger", c.def.Trigger.String()),
		logx.Bool("singleton", c.def.Singleton),
		logx.Bool("dynamic", c.def.Concurrency.dynamic()),
	)
	if !started {
		return nil
	}
	if c.def.Singleton {
		if err := e.lease.Start(context.Background()); err != nil {
			return err
		}
	}
	return e.startTask(t)
}

// Start starts the pool, the registry, the lease loop when any singleton
// task exists, and every registered task. It is a no-op when running.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	tasks := make([]*task, 0, len(e.order))
	singleton := false
	for _, name := range e.order {
		t := e.tasks[name]
		tasks = append(tasks, t)
		singleton = singleton || t.def.Singleton
	}
	e.mu.Unlock()

	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	if err := e.reg.Start(ctx); err != nil {
		return err
	}
	if singleton {
		if err := e.lease.Start(ctx); err != nil {
			return err
		}
	}
	var errs error
	for _, t := range tasks {
		errs = errors.Join(errs, e.startTask(t))
	}
	e.log.Info("engine started", logx.Int("tasks", len(tasks)), logx.Bool("singleton", singleton))
	return errs
}

func (e *Engine) startTask(t *task) error {
	name := t.def.Name
	var ids []scheduler.HandleID
	defer func() {
		// Remove may have run while instances were being started.
		if !e.registered(t) {
			for _, id := range ids {
				e.reg.Stop(id)
			}
		}
	}()

	if t.rc == nil {
		for i := 0; i < t.def.Concurrency.n; i++ {
			id, err := e.reg.StartInstance(name, shard.Default, e.workUnit(t))
			if err != nil {
				return fmt.Errorf("start %s: %w", name, err)
			}
			ids = append(ids, id)
		}
		return nil
	}

	u, err := t.rc.Unit(t.def.Concurrency.poll)
	if err != nil {
		return fmt.Errorf("start %s reconciler: %w", name, err)
	}
	id, err := e.reg.StartInstance(name, shard.Reconciler, u)
	if err != nil {
		return fmt.Errorf("start %s reconciler: %w", name, err)
	}
	ids = append(ids, id)
	return nil
}

// registered reports whether t is still the live task under its name.
func (e *Engine) registered(t *task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[t.def.Name] == t
}

func (e *Engine) newReconciler(t *task) *reconcile.Reconciler {
	return &reconcile.Reconciler{
		Task:      t.def.Name,
		Singleton: t.def.Singleton,
		Max:       t.def.Concurrency.max,
		Computer:  t.computer,
		Lock:      e,
		Registry:  e.reg,
		NewUnit:   func() scheduler.Unit { return e.workUnit(t) },
		Log:       e.log.With(logx.Component("reconciler")),
		Bus:       e.bus,
	}
}

// workUnit wraps the task's work for one new instance.
func (e *Engine) workUnit(t *task) scheduler.Unit {
	inv := trigger.Invocation{
		Kind:      t.def.Trigger.spec.Kind,
		Singleton: t.def.Singleton,
		Lock:      e,
		Work:      t.work,
	}
	return scheduler.Unit{
		Rule: t.rule,
		Run: func(ctx context.Context, shardKey string) (time.Duration, error) {
			out := inv.Run(ctx, shardKey)
			if !out.Ran {
				t.skipped.Add(1)
				return out.Delay, nil
			}
			t.runs.Add(1)
			if out.Err != nil {
				t.failures.Add(1)
				msg := out.Err.Error()
				t.lastErr.Store(&msg)
			}
			return out.Delay, out.Err
		},
	}
}

// Remove stops every instance of name, its reconciler included, and
// forgets the task. A reconciliation cycle in flight starts nothing that
// outlives the removal.
func (e *Engine) Remove(name string) error {
	e.mu.Lock()
	t, ok := e.tasks[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	delete(e.tasks, name)
	for i, n := range e.order {
		if n == name {
			e.order = append(e.order[:i:i], e.order[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if t.rc != nil {
		t.rc.Close()
	}
	n := e.reg.StopAll(name)
	e.log.Info("task removed", logx.Task(name), logx.Int("stopped", n))
	return nil
}

// Snapshot returns live instance counts per shard for name.
func (e *Engine) Snapshot(name string) map[string]int {
	return e.reg.Snapshot(name)
}

// Reconcile runs one reconciliation cycle of a dynamic task immediately.
func (e *Engine) Reconcile(ctx context.Context, name string) error {
	e.mu.Lock()
	t, started := e.tasks[name], e.started
	e.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if t.rc == nil {
		return fmt.Errorf("task %s has no dynamic concurrency", name)
	}
	if !started {
		return fmt.Errorf("task %s: engine not started", name)
	}
	return t.rc.Reconcile(ctx)
}

// Shutdown cancels every instance, waits up to AwaitTermination for
// running work and releases the lease if singleton tasks ran. Idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	start := time.Now()
	errs := errors.Join(
		e.reg.Shutdown(ctx),
		e.pool.Stop(ctx),
	)
	if e.lease != nil {
		errs = errors.Join(errs, e.lease.Stop(ctx))
	}
	e.log.Info("engine shut down", logx.Duration("took", time.Since(start)))
	return errs
}
