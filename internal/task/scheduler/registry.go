package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	rtsup "tasksched/internal/runtime/supervisor"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/shard"
	"tasksched/internal/task/trigger"
	logx "tasksched/pkg/logx"
)

// Registry maps (task name, shard) to live instances.
//
// A single mutex covers every read-modify-write of the maps and is never
// held across a work invocation.
type Registry struct {
	log    logx.Logger
	pool   Submitter
	timers *timerQueue

	mu      sync.Mutex
	seq     HandleID
	handles map[HandleID]*instance
	byName  map[string]map[string][]HandleID
	closed  bool
	sup     *rtsup.Supervisor
}

// New returns a registry that hands firings to pool. Nothing fires until
// Start.
func New(pool Submitter, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:     log.With(logx.Component("registry")),
		pool:    pool,
		timers:  newTimerQueue(),
		handles: map[HandleID]*instance{},
		byName:  map[string]map[string][]HandleID{},
	}
}

// Start launches the timer goroutine. Instances created before Start fire
// once it runs.
func (r *Registry) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.sup != nil {
		return nil
	}
	r.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(r.log))
	r.sup.GoRestart("timer", func(c context.Context) error {
		return r.timers.run(c, r.fire)
	})
	return nil
}

// StartInstance creates one instance of name on shard and arms its first
// firing. It never blocks on execution.
func (r *Registry) StartInstance(name, shardKey string, u Unit) (HandleID, error) {
	if u.Rule == nil || u.Run == nil {
		return 0, errors.New("unit requires a rule and a run func")
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}
	r.seq++
	in := &instance{id: r.seq, name: name, shard: shardKey, unit: u, created: now}
	in.lastDelay.Store(int64(trigger.ErrorDelay))
	r.handles[in.id] = in
	shards := r.byName[name]
	if shards == nil {
		shards = map[string][]HandleID{}
		r.byName[name] = shards
	}
	shards[shardKey] = append(shards[shardKey], in.id)
	r.timers.schedule(in, u.Rule.First(now))

	r.log.Debug("instance started", logx.Task(name), logx.Shard(shardKey), logx.Instance(uint64(in.id)))
	return in.id, nil
}

// StopOne cancels the oldest instance of (name, shard). It reports false
// when there was nothing to stop.
func (r *Registry) StopOne(name, shardKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	shards := r.byName[name]
	ids := shards[shardKey]
	if len(ids) == 0 {
		return false
	}
	id := ids[0]
	if len(ids) == 1 {
		delete(shards, shardKey)
		if len(shards) == 0 {
			delete(r.byName, name)
		}
	} else {
		shards[shardKey] = ids[1:]
	}
	r.cancelLocked(id)
	return true
}

// Stop cancels one instance by handle. It reports false when the handle is
// unknown or already stopped.
func (r *Registry) Stop(id HandleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.handles[id]
	if in == nil {
		return false
	}
	shards := r.byName[in.name]
	ids := shards[in.shard]
	for i, hid := range ids {
		if hid == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(shards, in.shard)
		if len(shards) == 0 {
			delete(r.byName, in.name)
		}
	} else {
		shards[in.shard] = ids
	}
	r.cancelLocked(id)
	return true
}

// StopAll cancels every instance of name on every shard, the reconciler
// shard included. It returns how many were canceled.
func (r *Registry) StopAll(name string) int {
	return r.stopWhere(name, func(string) bool { return true })
}

// StopWork cancels every instance of name except its reconciler.
func (r *Registry) StopWork(name string) int {
	return r.stopWhere(name, func(s string) bool { return s != shard.Reconciler })
}

func (r *Registry) stopWhere(name string, match func(shard string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	shards := r.byName[name]
	n := 0
	for key, ids := range shards {
		if !match(key) {
			continue
		}
		for _, id := range ids {
			r.cancelLocked(id)
			n++
		}
		delete(shards, key)
	}
	if len(shards) == 0 {
		delete(r.byName, name)
	}
	if n > 0 {
		r.log.Debug("instances stopped", logx.Task(name), logx.Int("count", n))
	}
	return n
}

func (r *Registry) cancelLocked(id HandleID) {
	in := r.handles[id]
	if in == nil {
		return
	}
	delete(r.handles, id)
	in.canceled.Store(true)
	r.timers.cancel(in)
}

// Snapshot returns live instance counts per shard for name, without the
// reconciler shard. The map is never nil.
func (r *Registry) Snapshot(name string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for key, ids := range r.byName[name] {
		if key == shard.Reconciler || len(ids) == 0 {
			continue
		}
		out[key] = len(ids)
	}
	return out
}

// Instances lists every live instance of name, reconciler included, ordered by ID.
func (r *Registry) Instances(name string) []InstanceInfo {
	r.mu.Lock()
	var out []InstanceInfo
	for _, ids := range r.byName[name] {
		for _, id := range ids {
			if in := r.handles[id]; in != nil {
				out = append(out, in.info())
			}
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of live instances across every task.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Shutdown cancels every instance and stops the timer goroutine. Idempotent.
func (r *Registry) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, in := range r.handles {
		in.canceled.Store(true)
	}
	n := len(r.handles)
	r.handles = map[HandleID]*instance{}
	r.byName = map[string]map[string][]HandleID{}
	sup := r.sup
	r.mu.Unlock()

	r.timers.clear()
	r.log.Info("registry shut down", logx.Int("canceled", n))
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// fire runs on the timer goroutine for every due entry.
func (r *Registry) fire(in *instance, scheduled time.Time) {
	if in.canceled.Load() {
		return
	}
	now := time.Now()
	rule := in.unit.Rule
	sequential := rule.Sequential()
	if !sequential {
		r.timers.schedule(in, rule.Next(scheduled, now, 0))
	}

	job := engine.Job{
		Name:  in.name,
		Shard: in.shard,
		Run: func(ctx context.Context) error {
			if sequential {
				defer func() {
					r.timers.schedule(in, rule.Next(scheduled, time.Now(), time.Duration(in.lastDelay.Load())))
				}()
			}
			delay, err := in.unit.Run(ctx, in.shard)
			in.lastDelay.Store(int64(delay))
			return err
		},
	}
	in.fired.Add(1)
	err := r.pool.TrySubmit(job)
	if err == nil {
		return
	}
	in.dropped.Add(1)
	if errors.Is(err, engine.ErrStopped) {
		return
	}
	if sequential {
		// A discarded run must not end the chain.
		retry := max(time.Duration(in.lastDelay.Load()), trigger.ErrorDelay)
		r.timers.schedule(in, rule.Next(now, now, retry))
	}
	r.log.Trace("firing discarded", logx.Task(in.name), logx.Shard(in.shard), logx.Err(err))
}
