package sched

import (
	"time"

	"tasksched/internal/lease"
	"tasksched/internal/task/engine"
	"tasksched/internal/task/scheduler"
)

type TaskStatus struct {
	Name       string                   `json:"name"`
	Trigger    string                   `json:"trigger"`
	Singleton  bool                     `json:"singleton"`
	Dynamic    bool                     `json:"dynamic"`
	Shards     map[string]int           `json:"shards"`
	Instances  []scheduler.InstanceInfo `json:"instances,omitempty"`
	Runs       uint64                   `json:"runs"`
	Failures   uint64                   `json:"failures"`
	Skipped    uint64                   `json:"skipped"`
	LastError  string                   `json:"last_error,omitempty"`
	Registered string                   `json:"registered"`
}

type Status struct {
	NodeID  string          `json:"node_id"`
	HasLock bool            `json:"has_lock"`
	Lease   *lease.Status   `json:"lease,omitempty"`
	Pool    engine.Snapshot `json:"pool"`
	Tasks   []TaskStatus    `json:"tasks"`
}

// Tasks lists registered task names in registration order.
func (e *Engine) Tasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// TaskStatus describes one task; ok is false for unknown names.
func (e *Engine) TaskStatus(name string) (TaskStatus, bool) {
	e.mu.Lock()
	t := e.tasks[name]
	e.mu.Unlock()
	if t == nil {
		return TaskStatus{}, false
	}
	st := TaskStatus{
		Name:       name,
		Trigger:    t.def.Trigger.String(),
		Singleton:  t.def.Singleton,
		Dynamic:    t.def.Concurrency.dynamic(),
		Shards:     e.reg.Snapshot(name),
		Instances:  e.reg.Instances(name),
		Runs:       t.runs.Load(),
		Failures:   t.failures.Load(),
		Skipped:    t.skipped.Load(),
		Registered: t.registered.Format(time.RFC3339),
	}
	if p := t.lastErr.Load(); p != nil {
		st.LastError = *p
	}
	return st, true
}

// Status is a point-in-time diagnostic view of the whole engine.
func (e *Engine) Status() Status {
	st := Status{NodeID: e.nodeID, HasLock: e.HasLock(), Pool: e.pool.Snapshot()}
	if e.lease != nil {
		ls := e.lease.Status()
		st.Lease = &ls
	}
	for _, name := range e.Tasks() {
		if ts, ok := e.TaskStatus(name); ok {
			ts.Instances = nil
			st.Tasks = append(st.Tasks, ts)
		}
	}
	return st
}
